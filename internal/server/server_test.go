// Integration tests for the IndexService gRPC server
package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/engine"
	"github.com/nainya/indexedcollections/pkg/keycodec"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*Client, *metrics.Metrics) {
	t.Helper()

	m := metrics.NewMetrics()
	e, err := engine.Open(engine.Options{Backend: engine.BackendMemory}, nil, m)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}

	lis := bufconn.Listen(bufSize)
	grpcServer := NewGRPCServer(NewServer(e, nil), m)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		e.Close()
	})
	return NewClient(conn), m
}

func call(t *testing.T, c *Client, method string, fields map[string]*structpb.Value) *structpb.Struct {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Call(ctx, method, &structpb.Struct{Fields: fields})
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return out
}

func callErr(c *Client, method string, fields map[string]*structpb.Value) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, method, &structpb.Struct{Fields: fields})
	return err
}

func str(s string) *structpb.Value {
	return structpb.NewStringValue(s)
}

func createEntity(t *testing.T, c *Client, entityType string, scopes ...collection.Scope) uuid.UUID {
	t.Helper()
	list := make([]*structpb.Value, len(scopes))
	for i, s := range scopes {
		list[i] = ScopeMessage(s)
	}
	out := call(t, c, "CreateEntity", map[string]*structpb.Value{
		"type":   str(entityType),
		"scopes": structpb.NewListValue(&structpb.ListValue{Values: list}),
	})
	id, err := uuid.Parse(out.GetFields()["id"].GetStringValue())
	if err != nil {
		t.Fatalf("Failed to parse created id: %v", err)
	}
	return id
}

func TestMembershipOverGrpc(t *testing.T) {
	client, _ := setupTestServer(t)

	owner := createEntity(t, client, "user")
	scope := collection.Scope{Owner: owner, Name: "inbox"}

	var members []uuid.UUID
	for i := 0; i < 3; i++ {
		id := createEntity(t, client, "message")
		call(t, client, "AddMember", map[string]*structpb.Value{
			"scope":  ScopeMessage(scope),
			"member": str(id.String()),
		})
		members = append(members, id)
	}

	out := call(t, client, "ListMembers", map[string]*structpb.Value{
		"scope": ScopeMessage(scope),
	})
	listed, err := ParseIDs(out, "members")
	if err != nil {
		t.Fatalf("Failed to parse members: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("Expected 3 members, got %d", len(listed))
	}
	for i := range members {
		if listed[i] != members[i] {
			t.Errorf("Member %d: expected %s, got %s", i, members[i], listed[i])
		}
	}

	out = call(t, client, "RemoveMember", map[string]*structpb.Value{
		"scope":  ScopeMessage(scope),
		"member": str(members[1].String()),
	})
	if !out.GetFields()["removed"].GetBoolValue() {
		t.Error("Expected removed=true")
	}

	out = call(t, client, "ListMembers", map[string]*structpb.Value{
		"scope":   ScopeMessage(scope),
		"reverse": structpb.NewBoolValue(true),
		"limit":   structpb.NewNumberValue(1),
	})
	listed, _ = ParseIDs(out, "members")
	if len(listed) != 1 || listed[0] != members[2] {
		t.Errorf("Expected [%s], got %v", members[2], listed)
	}
}

func TestAttributesAndSearchOverGrpc(t *testing.T) {
	client, m := setupTestServer(t)

	owner := createEntity(t, client, "user")
	scope := collection.Scope{Owner: owner, Name: "container"}
	scopes := structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{ScopeMessage(scope)}})

	var ids []uuid.UUID
	for _, n := range []int64{1, 2, 4} {
		id := createEntity(t, client, "item", scope)
		call(t, client, "SetAttribute", map[string]*structpb.Value{
			"entity": str(id.String()),
			"name":   str("n"),
			"value":  ValueMessage(keycodec.Int(n)),
			"scopes": scopes,
		})
		ids = append(ids, id)
	}

	out := call(t, client, "GetAttribute", map[string]*structpb.Value{
		"entity": str(ids[2].String()),
		"name":   str("n"),
	})
	if !out.GetFields()["found"].GetBoolValue() {
		t.Fatal("Expected attribute to be found")
	}
	got, err := valueFromProto(out.GetFields()["value"])
	if err != nil {
		t.Fatalf("Failed to decode value: %v", err)
	}
	if !got.Equal(keycodec.Int(4)) {
		t.Errorf("Expected int 4, got %s", got)
	}

	out = call(t, client, "ExactMatch", map[string]*structpb.Value{
		"scope": ScopeMessage(scope),
		"name":  str("n"),
		"value": ValueMessage(keycodec.Int(2)),
	})
	matched, _ := ParseIDs(out, "entities")
	if len(matched) != 1 || matched[0] != ids[1] {
		t.Errorf("Expected [%s], got %v", ids[1], matched)
	}

	out = call(t, client, "RangeMatch", map[string]*structpb.Value{
		"scope":           ScopeMessage(scope),
		"name":            str("n"),
		"start":           ValueMessage(keycodec.Int(2)),
		"end":             ValueMessage(keycodec.Int(10)),
		"start_inclusive": structpb.NewBoolValue(true),
	})
	matched, _ = ParseIDs(out, "entities")
	if len(matched) != 2 || matched[0] != ids[1] || matched[1] != ids[2] {
		t.Errorf("Expected [%s %s], got %v", ids[1], ids[2], matched)
	}

	out = call(t, client, "Verify", map[string]*structpb.Value{
		"entity": str(ids[0].String()),
	})
	if n := len(out.GetFields()["inconsistencies"].GetListValue().GetValues()); n != 0 {
		t.Errorf("Expected no inconsistencies, got %d", n)
	}

	call(t, client, "RemoveAttribute", map[string]*structpb.Value{
		"entity": str(ids[1].String()),
		"name":   str("n"),
	})
	out = call(t, client, "ExactMatch", map[string]*structpb.Value{
		"scope": ScopeMessage(scope),
		"name":  str("n"),
		"value": ValueMessage(keycodec.Int(2)),
	})
	matched, _ = ParseIDs(out, "entities")
	if len(matched) != 0 {
		t.Errorf("Expected no matches after removal, got %v", matched)
	}

	if v := testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(FullMethod("SetAttribute"), "OK")); v != 3 {
		t.Errorf("Expected 3 SetAttribute requests recorded, got %v", v)
	}
}

func TestErrorCodes(t *testing.T) {
	client, _ := setupTestServer(t)
	scope := collection.Scope{Owner: uuid.New(), Name: "c"}

	tests := []struct {
		name   string
		method string
		fields map[string]*structpb.Value
		code   codes.Code
	}{
		{
			name:   "missing member",
			method: "AddMember",
			fields: map[string]*structpb.Value{"scope": ScopeMessage(scope)},
			code:   codes.InvalidArgument,
		},
		{
			name:   "bad uuid",
			method: "GetAttribute",
			fields: map[string]*structpb.Value{"entity": str("nope"), "name": str("n")},
			code:   codes.InvalidArgument,
		},
		{
			name:   "empty attribute name",
			method: "GetAttribute",
			fields: map[string]*structpb.Value{"entity": str(uuid.NewString()), "name": str("")},
			code:   codes.InvalidArgument,
		},
		{
			name:   "range type mismatch",
			method: "RangeMatch",
			fields: map[string]*structpb.Value{
				"scope": ScopeMessage(scope),
				"name":  str("n"),
				"start": ValueMessage(keycodec.Int(1)),
				"end":   ValueMessage(keycodec.Text("z")),
			},
			code: codes.InvalidArgument,
		},
		{
			name:   "limit out of range",
			method: "ListMembers",
			fields: map[string]*structpb.Value{
				"scope": ScopeMessage(scope),
				"limit": structpb.NewNumberValue(1e300),
			},
			code: codes.InvalidArgument,
		},
		{
			name:   "unknown value kind",
			method: "ExactMatch",
			fields: map[string]*structpb.Value{
				"scope": ScopeMessage(scope),
				"name":  str("n"),
				"value": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{"float": structpb.NewNumberValue(1.5)}}),
			},
			code: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := callErr(client, tt.method, tt.fields)
			if status.Code(err) != tt.code {
				t.Errorf("Expected %v, got %v (%v)", tt.code, status.Code(err), err)
			}
		})
	}
}
