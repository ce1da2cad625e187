// Package server implements the gRPC IndexService over an engine
package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/engine"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/search"
	"github.com/nainya/indexedcollections/pkg/store"
)

// MaxMessageSize bounds request and response messages
const MaxMessageSize = 16 * 1024 * 1024

// Server implements IndexServiceServer
type Server struct {
	engine *engine.Engine
	log    *logger.Logger
}

var _ IndexServiceServer = (*Server)(nil)

// NewServer creates a service over e. log may be nil.
func NewServer(e *engine.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{engine: e, log: log}
}

// NewGRPCServer builds a grpc.Server with the metrics interceptor and the
// service registered. m may be nil.
func NewGRPCServer(srv *Server, m *metrics.Metrics, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(m, srv.log)),
	}, opts...)
	g := grpc.NewServer(opts...)
	RegisterIndexServiceServer(g, srv)
	return g
}

// toStatus maps index errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, keycodec.ErrEncoding),
		errors.Is(err, search.ErrTypeMismatch),
		errors.Is(err, store.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// ========== Entities ==========

func (s *Server) CreateEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entityType, err := stringField(req, "type")
	if err != nil {
		return nil, toStatus(err)
	}
	scopes, err := scopesField(req, "scopes")
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := s.engine.CreateEntity(entityType, scopes)
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["id"] = structpb.NewStringValue(id.String())
	return out, nil
}

// ========== Collections ==========

func (s *Server) AddMember(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req, "scope")
	if err != nil {
		return nil, toStatus(err)
	}
	member, err := idField(req, "member")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.engine.AddMember(scope, member); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Server) RemoveMember(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req, "scope")
	if err != nil {
		return nil, toStatus(err)
	}
	member, err := idField(req, "member")
	if err != nil {
		return nil, toStatus(err)
	}
	removed, err := s.engine.RemoveMember(scope, member)
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["removed"] = structpb.NewBoolValue(removed)
	return out, nil
}

func (s *Server) ListMembers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req, "scope")
	if err != nil {
		return nil, toStatus(err)
	}
	limit, err := intField(req, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	reverse, err := boolField(req, "reverse")
	if err != nil {
		return nil, toStatus(err)
	}
	members, err := s.engine.ListMembers(scope, collection.ListOptions{Limit: limit, Reverse: reverse})
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["members"] = idsToProto(members)
	return out, nil
}

// ========== Attributes ==========

func (s *Server) SetAttribute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entity, err := idField(req, "entity")
	if err != nil {
		return nil, toStatus(err)
	}
	name, err := stringField(req, "name")
	if err != nil {
		return nil, toStatus(err)
	}
	value, err := requiredValueField(req, "value")
	if err != nil {
		return nil, toStatus(err)
	}
	scopes, err := scopesField(req, "scopes")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.engine.SetAttribute(entity, name, value, scopes); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Server) RemoveAttribute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entity, err := idField(req, "entity")
	if err != nil {
		return nil, toStatus(err)
	}
	name, err := stringField(req, "name")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.engine.RemoveAttribute(entity, name); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Server) GetAttribute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entity, err := idField(req, "entity")
	if err != nil {
		return nil, toStatus(err)
	}
	name, err := stringField(req, "name")
	if err != nil {
		return nil, toStatus(err)
	}
	value, found, err := s.engine.GetAttribute(entity, name)
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["found"] = structpb.NewBoolValue(found)
	if found {
		out.Fields["value"] = valueToProto(value)
	}
	return out, nil
}

// ========== Search ==========

func (s *Server) ExactMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req, "scope")
	if err != nil {
		return nil, toStatus(err)
	}
	name, err := stringField(req, "name")
	if err != nil {
		return nil, toStatus(err)
	}
	value, err := requiredValueField(req, "value")
	if err != nil {
		return nil, toStatus(err)
	}
	limit, err := intField(req, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	ids, err := s.engine.ExactMatch(scope, name, value, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["entities"] = idsToProto(ids)
	return out, nil
}

func (s *Server) RangeMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req, "scope")
	if err != nil {
		return nil, toStatus(err)
	}
	name, err := stringField(req, "name")
	if err != nil {
		return nil, toStatus(err)
	}
	q, err := queryFromProto(req)
	if err != nil {
		return nil, toStatus(err)
	}
	ids, err := s.engine.RangeMatch(scope, name, q)
	if err != nil {
		return nil, toStatus(err)
	}
	out := empty()
	out.Fields["entities"] = idsToProto(ids)
	return out, nil
}

func queryFromProto(req *structpb.Struct) (search.Query, error) {
	var q search.Query
	var err error
	if q.Start, err = valueField(req, "start"); err != nil {
		return q, err
	}
	if q.End, err = valueField(req, "end"); err != nil {
		return q, err
	}
	if q.StartInclusive, err = boolField(req, "start_inclusive"); err != nil {
		return q, err
	}
	if q.EndInclusive, err = boolField(req, "end_inclusive"); err != nil {
		return q, err
	}
	if q.Limit, err = intField(req, "limit"); err != nil {
		return q, err
	}
	q.Reverse, err = boolField(req, "reverse")
	return q, err
}

// ========== Maintenance ==========

// Verify checks one attribute, or every attribute when name is omitted
func (s *Server) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	entity, err := idField(req, "entity")
	if err != nil {
		return nil, toStatus(err)
	}
	var name string
	if _, ok := field(req, "name"); ok {
		if name, err = stringField(req, "name"); err != nil {
			return nil, toStatus(err)
		}
	}
	incs, err := s.engine.Verify(entity, name)
	if err != nil {
		return nil, toStatus(err)
	}
	values := make([]*structpb.Value, len(incs))
	for i, inc := range incs {
		values[i] = inconsistencyToProto(inc)
	}
	out := empty()
	out.Fields["inconsistencies"] = structpb.NewListValue(&structpb.ListValue{Values: values})
	return out, nil
}
