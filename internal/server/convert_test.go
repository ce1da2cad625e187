package server

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/indexedcollections/pkg/keycodec"
)

func TestValueConversion(t *testing.T) {
	values := []keycodec.Value{
		keycodec.Text("hello"),
		keycodec.Int(math.MinInt64),
		keycodec.Int(math.MaxInt64),
		keycodec.Bytes([]byte{0x00, 0xff, 0x01}),
		keycodec.ID(uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")),
	}
	for _, v := range values {
		got, err := valueFromProto(valueToProto(v))
		if err != nil {
			t.Fatalf("Failed to convert %s: %v", v, err)
		}
		if !got.Equal(v) {
			t.Errorf("Expected %s, got %s", v, got)
		}
	}
}

func TestIntFromNumber(t *testing.T) {
	v := structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"int": structpb.NewNumberValue(-42),
	}})
	got, err := valueFromProto(v)
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	if !got.Equal(keycodec.Int(-42)) {
		t.Errorf("Expected int -42, got %s", got)
	}

	v = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"int": structpb.NewNumberValue(1.5),
	}})
	if _, err := valueFromProto(v); !errors.Is(err, errBadRequest) {
		t.Errorf("Expected errBadRequest for fractional int, got %v", err)
	}
}

func TestMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		value *structpb.Value
	}{
		{"not an object", structpb.NewStringValue("x")},
		{"two kinds", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"text": structpb.NewStringValue("a"),
			"int":  structpb.NewNumberValue(1),
		}})},
		{"bad base64", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"bytes": structpb.NewStringValue("!!"),
		}})},
		{"bad id", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id": structpb.NewStringValue("not-a-uuid"),
		}})},
		{"text not string", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"text": structpb.NewBoolValue(true),
		}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := valueFromProto(tt.value); !errors.Is(err, errBadRequest) {
				t.Errorf("Expected errBadRequest, got %v", err)
			}
		})
	}
}

func TestQueryFromProto(t *testing.T) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"start":         ValueMessage(keycodec.Text("a")),
		"end_inclusive": structpb.NewBoolValue(true),
		"limit":         structpb.NewNumberValue(5),
		"reverse":       structpb.NewBoolValue(true),
	}}
	q, err := queryFromProto(req)
	if err != nil {
		t.Fatalf("Failed to parse query: %v", err)
	}
	if q.Start == nil || !q.Start.Equal(keycodec.Text("a")) {
		t.Errorf("Expected start text a, got %v", q.Start)
	}
	if q.End != nil {
		t.Errorf("Expected open end, got %v", q.End)
	}
	if q.StartInclusive || !q.EndInclusive || q.Limit != 5 || !q.Reverse {
		t.Errorf("Unexpected query flags: %+v", q)
	}

	req.Fields["end"] = structpb.NewNullValue()
	if q, err = queryFromProto(req); err != nil || q.End != nil {
		t.Errorf("Expected null end to stay open, got %v, %v", q.End, err)
	}
}

func TestIntFieldRange(t *testing.T) {
	tests := []struct {
		name  string
		value *structpb.Value
		ok    bool
	}{
		{"small", structpb.NewNumberValue(25), true},
		{"negative", structpb.NewNumberValue(-3), true},
		{"huge", structpb.NewNumberValue(1e300), false},
		{"huge negative", structpb.NewNumberValue(-1e300), false},
		{"infinite", structpb.NewNumberValue(math.Inf(1)), false},
		{"not a number", structpb.NewNumberValue(math.NaN()), false},
		{"fraction", structpb.NewNumberValue(2.5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &structpb.Struct{Fields: map[string]*structpb.Value{"limit": tt.value}}
			_, err := intField(req, "limit")
			if tt.ok && err != nil {
				t.Errorf("Expected %v to be accepted, got %v", tt.value, err)
			}
			if !tt.ok && !errors.Is(err, errBadRequest) {
				t.Errorf("Expected errBadRequest for %v, got %v", tt.value, err)
			}
		})
	}
}
