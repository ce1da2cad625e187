// ABOUTME: Conversions between google.protobuf.Struct messages and index types
// ABOUTME: Values are one-field objects keyed by kind: text, int, bytes or id

package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/indexedcollections/pkg/attrindex"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
)

// errBadRequest marks malformed request messages
var errBadRequest = errors.New("malformed request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func field(s *structpb.Struct, name string) (*structpb.Value, bool) {
	v, ok := s.GetFields()[name]
	if !ok || v == nil {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := field(s, name)
	if !ok {
		return "", badRequest("%s is required", name)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", badRequest("%s must be a string", name)
	}
	return str.StringValue, nil
}

func boolField(s *structpb.Struct, name string) (bool, error) {
	v, ok := field(s, name)
	if !ok {
		return false, nil
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, badRequest("%s must be a boolean", name)
	}
	return b.BoolValue, nil
}

func intField(s *structpb.Struct, name string) (int, error) {
	v, ok := field(s, name)
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, badRequest("%s must be an integer", name)
	}
	if n.NumberValue < math.MinInt || n.NumberValue >= math.MaxInt {
		return 0, badRequest("%s is out of range", name)
	}
	return int(n.NumberValue), nil
}

func idField(s *structpb.Struct, name string) (uuid.UUID, error) {
	str, err := stringField(s, name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, badRequest("%s: %v", name, err)
	}
	return id, nil
}

func scopeFromValue(v *structpb.Value) (collection.Scope, error) {
	s := v.GetStructValue()
	if s == nil {
		return collection.Scope{}, badRequest("scope must be an object")
	}
	owner, err := idField(s, "owner")
	if err != nil {
		return collection.Scope{}, err
	}
	name, err := stringField(s, "name")
	if err != nil {
		return collection.Scope{}, err
	}
	return collection.Scope{Owner: owner, Name: name}, nil
}

func scopeField(s *structpb.Struct, name string) (collection.Scope, error) {
	v, ok := field(s, name)
	if !ok {
		return collection.Scope{}, badRequest("%s is required", name)
	}
	return scopeFromValue(v)
}

func scopesField(s *structpb.Struct, name string) ([]collection.Scope, error) {
	v, ok := field(s, name)
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, badRequest("%s must be a list", name)
	}
	scopes := make([]collection.Scope, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		scope, err := scopeFromValue(item)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func valueField(s *structpb.Struct, name string) (*keycodec.Value, error) {
	v, ok := field(s, name)
	if !ok {
		return nil, nil
	}
	value, err := valueFromProto(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &value, nil
}

func requiredValueField(s *structpb.Struct, name string) (keycodec.Value, error) {
	v, err := valueField(s, name)
	if err != nil {
		return keycodec.Value{}, err
	}
	if v == nil {
		return keycodec.Value{}, badRequest("%s is required", name)
	}
	return *v, nil
}

// valueFromProto decodes {"text": "..."}, {"int": n}, {"bytes": base64}
// or {"id": uuid}. Integers may be numbers or decimal strings; strings keep
// values outside the float64 exact range intact.
func valueFromProto(v *structpb.Value) (keycodec.Value, error) {
	s := v.GetStructValue()
	if s == nil || len(s.GetFields()) != 1 {
		return keycodec.Value{}, badRequest("value must be an object with exactly one kind")
	}
	for kind, inner := range s.GetFields() {
		switch kind {
		case "text":
			str, ok := inner.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return keycodec.Value{}, badRequest("text value must be a string")
			}
			return keycodec.Text(str.StringValue), nil
		case "int":
			switch n := inner.GetKind().(type) {
			case *structpb.Value_NumberValue:
				if n.NumberValue != math.Trunc(n.NumberValue) ||
					n.NumberValue < math.MinInt64 || n.NumberValue >= math.MaxInt64 {
					return keycodec.Value{}, badRequest("int value out of range")
				}
				return keycodec.Int(int64(n.NumberValue)), nil
			case *structpb.Value_StringValue:
				i, err := strconv.ParseInt(n.StringValue, 10, 64)
				if err != nil {
					return keycodec.Value{}, badRequest("int value: %v", err)
				}
				return keycodec.Int(i), nil
			default:
				return keycodec.Value{}, badRequest("int value must be a number or string")
			}
		case "bytes":
			str, ok := inner.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return keycodec.Value{}, badRequest("bytes value must be a base64 string")
			}
			b, err := base64.StdEncoding.DecodeString(str.StringValue)
			if err != nil {
				return keycodec.Value{}, badRequest("bytes value: %v", err)
			}
			return keycodec.Bytes(b), nil
		case "id":
			str, ok := inner.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return keycodec.Value{}, badRequest("id value must be a string")
			}
			id, err := uuid.Parse(str.StringValue)
			if err != nil {
				return keycodec.Value{}, badRequest("id value: %v", err)
			}
			return keycodec.ID(id), nil
		default:
			return keycodec.Value{}, badRequest("unknown value kind %q", kind)
		}
	}
	return keycodec.Value{}, badRequest("empty value")
}

// valueToProto is the inverse of valueFromProto. Integers are written as
// decimal strings.
func valueToProto(v keycodec.Value) *structpb.Value {
	var inner *structpb.Value
	switch v.Kind {
	case keycodec.KindText:
		inner = structpb.NewStringValue(v.S)
	case keycodec.KindInt:
		inner = structpb.NewStringValue(strconv.FormatInt(v.I, 10))
	case keycodec.KindBytes:
		inner = structpb.NewStringValue(base64.StdEncoding.EncodeToString(v.B))
	case keycodec.KindID:
		inner = structpb.NewStringValue(v.U.String())
	default:
		return structpb.NewNullValue()
	}
	return structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{v.Kind.String(): inner},
	})
}

func scopeToProto(s collection.Scope) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"owner": structpb.NewStringValue(s.Owner.String()),
			"name":  structpb.NewStringValue(s.Name),
		},
	})
}

func idsToProto(ids []uuid.UUID) *structpb.Value {
	values := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		values[i] = structpb.NewStringValue(id.String())
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func inconsistencyToProto(inc attrindex.Inconsistency) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"entity": structpb.NewStringValue(inc.Entity.String()),
			"name":   structpb.NewStringValue(inc.Name),
			"scope":  scopeToProto(inc.Scope),
			"value":  valueToProto(inc.Value),
			"reason": structpb.NewStringValue(inc.Reason),
		},
	})
}

// ParseIDs reads a list of identifier strings from a response field
func ParseIDs(s *structpb.Struct, name string) ([]uuid.UUID, error) {
	v, ok := field(s, name)
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, badRequest("%s must be a list", name)
	}
	ids := make([]uuid.UUID, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		id, err := uuid.Parse(item.GetStringValue())
		if err != nil {
			return nil, badRequest("%s: %v", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ValueMessage wraps v for use as a request field
func ValueMessage(v keycodec.Value) *structpb.Value {
	return valueToProto(v)
}

// ScopeMessage wraps s for use as a request field
func ScopeMessage(s collection.Scope) *structpb.Value {
	return scopeToProto(s)
}
