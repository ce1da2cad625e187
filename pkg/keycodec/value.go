// ABOUTME: Closed tagged-union value type for composite keys
// ABOUTME: Text, int64, raw bytes and UUID identifiers with logical ordering

package keycodec

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Kind is the type tag written in front of every encoded part.
// Tag values are part of the on-disk format and define cross-kind order.
type Kind uint8

const (
	KindBytes Kind = 0x01
	KindInt   Kind = 0x02
	KindText  Kind = 0x03
	KindID    Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindID:
		return "id"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k is one of the supported kinds
func (k Kind) Valid() bool {
	return k >= KindBytes && k <= KindID
}

// Value is a single typed part of a composite key.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	B    []byte
	I    int64
	S    string
	U    uuid.UUID
}

// Bytes creates a raw byte-sequence value
func Bytes(b []byte) Value {
	return Value{Kind: KindBytes, B: b}
}

// Int creates a signed 64-bit integer value
func Int(i int64) Value {
	return Value{Kind: KindInt, I: i}
}

// Text creates a UTF-8 text value
func Text(s string) Value {
	return Value{Kind: KindText, S: s}
}

// ID creates an identifier value
func ID(u uuid.UUID) Value {
	return Value{Kind: KindID, U: u}
}

// Equal reports whether a and b have the same kind and payload
func (v Value) Equal(o Value) bool {
	return Compare(v, o) == 0
}

// Compare orders two values the same way their encodings compare:
// first by kind tag, then by payload.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindBytes:
		return bytes.Compare(a.B, b.B)
	case KindInt:
		switch {
		case a.I < b.I:
			return -1
		case a.I > b.I:
			return 1
		}
		return 0
	case KindText:
		switch {
		case a.S < b.S:
			return -1
		case a.S > b.S:
			return 1
		}
		return 0
	case KindID:
		return bytes.Compare(a.U[:], b.U[:])
	}
	return 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindBytes:
		return fmt.Sprintf("bytes(%x)", v.B)
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindText:
		return strconv.Quote(v.S)
	case KindID:
		return v.U.String()
	default:
		return v.Kind.String()
	}
}
