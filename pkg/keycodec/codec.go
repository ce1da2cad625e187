// ABOUTME: Order-preserving encoding for composite keys
// ABOUTME: Every part is tagged and self-delimiting so prefix scans stay exact

package keycodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrEncoding is returned for unsupported or malformed values
var ErrEncoding = errors.New("keycodec: encoding error")

const (
	escByte  = 0x00 // starts an escape or terminator pair
	escZero  = 0xFF // 0x00 0xFF encodes a literal 0x00
	escTerm  = 0x01 // 0x00 0x01 terminates a bytes/text payload
	intWidth = 8
	idWidth  = 16
)

// Encode encodes parts into a single order-preserving byte string
func Encode(parts ...Value) ([]byte, error) {
	out := make([]byte, 0, 32*len(parts))
	var err error
	for _, p := range parts {
		if out, err = Append(out, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MustEncode is Encode for keys built from known-good values
func MustEncode(parts ...Value) []byte {
	out, err := Encode(parts...)
	if err != nil {
		panic(err)
	}
	return out
}

// Append appends the encoding of v to dst
func Append(dst []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindInt:
		// Flip sign bit so negatives sort first
		dst = append(dst, byte(KindInt))
		return binary.BigEndian.AppendUint64(dst, uint64(v.I)^(1<<63)), nil

	case KindBytes:
		dst = append(dst, byte(KindBytes))
		return appendEscaped(dst, v.B), nil

	case KindText:
		if !utf8.ValidString(v.S) {
			return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrEncoding)
		}
		dst = append(dst, byte(KindText))
		return appendEscaped(dst, []byte(v.S)), nil

	case KindID:
		dst = append(dst, byte(KindID))
		return append(dst, v.U[:]...), nil

	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrEncoding, v.Kind)
	}
}

// appendEscaped writes s with 0x00 escaped, then the terminator.
// A proper prefix ends in 0x00 0x01 and so sorts before any extension.
func appendEscaped(dst, s []byte) []byte {
	for _, b := range s {
		if b == escByte {
			dst = append(dst, escByte, escZero)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, escByte, escTerm)
}

// Decode decodes every part in data
func Decode(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	for pos := 0; pos < len(data); {
		v, n, err := decodeOne(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w at pos %d", err, pos)
		}
		vals = append(vals, v)
		pos += n
	}
	return vals, nil
}

// DecodeFirst decodes the leading part and returns the remaining bytes
func DecodeFirst(data []byte) (Value, []byte, error) {
	v, n, err := decodeOne(data)
	if err != nil {
		return Value{}, nil, err
	}
	return v, data[n:], nil
}

// decodeOne decodes one part and returns how many bytes it consumed
func decodeOne(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty input", ErrEncoding)
	}
	kind := Kind(data[0])
	body := data[1:]

	switch kind {
	case KindInt:
		if len(body) < intWidth {
			return Value{}, 0, fmt.Errorf("%w: incomplete int", ErrEncoding)
		}
		u := binary.BigEndian.Uint64(body[:intWidth])
		return Int(int64(u ^ (1 << 63))), 1 + intWidth, nil

	case KindID:
		if len(body) < idWidth {
			return Value{}, 0, fmt.Errorf("%w: incomplete id", ErrEncoding)
		}
		var u uuid.UUID
		copy(u[:], body[:idWidth])
		return ID(u), 1 + idWidth, nil

	case KindBytes, KindText:
		raw, n, err := readEscaped(body)
		if err != nil {
			return Value{}, 0, err
		}
		if kind == KindBytes {
			return Bytes(raw), 1 + n, nil
		}
		if !utf8.Valid(raw) {
			return Value{}, 0, fmt.Errorf("%w: text is not valid UTF-8", ErrEncoding)
		}
		return Text(string(raw)), 1 + n, nil

	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrEncoding, data[0])
	}
}

// readEscaped reverses appendEscaped and returns the bytes consumed
func readEscaped(data []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != escByte {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			break
		}
		switch data[i+1] {
		case escTerm:
			return out, i + 2, nil
		case escZero:
			out = append(out, escByte)
			i++
		default:
			return nil, 0, fmt.Errorf("%w: bad escape 0x00 0x%02x", ErrEncoding, data[i+1])
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated payload", ErrEncoding)
}

// PrefixEnd returns the smallest key that is greater than every key
// having prefix as a prefix. Returns nil when no such key exists
// (prefix is empty or all 0xFF), meaning "unbounded".
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
