// ABOUTME: Key layout for index, reverse-index and raw attribute columns
// ABOUTME: Shared by the attribute index writer and the search engine reader

package attrindex

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
)

// checkName validates an attribute name; it must encode as text
func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty attribute name", keycodec.ErrEncoding)
	}
	_, err := keycodec.Encode(keycodec.Text(name))
	return err
}

// AttributePrefix is the common prefix of every index column for name.
// All entries of one attribute are contiguous and ordered by value.
func AttributePrefix(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return keycodec.Encode(keycodec.Text(name))
}

// KindPrefix is the common prefix of every index column for name whose
// value has kind. Values of one kind are contiguous inside an attribute.
func KindPrefix(name string, kind keycodec.Kind) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unsupported kind %s", keycodec.ErrEncoding, kind)
	}
	prefix, err := AttributePrefix(name)
	if err != nil {
		return nil, err
	}
	return append(prefix, byte(kind)), nil
}

// ValuePrefix is the common prefix of every index column for name = value
func ValuePrefix(name string, value keycodec.Value) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return keycodec.Encode(keycodec.Text(name), value)
}

// EntryColumn is Encode(Text(name), value, ID(entity)), the index column
// of one entity inside a scope row.
func EntryColumn(name string, value keycodec.Value, entity uuid.UUID) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return keycodec.Encode(keycodec.Text(name), value, keycodec.ID(entity))
}

// ParseEntryColumn splits an index column into its value and entity
func ParseEntryColumn(column []byte) (keycodec.Value, uuid.UUID, error) {
	parts, err := keycodec.Decode(column)
	if err != nil {
		return keycodec.Value{}, uuid.Nil, err
	}
	if len(parts) != 3 || parts[0].Kind != keycodec.KindText || parts[2].Kind != keycodec.KindID {
		return keycodec.Value{}, uuid.Nil, fmt.Errorf("%w: malformed index column", keycodec.ErrEncoding)
	}
	return parts[1], parts[2].U, nil
}

func reverseColumn(name string) []byte {
	return keycodec.MustEncode(keycodec.Text(name))
}

// reverseEntry is the per-entity record of what is currently indexed
type reverseEntry struct {
	value  keycodec.Value
	scopes []collection.Scope
}

// encode produces Encode(value, ID(owner1), Text(name1), ...)
func (r reverseEntry) encode() ([]byte, error) {
	parts := make([]keycodec.Value, 0, 1+2*len(r.scopes))
	parts = append(parts, r.value)
	for _, s := range r.scopes {
		parts = append(parts, keycodec.ID(s.Owner), keycodec.Text(s.Name))
	}
	return keycodec.Encode(parts...)
}

func decodeReverseEntry(data []byte) (reverseEntry, error) {
	parts, err := keycodec.Decode(data)
	if err != nil {
		return reverseEntry{}, err
	}
	if len(parts) == 0 || len(parts)%2 != 1 {
		return reverseEntry{}, fmt.Errorf("%w: malformed reverse entry", keycodec.ErrEncoding)
	}

	entry := reverseEntry{value: parts[0]}
	for i := 1; i < len(parts); i += 2 {
		if parts[i].Kind != keycodec.KindID || parts[i+1].Kind != keycodec.KindText {
			return reverseEntry{}, fmt.Errorf("%w: malformed scope in reverse entry", keycodec.ErrEncoding)
		}
		entry.scopes = append(entry.scopes, collection.Scope{Owner: parts[i].U, Name: parts[i+1].S})
	}
	return entry, nil
}

// dedupScopes drops repeated scopes, keeping first occurrence order
func dedupScopes(scopes []collection.Scope) []collection.Scope {
	seen := make(map[collection.Scope]bool, len(scopes))
	out := make([]collection.Scope, 0, len(scopes))
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// subtract returns the scopes of a that are not in b
func subtract(a, b []collection.Scope) []collection.Scope {
	in := make(map[collection.Scope]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []collection.Scope
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
