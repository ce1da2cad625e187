// ABOUTME: Read-only detection of index entries that disagree with the reverse index
// ABOUTME: Reports inconsistencies; reconciling them is left to an operator

package attrindex

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
)

// Inconsistency reasons
const (
	ReasonMissingEntry   = "missing index entry"
	ReasonAbsentOnDelete = "index entry already absent on delete"
	ReasonRawMismatch    = "raw value differs from indexed value"
	ReasonRawMissing     = "raw value missing for indexed attribute"
)

// Inconsistency describes one index entry that should exist but does not,
// or a raw value that disagrees with what was indexed. Searches simply
// under-report until it is repaired.
type Inconsistency struct {
	Entity uuid.UUID
	Name   string
	Scope  collection.Scope
	Value  keycodec.Value
	Reason string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s %s=%s in %s: %s", i.Entity, i.Name, i.Value, i.Scope, i.Reason)
}

// Verify checks that every index entry recorded in the reverse entry for
// name on entity exists, and that the raw value matches it.
func (x *Index) Verify(entity uuid.UUID, name string) ([]Inconsistency, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	entry, found, err := x.readReverse(entity, name)
	if err != nil || !found {
		return nil, err
	}

	var incs []Inconsistency
	col, err := EntryColumn(name, entry.value, entity)
	if err != nil {
		return nil, err
	}
	for _, scope := range entry.scopes {
		row, err := scope.Key()
		if err != nil {
			return nil, err
		}
		_, ok, err := x.store.Get(store.RegionIndex, row, col)
		if err != nil {
			return nil, err
		}
		if !ok {
			incs = append(incs, Inconsistency{
				Entity: entity,
				Name:   name,
				Scope:  scope,
				Value:  entry.value,
				Reason: ReasonMissingEntry,
			})
		}
	}

	raw, ok, err := x.GetAttribute(entity, name)
	if err != nil {
		return nil, err
	}
	switch {
	case !ok:
		incs = append(incs, Inconsistency{Entity: entity, Name: name, Value: entry.value, Reason: ReasonRawMissing})
	case !raw.Equal(entry.value):
		incs = append(incs, Inconsistency{Entity: entity, Name: name, Value: entry.value, Reason: ReasonRawMismatch})
	}
	return incs, nil
}

// VerifyEntity runs Verify for every indexed attribute of entity
func (x *Index) VerifyEntity(entity uuid.UUID) ([]Inconsistency, error) {
	cols, err := x.store.Scan(store.RegionReverseIndex, entity[:], store.Range{})
	if err != nil {
		return nil, err
	}

	var incs []Inconsistency
	for _, c := range cols {
		parts, err := keycodec.Decode(c.Key)
		if err != nil || len(parts) != 1 || parts[0].Kind != keycodec.KindText {
			return nil, fmt.Errorf("%w: malformed reverse column %x of %s", keycodec.ErrEncoding, c.Key, entity)
		}
		found, err := x.Verify(entity, parts[0].S)
		if err != nil {
			return nil, err
		}
		incs = append(incs, found...)
	}
	return incs, nil
}
