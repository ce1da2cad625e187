// ABOUTME: Attribute index that mirrors each entity's current attribute values
// ABOUTME: Stale entries are removed before new ones are written on every update

package attrindex

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
)

// Intents records multi-step updates so that interrupted ones can be
// found after a crash. Begin is called before the first store write and
// Commit after the last.
type Intents interface {
	Begin(entity uuid.UUID, name string) (uint64, error)
	Commit(id uint64) error
}

// Index maintains the index, reverse-index and raw attribute regions
type Index struct {
	store   store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
	intents Intents
}

// New returns an attribute index over s. log and m may be nil.
func New(s store.Store, log *logger.Logger, m *metrics.Metrics) *Index {
	if log == nil {
		log = logger.Nop()
	}
	return &Index{
		store:   s,
		log:     log.IndexLogger("attrindex"),
		metrics: m,
	}
}

// SetIntents installs an intent recorder; nil disables recording
func (x *Index) SetIntents(in Intents) {
	x.intents = in
}

func (x *Index) begin(entity uuid.UUID, name string) (uint64, error) {
	if x.intents == nil {
		return 0, nil
	}
	id, err := x.intents.Begin(entity, name)
	if err != nil {
		return 0, fmt.Errorf("attrindex: record intent: %w", err)
	}
	return id, nil
}

func (x *Index) commit(id uint64) {
	if x.intents == nil {
		return
	}
	// The store writes already succeeded; a lost commit record only
	// causes a redundant verification on the next open.
	if err := x.intents.Commit(id); err != nil {
		x.log.Warn("failed to record intent commit").Uint64("intent", id).Err(err).Send()
	}
}

// SetAttribute makes value the current value of name on entity and indexes
// it under every scope in scopes.
//
// The previous entries are deleted first, then the raw value, the new
// entries and the reverse entry are written. A failure part way leaves the
// index missing entries, never holding stale ones.
func (x *Index) SetAttribute(entity uuid.UUID, name string, value keycodec.Value, scopes []collection.Scope) (err error) {
	defer func() {
		if x.metrics != nil {
			x.metrics.RecordAttributeWrite("set", err)
		}
	}()

	if err := checkName(name); err != nil {
		return err
	}
	encoded, err := keycodec.Encode(value)
	if err != nil {
		return err
	}
	scopes = dedupScopes(scopes)
	next := reverseEntry{value: value, scopes: scopes}
	nextEncoded, err := next.encode()
	if err != nil {
		return err
	}

	intent, err := x.begin(entity, name)
	if err != nil {
		return err
	}

	prev, found, err := x.readReverse(entity, name)
	if err != nil {
		return err
	}

	insert := scopes
	if found {
		remove := prev.scopes
		if prev.value.Equal(value) {
			remove = subtract(prev.scopes, scopes)
			insert = subtract(scopes, prev.scopes)
		}
		if err := x.deleteEntries(entity, name, prev.value, remove); err != nil {
			return err
		}
	}

	if err := x.store.Put(store.RegionEntities, entity[:], []byte(name), encoded); err != nil {
		return err
	}

	for _, scope := range insert {
		row, err := scope.Key()
		if err != nil {
			return err
		}
		col, err := EntryColumn(name, value, entity)
		if err != nil {
			return err
		}
		if err := x.store.Put(store.RegionIndex, row, col, nil); err != nil {
			return err
		}
		if x.metrics != nil {
			x.metrics.IndexEntriesWrittenTotal.Inc()
		}
	}

	if err := x.store.Put(store.RegionReverseIndex, entity[:], reverseColumn(name), nextEncoded); err != nil {
		return err
	}

	x.commit(intent)
	x.log.Debug("attribute set").
		Str("entity", entity.String()).
		Str("attribute", name).
		Int("scopes", len(scopes)).
		Send()
	return nil
}

// RemoveAttribute deletes every index entry recorded for name on entity,
// then the reverse entry and the raw value. Removing an attribute that was
// never set is a no-op.
func (x *Index) RemoveAttribute(entity uuid.UUID, name string) (err error) {
	defer func() {
		if x.metrics != nil {
			x.metrics.RecordAttributeWrite("remove", err)
		}
	}()

	if err := checkName(name); err != nil {
		return err
	}

	intent, err := x.begin(entity, name)
	if err != nil {
		return err
	}

	prev, found, err := x.readReverse(entity, name)
	if err != nil {
		return err
	}
	if found {
		if err := x.deleteEntries(entity, name, prev.value, prev.scopes); err != nil {
			return err
		}
		if _, err := x.store.Delete(store.RegionReverseIndex, entity[:], reverseColumn(name)); err != nil {
			return err
		}
	}
	if _, err := x.store.Delete(store.RegionEntities, entity[:], []byte(name)); err != nil {
		return err
	}

	x.commit(intent)
	return nil
}

// GetAttribute returns the current raw value of name on entity
func (x *Index) GetAttribute(entity uuid.UUID, name string) (keycodec.Value, bool, error) {
	if err := checkName(name); err != nil {
		return keycodec.Value{}, false, err
	}
	data, ok, err := x.store.Get(store.RegionEntities, entity[:], []byte(name))
	if err != nil || !ok {
		return keycodec.Value{}, false, err
	}
	v, err := decodeRaw(data)
	if err != nil {
		return keycodec.Value{}, false, fmt.Errorf("attribute %q of %s: %w", name, entity, err)
	}
	return v, true, nil
}

// Attributes returns every raw attribute value stored for entity
func (x *Index) Attributes(entity uuid.UUID) (map[string]keycodec.Value, error) {
	cols, err := x.store.Scan(store.RegionEntities, entity[:], store.Range{})
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]keycodec.Value, len(cols))
	for _, c := range cols {
		v, err := decodeRaw(c.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q of %s: %w", c.Key, entity, err)
		}
		attrs[string(c.Key)] = v
	}
	return attrs, nil
}

func decodeRaw(data []byte) (keycodec.Value, error) {
	v, rest, err := keycodec.DecodeFirst(data)
	if err != nil {
		return keycodec.Value{}, err
	}
	if len(rest) != 0 {
		return keycodec.Value{}, fmt.Errorf("%w: trailing bytes after value", keycodec.ErrEncoding)
	}
	return v, nil
}

func (x *Index) readReverse(entity uuid.UUID, name string) (reverseEntry, bool, error) {
	data, ok, err := x.store.Get(store.RegionReverseIndex, entity[:], reverseColumn(name))
	if err != nil || !ok {
		return reverseEntry{}, false, err
	}
	entry, err := decodeReverseEntry(data)
	if err != nil {
		return reverseEntry{}, false, fmt.Errorf("reverse entry %q of %s: %w", name, entity, err)
	}
	return entry, true, nil
}

// deleteEntries removes the index entries of value under scopes. An entry
// that is already gone is reported as an inconsistency and skipped.
func (x *Index) deleteEntries(entity uuid.UUID, name string, value keycodec.Value, scopes []collection.Scope) error {
	col, err := EntryColumn(name, value, entity)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		row, err := scope.Key()
		if err != nil {
			return err
		}
		existed, err := x.store.Delete(store.RegionIndex, row, col)
		if err != nil {
			return err
		}
		if !existed {
			x.report(Inconsistency{
				Entity: entity,
				Name:   name,
				Scope:  scope,
				Value:  value,
				Reason: ReasonAbsentOnDelete,
			})
			continue
		}
		if x.metrics != nil {
			x.metrics.IndexEntriesDeletedTotal.Inc()
		}
	}
	return nil
}

// report logs and counts an inconsistency without failing the caller
func (x *Index) report(inc Inconsistency) {
	x.log.LogInconsistentIndex(inc.Entity.String(), inc.Name, inc.Scope.String(), inc.Reason)
	if x.metrics != nil {
		x.metrics.InconsistentIndexTotal.Inc()
	}
}

// Report logs and counts inconsistencies found outside this index, such
// as by recovery after an interrupted update.
func (x *Index) Report(incs []Inconsistency) {
	for _, inc := range incs {
		x.report(inc)
	}
}
