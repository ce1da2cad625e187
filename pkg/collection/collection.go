// ABOUTME: Collection membership index over the collections region
// ABOUTME: Members are ordered by a time-ordered insertion marker within each scope

package collection

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
)

// Scope names a collection: the owner entity and the collection name
type Scope struct {
	Owner uuid.UUID
	Name  string
}

// Key returns Encode(ID(owner), Text(name)), the row key of the scope in
// both the collections region and the index region.
func (s Scope) Key() ([]byte, error) {
	return keycodec.Encode(keycodec.ID(s.Owner), keycodec.Text(s.Name))
}

func (s Scope) String() string {
	return s.Owner.String() + "/" + s.Name
}

// Column groups inside a scope row. Markers sort before lookups so a scan
// of the marker group is a scan in insertion order.
const (
	groupMarker int64 = 0
	groupLookup int64 = 1
)

// pageSize bounds each store scan while listing
const pageSize = 256

// ListOptions controls ListMembers
type ListOptions struct {
	// Limit caps the number of members returned; <= 0 returns all
	Limit int

	// Reverse lists the most recently added members first
	Reverse bool
}

// Index maintains collection membership
type Index struct {
	store   store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
	newID   func() (uuid.UUID, error)
}

// New returns an index over s. log and m may be nil.
func New(s store.Store, log *logger.Logger, m *metrics.Metrics) *Index {
	if log == nil {
		log = logger.Nop()
	}
	return &Index{
		store:   s,
		log:     log.IndexLogger("collection"),
		metrics: m,
		newID:   uuid.NewV7,
	}
}

func markerColumn(marker uuid.UUID) []byte {
	return keycodec.MustEncode(keycodec.Int(groupMarker), keycodec.ID(marker))
}

func lookupColumn(member uuid.UUID) []byte {
	return keycodec.MustEncode(keycodec.Int(groupLookup), keycodec.ID(member))
}

func groupPrefix(group int64) []byte {
	return keycodec.MustEncode(keycodec.Int(group))
}

func (x *Index) count(op string) {
	if x.metrics != nil {
		x.metrics.MembershipChangesTotal.WithLabelValues(op).Inc()
	}
}

// AddMember records member in scope under a fresh marker. A previous marker
// for the same member is dropped in the same single-row batch, so the
// member moves to the end of the insertion order.
func (x *Index) AddMember(scope Scope, member uuid.UUID) error {
	row, err := scope.Key()
	if err != nil {
		return err
	}

	marker, err := x.newID()
	if err != nil {
		return fmt.Errorf("collection: new marker: %w", err)
	}

	lookup := lookupColumn(member)
	old, ok, err := x.store.Get(store.RegionCollections, row, lookup)
	if err != nil {
		return err
	}

	muts := make([]store.Mutation, 0, 3)
	if ok {
		if prev, err := uuid.FromBytes(old); err == nil {
			muts = append(muts, store.Del(markerColumn(prev)))
		}
	}
	muts = append(muts,
		store.Put(markerColumn(marker), member[:]),
		store.Put(lookup, marker[:]),
	)

	if err := x.store.Mutate(store.RegionCollections, row, muts); err != nil {
		return err
	}
	x.count("add")
	x.log.Debug("member added").
		Str("scope", scope.String()).
		Str("member", member.String()).
		Send()
	return nil
}

// RemoveMember deletes member from scope and reports whether it was
// present. Index entries written for the member are left in place.
func (x *Index) RemoveMember(scope Scope, member uuid.UUID) (bool, error) {
	row, err := scope.Key()
	if err != nil {
		return false, err
	}

	lookup := lookupColumn(member)
	old, ok, err := x.store.Get(store.RegionCollections, row, lookup)
	if err != nil || !ok {
		return false, err
	}

	muts := []store.Mutation{store.Del(lookup)}
	if prev, err := uuid.FromBytes(old); err == nil {
		muts = append(muts, store.Del(markerColumn(prev)))
	}
	if err := x.store.Mutate(store.RegionCollections, row, muts); err != nil {
		return false, err
	}
	x.count("remove")
	return true, nil
}

// Contains reports whether member currently belongs to scope
func (x *Index) Contains(scope Scope, member uuid.UUID) (bool, error) {
	row, err := scope.Key()
	if err != nil {
		return false, err
	}
	_, ok, err := x.store.Get(store.RegionCollections, row, lookupColumn(member))
	return ok, err
}

// ListMembers returns the members of scope in insertion order.
//
// Two racing AddMember calls can both write a marker for the same member.
// Only the marker the lookup column points at is live; others are skipped,
// so every member appears exactly once.
func (x *Index) ListMembers(scope Scope, opts ListOptions) ([]uuid.UUID, error) {
	row, err := scope.Key()
	if err != nil {
		return nil, err
	}

	live, err := x.liveMarkers(row)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}

	prefix := groupPrefix(groupMarker)
	r := store.Range{
		Start:          prefix,
		End:            keycodec.PrefixEnd(prefix),
		StartInclusive: true,
		Limit:          pageSize,
		Reverse:        opts.Reverse,
	}

	var members []uuid.UUID
	for {
		cols, err := x.store.Scan(store.RegionCollections, row, r)
		if err != nil {
			return nil, err
		}

		for _, c := range cols {
			member, err := uuid.FromBytes(c.Value)
			if err != nil {
				return nil, fmt.Errorf("collection: corrupt member in %s: %w", scope, err)
			}
			if !bytes.Equal(live[member], c.Key) {
				continue
			}
			members = append(members, member)
			if opts.Limit > 0 && len(members) >= opts.Limit {
				return members, nil
			}
		}

		if len(cols) < pageSize {
			return members, nil
		}

		// Continue past the last column seen
		last := cols[len(cols)-1].Key
		if opts.Reverse {
			r.End, r.EndInclusive = last, false
		} else {
			r.Start, r.StartInclusive = last, false
		}
	}
}

// liveMarkers maps each member to its current marker column
func (x *Index) liveMarkers(row []byte) (map[uuid.UUID][]byte, error) {
	prefix := groupPrefix(groupLookup)
	cols, err := x.store.Scan(store.RegionCollections, row, store.Range{
		Start:          prefix,
		End:            keycodec.PrefixEnd(prefix),
		StartInclusive: true,
	})
	if err != nil {
		return nil, err
	}

	live := make(map[uuid.UUID][]byte, len(cols))
	for _, c := range cols {
		parts, err := keycodec.Decode(c.Key)
		if err != nil || len(parts) != 2 || parts[1].Kind != keycodec.KindID {
			return nil, fmt.Errorf("collection: corrupt lookup column %x", c.Key)
		}
		marker, err := uuid.FromBytes(c.Value)
		if err != nil {
			return nil, fmt.Errorf("collection: corrupt marker for %s: %w", parts[1].U, err)
		}
		live[parts[1].U] = markerColumn(marker)
	}
	return live, nil
}
