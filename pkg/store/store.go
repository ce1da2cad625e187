// ABOUTME: Entity store adapter over an ordered column store
// ABOUTME: Rows hold comparator-ordered columns; single-row operations are atomic

package store

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrStoreUnavailable wraps every backend failure. The core never retries;
// callers decide on retry and repair.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrClosed is returned for operations on a closed store
var ErrClosed = fmt.Errorf("%w: store closed", ErrStoreUnavailable)

// ErrInvalidArgument is returned for rows or columns a backend cannot hold
var ErrInvalidArgument = errors.New("store: invalid argument")

// Region identifies one of the four logical storage regions
type Region uint8

const (
	RegionEntities Region = iota + 1
	RegionCollections
	RegionIndex
	RegionReverseIndex
)

// Regions lists every region in a stable order
var Regions = []Region{RegionEntities, RegionCollections, RegionIndex, RegionReverseIndex}

func (r Region) String() string {
	switch r {
	case RegionEntities:
		return "entities"
	case RegionCollections:
		return "collections"
	case RegionIndex:
		return "index"
	case RegionReverseIndex:
		return "reverse_index"
	default:
		return fmt.Sprintf("region(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the four known regions
func (r Region) Valid() bool {
	return r >= RegionEntities && r <= RegionReverseIndex
}

// RegionNames maps regions to backend-level names (bucket names, key
// prefixes). Deployments may rename them; every region needs a distinct name.
type RegionNames map[Region]string

// DefaultRegionNames returns the names used when none are configured
func DefaultRegionNames() RegionNames {
	return RegionNames{
		RegionEntities:     "entities",
		RegionCollections:  "collections",
		RegionIndex:        "collection_index",
		RegionReverseIndex: "entity_index_entries",
	}
}

// Validate checks that all four regions are named uniquely
func (n RegionNames) Validate() error {
	seen := make(map[string]Region, len(n))
	for _, r := range Regions {
		name, ok := n[r]
		if !ok || name == "" {
			return fmt.Errorf("%w: no name for region %s", ErrInvalidArgument, r)
		}
		if !utf8.ValidString(name) {
			return fmt.Errorf("%w: region %s name is not valid UTF-8", ErrInvalidArgument, r)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("%w: regions %s and %s share name %q", ErrInvalidArgument, other, r, name)
		}
		seen[name] = r
	}
	return nil
}

// Column is one column of a row as returned by Scan
type Column struct {
	Key   []byte
	Value []byte
}

// Range bounds a column scan within one row. Nil Start or End leaves that
// side open. Limit <= 0 means no limit.
type Range struct {
	Start          []byte
	End            []byte
	StartInclusive bool
	EndInclusive   bool
	Limit          int
	Reverse        bool
}

// Empty reports whether the bounds cannot contain any column
func (r Range) Empty() bool {
	if r.Start == nil || r.End == nil {
		return false
	}
	cmp := bytes.Compare(r.Start, r.End)
	return cmp > 0 || (cmp == 0 && !(r.StartInclusive && r.EndInclusive))
}

// Contains reports whether column key k falls within the bounds
func (r Range) Contains(k []byte) bool {
	if r.Start != nil {
		cmp := bytes.Compare(k, r.Start)
		if cmp < 0 || (cmp == 0 && !r.StartInclusive) {
			return false
		}
	}
	if r.End != nil {
		cmp := bytes.Compare(k, r.End)
		if cmp > 0 || (cmp == 0 && !r.EndInclusive) {
			return false
		}
	}
	return true
}

// Mutation is one column change inside a single-row batch
type Mutation struct {
	Column []byte
	Value  []byte
	Delete bool
}

// Put returns a mutation that writes value to column
func Put(column, value []byte) Mutation {
	return Mutation{Column: column, Value: value}
}

// Del returns a mutation that removes column
func Del(column []byte) Mutation {
	return Mutation{Column: column, Delete: true}
}

// Store is the thin interface every higher component uses.
//
// Each call touches exactly one row and is atomic and immediately visible
// to later calls from the same client. There are no cross-row
// transactions: callers that update several rows must tolerate partial
// failure.
type Store interface {
	// Put writes value into column of row
	Put(region Region, row, column, value []byte) error

	// Get reads a column; ok is false when the column is absent
	Get(region Region, row, column []byte) (value []byte, ok bool, err error)

	// Delete removes a column and reports whether it existed
	Delete(region Region, row, column []byte) (existed bool, err error)

	// Scan returns the columns of row within r, ordered by column key
	Scan(region Region, row []byte, r Range) ([]Column, error)

	// Mutate applies muts to one row atomically
	Mutate(region Region, row []byte, muts []Mutation) error

	// Close releases the backend
	Close() error
}

// Sizer is implemented by backends that can report their on-disk size
type Sizer interface {
	Size() int64
}

// Unavailable wraps a backend error so that errors.Is(err, ErrStoreUnavailable)
// holds while the original cause stays reachable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return "store: " + e.op + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}

// CheckRow validates the row and region arguments shared by every call
func CheckRow(region Region, row []byte) error {
	if !region.Valid() {
		return fmt.Errorf("%w: unknown region %d", ErrInvalidArgument, uint8(region))
	}
	if len(row) == 0 {
		return fmt.Errorf("%w: empty row key", ErrInvalidArgument)
	}
	return nil
}

// CheckColumn validates a column key
func CheckColumn(column []byte) error {
	if len(column) == 0 {
		return fmt.Errorf("%w: empty column key", ErrInvalidArgument)
	}
	return nil
}
