// ABOUTME: Column store layered on a single ordered byte-key map
// ABOUTME: Each (region, row) owns a contiguous key range; columns follow the row prefix

package ordered

import (
	"sync"

	"github.com/nainya/indexedcollections/pkg/btree"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
)

// Op is one key change inside an atomic batch
type Op struct {
	Key    []byte
	Val    []byte
	Delete bool
}

// Backend is an ordered map that can apply a batch of changes atomically.
// Returned slices may alias backend memory; Store copies them.
type Backend interface {
	Get(key []byte) ([]byte, bool)
	ScanRange(lo, hi btree.Bound, reverse bool, callback func(key, val []byte) bool)
	Apply(ops []Op) error
	Close() error
}

// Store implements store.Store over a Backend
type Store struct {
	mu      sync.RWMutex
	backend Backend
	names   store.RegionNames
	closed  bool
}

var _ store.Store = (*Store)(nil)

// New wraps backend. names must pass RegionNames.Validate.
func New(backend Backend, names store.RegionNames) (*Store, error) {
	if names == nil {
		names = store.DefaultRegionNames()
	}
	if err := names.Validate(); err != nil {
		return nil, err
	}
	return &Store{backend: backend, names: names}, nil
}

// rowPrefix is Encode(Text(region name), Bytes(row)); both parts are
// self-delimiting so rows never overlap.
func (s *Store) rowPrefix(region store.Region, row []byte) []byte {
	return keycodec.MustEncode(keycodec.Text(s.names[region]), keycodec.Bytes(row))
}

func (s *Store) columnKey(region store.Region, row, column []byte) []byte {
	return append(s.rowPrefix(region, row), column...)
}

func checkKV(key, val []byte) error {
	if err := btree.CheckLimits(key, val); err != nil {
		return &limitError{err: err}
	}
	return nil
}

type limitError struct{ err error }

func (e *limitError) Error() string { return e.err.Error() }

func (e *limitError) Unwrap() []error { return []error{store.ErrInvalidArgument, e.err} }

// Put writes value into column of row
func (s *Store) Put(region store.Region, row, column, value []byte) error {
	return s.Mutate(region, row, []store.Mutation{store.Put(column, value)})
}

// Get reads one column
func (s *Store) Get(region store.Region, row, column []byte) ([]byte, bool, error) {
	if err := store.CheckRow(region, row); err != nil {
		return nil, false, err
	}
	if err := store.CheckColumn(column); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, store.ErrClosed
	}

	val, ok := s.backend.Get(s.columnKey(region, row, column))
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, val...), true, nil
}

// Delete removes one column and reports whether it existed
func (s *Store) Delete(region store.Region, row, column []byte) (bool, error) {
	if err := store.CheckRow(region, row); err != nil {
		return false, err
	}
	if err := store.CheckColumn(column); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	key := s.columnKey(region, row, column)
	if _, ok := s.backend.Get(key); !ok {
		return false, nil
	}
	if err := s.backend.Apply([]Op{{Key: key, Delete: true}}); err != nil {
		return false, store.Unavailable("delete", err)
	}
	return true, nil
}

// Scan returns the columns of row within r
func (s *Store) Scan(region store.Region, row []byte, r store.Range) ([]store.Column, error) {
	if err := store.CheckRow(region, row); err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}

	prefix := s.rowPrefix(region, row)
	lo := btree.Bound{Key: prefix, Inclusive: true}
	if r.Start != nil {
		lo = btree.Bound{Key: append(append([]byte{}, prefix...), r.Start...), Inclusive: r.StartInclusive}
	}
	hi := btree.Bound{Key: keycodec.PrefixEnd(prefix), Inclusive: false}
	if r.End != nil {
		hi = btree.Bound{Key: append(append([]byte{}, prefix...), r.End...), Inclusive: r.EndInclusive}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var cols []store.Column
	s.backend.ScanRange(lo, hi, r.Reverse, func(key, val []byte) bool {
		// The row prefix itself is never a column key
		if len(key) == len(prefix) {
			return true
		}
		cols = append(cols, store.Column{
			Key:   append([]byte{}, key[len(prefix):]...),
			Value: append([]byte{}, val...),
		})
		return r.Limit <= 0 || len(cols) < r.Limit
	})
	return cols, nil
}

// Mutate applies muts to one row atomically
func (s *Store) Mutate(region store.Region, row []byte, muts []store.Mutation) error {
	if err := store.CheckRow(region, row); err != nil {
		return err
	}
	if len(muts) == 0 {
		return nil
	}

	ops := make([]Op, 0, len(muts))
	for _, m := range muts {
		if err := store.CheckColumn(m.Column); err != nil {
			return err
		}
		key := s.columnKey(region, row, m.Column)
		if !m.Delete {
			if err := checkKV(key, m.Value); err != nil {
				return err
			}
		}
		ops = append(ops, Op{Key: key, Val: m.Value, Delete: m.Delete})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	if err := s.backend.Apply(ops); err != nil {
		return store.Unavailable("mutate", err)
	}
	return nil
}

// Size reports the backend size when it knows it
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sz, ok := s.backend.(store.Sizer); ok && !s.closed {
		return sz.Size()
	}
	return 0
}

// Close closes the backend; later calls fail with store.ErrClosed
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}
