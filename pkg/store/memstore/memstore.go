// ABOUTME: In-process store backend on a heap-allocated B+Tree
// ABOUTME: Nothing is persisted; used by tests and ephemeral engines

package memstore

import (
	"github.com/nainya/indexedcollections/pkg/btree"
	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/nainya/indexedcollections/pkg/store/ordered"
)

type memBackend struct {
	tree *btree.Tree
}

func (m *memBackend) Get(key []byte) ([]byte, bool) {
	return m.tree.Get(key)
}

func (m *memBackend) ScanRange(lo, hi btree.Bound, reverse bool, callback func(key, val []byte) bool) {
	m.tree.ScanRange(lo, hi, reverse, callback)
}

// Apply cannot fail once limits are checked, so a batch is all-or-nothing
func (m *memBackend) Apply(ops []ordered.Op) error {
	for _, op := range ops {
		if op.Delete {
			m.tree.Delete(op.Key)
		} else {
			m.tree.Put(op.Key, op.Val)
		}
	}
	return nil
}

func (m *memBackend) Close() error {
	return nil
}

// New returns an empty in-memory store using names, or the defaults when nil
func New(names store.RegionNames) (*ordered.Store, error) {
	return ordered.New(&memBackend{tree: btree.NewInMemory()}, names)
}
