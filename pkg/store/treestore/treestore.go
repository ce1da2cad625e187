// ABOUTME: Persistent store backend on the copy-on-write disk KV
// ABOUTME: Each single-row batch is one transaction and one meta page flip

package treestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nainya/indexedcollections/pkg/btree"
	"github.com/nainya/indexedcollections/pkg/storage"
	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/nainya/indexedcollections/pkg/store/ordered"
)

// FileName is the database file created inside the data directory
const FileName = "index.db"

type dbBackend struct {
	db *storage.DB
}

func (b *dbBackend) Get(key []byte) ([]byte, bool) {
	return b.db.Get(key)
}

func (b *dbBackend) ScanRange(lo, hi btree.Bound, reverse bool, callback func(key, val []byte) bool) {
	b.db.ScanRange(lo, hi, reverse, callback)
}

// Apply writes one batch as a single transaction
func (b *dbBackend) Apply(ops []ordered.Op) error {
	err := b.db.Update(func(tx *storage.Tx) error {
		for _, op := range ops {
			if op.Delete {
				tx.Delete(op.Key)
				continue
			}
			if err := tx.Put(op.Key, op.Val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *dbBackend) Close() error {
	return b.db.Close()
}

func (b *dbBackend) Size() int64 {
	return b.db.Size()
}

// Open opens or creates the database file under dir
func Open(dir string, names store.RegionNames) (*ordered.Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, store.Unavailable("open", err)
	}

	db, err := storage.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, store.Unavailable("open", err)
	}

	s, err := ordered.New(&dbBackend{db: db}, names)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
