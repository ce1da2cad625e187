// ABOUTME: Write transactions applying many puts and deletes atomically
// ABOUTME: New pages are written and synced before the meta page flips

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nainya/indexedcollections/pkg/btree"
)

// Tx is a write transaction. It sees its own writes; nothing reaches
// readers until Update commits it.
type Tx struct {
	db       *DB
	tree     *btree.Tree
	free     freeList          // working copy of db.free
	reused   map[uint64][]byte // free pages overwritten in place
	appended [][]byte          // pages past the committed end
	pending  []uint64          // pages released by this transaction
}

// Update runs fn in a transaction and commits it when fn returns nil.
// On any error the database keeps its previous committed state.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx := &Tx{
		db:     db,
		free:   db.free.clone(),
		reused: make(map[uint64][]byte),
	}
	tx.tree = btree.New(tx, db.root)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Get returns the value under key as seen by tx
func (tx *Tx) Get(key []byte) ([]byte, bool) {
	return tx.tree.Get(key)
}

// Put sets key to val. Sizes must pass btree.CheckLimits.
func (tx *Tx) Put(key, val []byte) error {
	if err := btree.CheckLimits(key, val); err != nil {
		return err
	}
	tx.tree.Put(key, val)
	return nil
}

// Delete removes key and reports whether it existed
func (tx *Tx) Delete(key []byte) bool {
	return tx.tree.Delete(key)
}

// ScanRange visits keys as seen by tx
func (tx *Tx) ScanRange(lo, hi btree.Bound, reverse bool, fn func(key, val []byte) bool) {
	tx.tree.ScanRange(lo, hi, reverse, fn)
}

// Page implements btree.Pager
func (tx *Tx) Page(ptr uint64) []byte {
	if p, ok := tx.reused[ptr]; ok {
		return p
	}
	if ptr >= tx.db.pages {
		return tx.appended[ptr-tx.db.pages]
	}
	return tx.db.mapped(ptr)
}

// Alloc implements btree.Pager
func (tx *Tx) Alloc(p []byte) uint64 {
	if len(p) != btree.PageSize {
		panic("storage: page size mismatch")
	}
	if ptr := tx.free.pop(); ptr != 0 {
		tx.reused[ptr] = p
		return ptr
	}
	tx.appended = append(tx.appended, p)
	return tx.db.pages + uint64(len(tx.appended)) - 1
}

// Free implements btree.Pager. Committed pages stay untouched until the
// new meta is durable; pages written by this transaction are recycled.
func (tx *Tx) Free(ptr uint64) {
	if _, ok := tx.reused[ptr]; ok {
		delete(tx.reused, ptr)
		tx.free.avail = append(tx.free.avail, ptr)
		return
	}
	tx.pending = append(tx.pending, ptr)
}

func (tx *Tx) allocRaw() uint64 {
	if ptr := tx.free.pop(); ptr != 0 {
		return ptr
	}
	tx.appended = append(tx.appended, nil)
	return tx.db.pages + uint64(len(tx.appended)) - 1
}

func (tx *Tx) commit() error {
	db := tx.db
	if db.failed {
		// The meta page may be torn; restore the last committed one
		if err := db.writeMeta(db.root, db.pages, head(db.free.chain)); err != nil {
			return err
		}
		db.failed = false
	}

	// The old list pages are referenced by the committed meta, so they
	// join the pending set with everything else this commit releases.
	released := append(tx.pending, db.free.chain...)
	n := listPagesFor(len(tx.free.avail) + len(released))
	chain := make([]uint64, 0, n)
	for len(chain) < n {
		chain = append(chain, tx.allocRaw())
	}
	free := append(append([]uint64(nil), tx.free.avail...), released...)
	listPages := encodeList(free, chain)

	pages := db.pages + uint64(len(tx.appended))
	for i, ptr := range chain {
		if ptr >= db.pages {
			tx.appended[ptr-db.pages] = listPages[i]
		} else {
			tx.reused[ptr] = listPages[i]
		}
	}

	if err := tx.write(); err != nil {
		db.failed = true
		return err
	}
	if err := db.extendMmap(int(pages) * btree.PageSize); err != nil {
		db.failed = true
		return err
	}
	if err := db.writeMeta(tx.tree.Root(), pages, head(chain)); err != nil {
		db.failed = true
		return err
	}

	db.root = tx.tree.Root()
	db.pages = pages
	db.free = freeList{avail: free, chain: chain}
	return nil
}

// write stores every page of the transaction and syncs the file
func (tx *Tx) write() error {
	db := tx.db
	for ptr, p := range tx.reused {
		if err := db.pwrite(ptr, p); err != nil {
			return err
		}
	}
	for i, p := range tx.appended {
		if err := db.pwrite(db.pages+uint64(i), p); err != nil {
			return err
		}
	}
	if err := unix.Fsync(db.fd); err != nil {
		return fmt.Errorf("fsync pages: %w", err)
	}
	return nil
}

func (db *DB) writeMeta(root, pages, freeHead uint64) error {
	if _, err := unix.Pwrite(db.fd, db.encodeMeta(root, pages, freeHead), 0); err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	if err := unix.Fsync(db.fd); err != nil {
		return fmt.Errorf("fsync meta page: %w", err)
	}
	return nil
}

func head(chain []uint64) uint64 {
	if len(chain) == 0 {
		return 0
	}
	return chain[0]
}
