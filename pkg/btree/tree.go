// ABOUTME: Copy-on-write B+Tree over pages supplied by a Pager
// ABOUTME: Ordered byte-key map behind every tree-backed column store

package btree

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTooLarge is returned by CheckLimits for keys or values that
// cannot fit a single page.
var ErrTooLarge = errors.New("btree: key or value too large")

// CheckLimits validates a key/value pair before Put, which panics on
// oversized input. The empty key is reserved for the sentinel.
func CheckLimits(key, val []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key is reserved", ErrTooLarge)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: key is %d bytes, max %d", ErrTooLarge, len(key), MaxKeySize)
	}
	if len(val) > MaxValueSize {
		return fmt.Errorf("%w: value is %d bytes, max %d", ErrTooLarge, len(val), MaxValueSize)
	}
	return nil
}

// Pager stores pages for a tree. Pages handed to Alloc are never modified
// afterwards; a page is released with Free once no new root reaches it.
type Pager interface {
	Page(ptr uint64) []byte
	Alloc(p []byte) uint64
	Free(ptr uint64)
}

// Tree is a B+Tree rooted at a page pointer. Pointer 0 is the empty tree.
type Tree struct {
	root  uint64
	pager Pager
}

// New returns a tree over pager starting at root
func New(pager Pager, root uint64) *Tree {
	return &Tree{root: root, pager: pager}
}

// Root returns the current root pointer
func (t *Tree) Root() uint64 {
	return t.root
}

func (t *Tree) page(ptr uint64) page {
	return page(t.pager.Page(ptr))
}

// Get returns the value stored under key
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.root == 0 || len(key) == 0 {
		return nil, false
	}
	p := t.page(t.root)
	for !p.leaf() {
		p = t.page(p.child(lookup(p, key)))
	}
	i := lookup(p, key)
	k, v := p.entry(i)
	if !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

// Put inserts or replaces key. Callers validate sizes with CheckLimits.
func (t *Tree) Put(key, val []byte) {
	if err := CheckLimits(key, val); err != nil {
		panic(err)
	}
	if t.root == 0 {
		b := newBuilder(kindLeaf, 2, PageSize)
		b.add(0, nil, nil)
		b.add(0, key, val)
		t.root = t.pager.Alloc(b.page())
		return
	}

	pieces := split(t.insert(t.page(t.root), key, val))
	t.pager.Free(t.root)
	if len(pieces) == 1 {
		t.root = t.pager.Alloc(pieces[0])
		return
	}
	b := newBuilder(kindInternal, uint16(len(pieces)), PageSize)
	for _, piece := range pieces {
		b.add(t.pager.Alloc(piece), piece.key(0), nil)
	}
	t.root = t.pager.Alloc(b.page())
}

// insert returns a copy of p with key set; the copy may exceed a page
func (t *Tree) insert(p page, key, val []byte) page {
	i := lookup(p, key)
	n := p.count()

	if p.leaf() {
		if bytes.Equal(p.key(i), key) {
			b := newBuilder(kindLeaf, n, 2*PageSize)
			b.copy(p, 0, i)
			b.add(0, key, val)
			b.copy(p, i+1, n)
			return b.page()
		}
		at := i + 1
		if bytes.Compare(key, p.key(i)) < 0 {
			at = i
		}
		b := newBuilder(kindLeaf, n+1, 2*PageSize)
		b.copy(p, 0, at)
		b.add(0, key, val)
		b.copy(p, at, n)
		return b.page()
	}

	ptr := p.child(i)
	pieces := split(t.insert(t.page(ptr), key, val))
	t.pager.Free(ptr)
	return t.replace(p, i, i+1, pieces)
}

// replace returns a copy of internal page p with children [from, to)
// swapped for kids. The first kid keeps the separator of child from so
// separators never grow on delete; later kids are keyed by their first
// entry.
func (t *Tree) replace(p page, from, to uint16, kids []page) page {
	n := p.count()
	b := newBuilder(kindInternal, n-(to-from)+uint16(len(kids)), 2*PageSize)
	b.copy(p, 0, from)
	for j, kid := range kids {
		sep := kid.key(0)
		if j == 0 {
			sep = p.key(from)
		}
		b.add(t.pager.Alloc(kid), sep, nil)
	}
	b.copy(p, to, n)
	return b.page()
}

// Delete removes key and reports whether it was present
func (t *Tree) Delete(key []byte) bool {
	if t.root == 0 || len(key) == 0 {
		return false
	}
	updated, ok := t.remove(t.page(t.root), key)
	if !ok {
		return false
	}
	t.pager.Free(t.root)

	switch {
	case !updated.leaf() && updated.count() == 1:
		t.root = updated.child(0)
	case !updated.leaf() && updated.count() == 0:
		t.root = 0
	default:
		t.root = t.pager.Alloc(updated[:PageSize])
	}
	return true
}

// remove returns a copy of p without key, or false when key is absent
func (t *Tree) remove(p page, key []byte) (page, bool) {
	i := lookup(p, key)
	n := p.count()

	if p.leaf() {
		if !bytes.Equal(p.key(i), key) {
			return nil, false
		}
		b := newBuilder(kindLeaf, n-1, PageSize)
		b.copy(p, 0, i)
		b.copy(p, i+1, n)
		return b.page(), true
	}

	ptr := p.child(i)
	kid, ok := t.remove(t.page(ptr), key)
	if !ok {
		return nil, false
	}
	t.pager.Free(ptr)

	// Small children are folded into a sibling that has room
	if kid.used() <= PageSize/4 {
		if i > 0 {
			if merged := merge(t.page(p.child(i-1)), kid, p.key(i)); merged.used() <= PageSize {
				t.pager.Free(p.child(i - 1))
				return t.replace(p, i-1, i+1, []page{merged[:PageSize]})[:PageSize], true
			}
		}
		if i+1 < n {
			if merged := merge(kid, t.page(p.child(i+1)), p.key(i+1)); merged.used() <= PageSize {
				t.pager.Free(p.child(i + 1))
				return t.replace(p, i, i+2, []page{merged[:PageSize]})[:PageSize], true
			}
		}
	}

	if kid.count() == 0 {
		return t.replace(p, i, i+1, nil)[:PageSize], true
	}
	return t.replace(p, i, i+1, []page{kid})[:PageSize], true
}

// merge concatenates two adjacent siblings. sep is the parent's separator
// for right; in internal pages it replaces right's first key, which may sit
// above the lowest key of right's first child. The result may exceed a page.
func merge(left, right page, sep []byte) page {
	b := newBuilder(left.kind(), left.count()+right.count(), 2*PageSize)
	b.copy(left, 0, left.count())
	if right.leaf() || right.count() == 0 {
		b.copy(right, 0, right.count())
		return b.page()
	}
	b.add(right.child(0), sep, nil)
	b.copy(right, 1, right.count())
	return b.page()
}
