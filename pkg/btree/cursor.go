// ABOUTME: Cursor over tree entries in both directions
// ABOUTME: Bounded range scans used by every store backend

package btree

import "bytes"

type frame struct {
	p page
	i uint16
}

// Cursor walks entries in key order. The path holds one frame per level,
// the last frame being the current leaf position.
type Cursor struct {
	tree *Tree
	path []frame
}

// Cursor returns an unpositioned cursor
func (t *Tree) Cursor() *Cursor {
	return &Cursor{tree: t, path: make([]frame, 0, 8)}
}

// SeekLE positions c in the leaf that covers key, at the last entry whose
// key is <= key. When that leaf holds nothing at or below key, c lands on
// its first entry, which is the next key above; Prev reaches the entry
// before it. It reports false for an empty tree.
func (c *Cursor) SeekLE(key []byte) bool {
	c.path = c.path[:0]
	if c.tree.root == 0 {
		return false
	}
	p := c.tree.page(c.tree.root)
	for {
		i := lookup(p, key)
		c.path = append(c.path, frame{p: p, i: i})
		if p.leaf() {
			return true
		}
		p = c.tree.page(p.child(i))
	}
}

// Last positions c at the greatest key
func (c *Cursor) Last() bool {
	c.path = c.path[:0]
	if c.tree.root == 0 {
		return false
	}
	root := c.tree.page(c.tree.root)
	if root.count() == 0 {
		return false
	}
	c.path = append(c.path, frame{p: root, i: root.count() - 1})
	if root.leaf() {
		return true
	}
	return c.descend(false)
}

// Valid reports whether c points at an entry
func (c *Cursor) Valid() bool {
	if len(c.path) == 0 {
		return false
	}
	top := c.path[len(c.path)-1]
	return top.i < top.p.count()
}

// Key returns the current key; it aliases page memory
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	top := c.path[len(c.path)-1]
	return top.p.key(top.i)
}

// Value returns the current value; it aliases page memory
func (c *Cursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	top := c.path[len(c.path)-1]
	return top.p.value(top.i)
}

// Next moves to the following entry
func (c *Cursor) Next() bool {
	for len(c.path) > 0 {
		top := &c.path[len(c.path)-1]
		if top.i+1 < top.p.count() {
			top.i++
			if top.p.leaf() {
				return true
			}
			return c.descend(true)
		}
		c.path = c.path[:len(c.path)-1]
	}
	return false
}

// Prev moves to the preceding entry
func (c *Cursor) Prev() bool {
	for len(c.path) > 0 {
		top := &c.path[len(c.path)-1]
		if top.i > 0 {
			top.i--
			if top.p.leaf() {
				return true
			}
			return c.descend(false)
		}
		c.path = c.path[:len(c.path)-1]
	}
	return false
}

// descend follows the child under the last frame down to a leaf, taking
// the first entry at each level when first is set and the last otherwise.
// An empty page ends the walk, moving on in the same direction.
func (c *Cursor) descend(first bool) bool {
	for {
		top := c.path[len(c.path)-1]
		p := c.tree.page(top.p.child(top.i))
		if p.count() == 0 {
			if first {
				return c.Next()
			}
			return c.Prev()
		}
		i := uint16(0)
		if !first {
			i = p.count() - 1
		}
		c.path = append(c.path, frame{p: p, i: i})
		if p.leaf() {
			return true
		}
	}
}

// Bound is one end of a key range. A nil Key leaves that end open.
type Bound struct {
	Key       []byte
	Inclusive bool
}

func (b Bound) admitsFromBelow(key []byte) bool {
	if b.Key == nil {
		return true
	}
	cmp := bytes.Compare(key, b.Key)
	return cmp > 0 || (cmp == 0 && b.Inclusive)
}

func (b Bound) admitsFromAbove(key []byte) bool {
	if b.Key == nil {
		return true
	}
	cmp := bytes.Compare(key, b.Key)
	return cmp < 0 || (cmp == 0 && b.Inclusive)
}

// ScanRange calls fn for every key between lo and hi in ascending order,
// or descending when reverse is set, until fn returns false. Keys and
// values passed to fn alias page memory. The sentinel is never visited.
func (t *Tree) ScanRange(lo, hi Bound, reverse bool, fn func(key, val []byte) bool) {
	c := t.Cursor()
	inside := func(key []byte) bool {
		return len(key) > 0 && lo.admitsFromBelow(key) && hi.admitsFromAbove(key)
	}

	if !reverse {
		if !c.SeekLE(lo.Key) {
			return
		}
		for c.Valid() && !(len(c.Key()) > 0 && lo.admitsFromBelow(c.Key())) {
			if !c.Next() {
				return
			}
		}
		for ok := c.Valid(); ok && inside(c.Key()); ok = c.Next() {
			if !fn(c.Key(), c.Value()) {
				return
			}
		}
		return
	}

	var ok bool
	if hi.Key == nil {
		ok = c.Last()
	} else {
		ok = c.SeekLE(hi.Key)
	}
	if !ok {
		return
	}
	for c.Valid() && !hi.admitsFromAbove(c.Key()) {
		if !c.Prev() {
			return
		}
	}
	for ok := c.Valid(); ok && inside(c.Key()); ok = c.Prev() {
		if !fn(c.Key(), c.Value()) {
			return
		}
	}
}
