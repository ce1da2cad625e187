// ABOUTME: Fixed-size page layout for tree nodes
// ABOUTME: Leaf pages hold key/value entries, internal pages add child pointers

package btree

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Page geometry. A single entry of the maximum size always fits one page.
const (
	PageSize     = 4096
	MaxKeySize   = 1000
	MaxValueSize = 3000
)

const (
	kindInternal uint16 = 1
	kindLeaf     uint16 = 2
)

// headerSize covers kind and entry count
const headerSize = 4

// entryHeader covers the key and value lengths in front of each entry
const entryHeader = 4

// page layout:
//
//	| kind u16 | count u16 | children [count]u64 (internal only) |
//	| ends [count]u16 | entries: klen u16, vlen u16, key, value |
//
// ends[i] is the offset just past entry i, relative to the entry area.
type page []byte

func (p page) kind() uint16 {
	return binary.LittleEndian.Uint16(p[0:2])
}

func (p page) count() uint16 {
	return binary.LittleEndian.Uint16(p[2:4])
}

func (p page) setHeader(kind, count uint16) {
	binary.LittleEndian.PutUint16(p[0:2], kind)
	binary.LittleEndian.PutUint16(p[2:4], count)
}

func (p page) leaf() bool {
	return p.kind() == kindLeaf
}

func childWidth(kind uint16) int {
	if kind == kindInternal {
		return 8
	}
	return 0
}

func (p page) endsAt() int {
	return headerSize + childWidth(p.kind())*int(p.count())
}

func (p page) entriesAt() int {
	return p.endsAt() + 2*int(p.count())
}

func (p page) child(i uint16) uint64 {
	if p.leaf() || i >= p.count() {
		panic("btree: child index out of range")
	}
	return binary.LittleEndian.Uint64(p[headerSize+8*int(i):])
}

func (p page) setChild(i uint16, ptr uint64) {
	binary.LittleEndian.PutUint64(p[headerSize+8*int(i):], ptr)
}

// start returns the offset of entry i within the entry area
func (p page) start(i uint16) int {
	if i == 0 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(p[p.endsAt()+2*int(i-1):]))
}

func (p page) setEnd(i uint16, end int) {
	binary.LittleEndian.PutUint16(p[p.endsAt()+2*int(i):], uint16(end))
}

func (p page) entry(i uint16) (key, val []byte) {
	if i >= p.count() {
		panic("btree: entry index out of range")
	}
	pos := p.entriesAt() + p.start(i)
	klen := int(binary.LittleEndian.Uint16(p[pos:]))
	vlen := int(binary.LittleEndian.Uint16(p[pos+2:]))
	pos += entryHeader
	return p[pos : pos+klen], p[pos+klen : pos+klen+vlen]
}

func (p page) key(i uint16) []byte {
	k, _ := p.entry(i)
	return k
}

func (p page) value(i uint16) []byte {
	_, v := p.entry(i)
	return v
}

// used is the number of meaningful bytes in p
func (p page) used() int {
	return p.entriesAt() + p.start(p.count())
}

// lookup returns the last entry whose key is <= key, or 0 when there is
// none. Entry 0 of an internal page covers everything below entry 1, so its
// key is never compared. A leaf may start above key once its first entry
// is deleted; callers that place or find entries check entry 0 themselves.
func lookup(p page, key []byte) uint16 {
	n := int(p.count())
	i := sort.Search(n-1, func(i int) bool {
		return bytes.Compare(p.key(uint16(i+1)), key) > 0
	})
	return uint16(i)
}

// sizeOf is the page size needed for entries [from, to) of p
func sizeOf(p page, from, to uint16) int {
	n := int(to - from)
	return headerSize + (childWidth(p.kind())+2)*n + p.start(to) - p.start(from)
}

// builder fills a fresh page with a known number of entries in order
type builder struct {
	p page
	n uint16
}

func newBuilder(kind, count uint16, capacity int) *builder {
	b := &builder{p: make(page, capacity)}
	b.p.setHeader(kind, count)
	return b
}

func (b *builder) add(ptr uint64, key, val []byte) {
	if b.n >= b.p.count() {
		panic("btree: page builder overflow")
	}
	if b.p.kind() == kindInternal {
		b.p.setChild(b.n, ptr)
	}
	start := b.p.start(b.n)
	pos := b.p.entriesAt() + start
	binary.LittleEndian.PutUint16(b.p[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(b.p[pos+2:], uint16(len(val)))
	copy(b.p[pos+entryHeader:], key)
	copy(b.p[pos+entryHeader+len(key):], val)
	b.p.setEnd(b.n, start+entryHeader+len(key)+len(val))
	b.n++
}

// copy appends entries [from, to) of src
func (b *builder) copy(src page, from, to uint16) {
	for i := from; i < to; i++ {
		var ptr uint64
		if !src.leaf() {
			ptr = src.child(i)
		}
		k, v := src.entry(i)
		b.add(ptr, k, v)
	}
}

func (b *builder) page() page {
	if b.n != b.p.count() {
		panic("btree: page builder incomplete")
	}
	return b.p
}

// split cuts an oversized page into the fewest pieces that each fit a
// page, keeping piece sizes close to even. A page that already fits is
// returned truncated to PageSize.
func split(p page) []page {
	if p.used() <= PageSize {
		return []page{p[:PageSize]}
	}
	n := p.count()
	for pieces := (p.used() + PageSize - 1) / PageSize; pieces <= int(n); pieces++ {
		target := p.used() / pieces
		var bounds []uint16
		from := uint16(0)
		fits := true
		for from < n {
			to := from + 1
			for to < n && sizeOf(p, from, to+1) <= PageSize && sizeOf(p, from, to) < target {
				to++
			}
			if sizeOf(p, from, to) > PageSize {
				fits = false
				break
			}
			bounds = append(bounds, to)
			from = to
		}
		if !fits || len(bounds) > pieces {
			continue
		}
		out := make([]page, 0, len(bounds))
		from = 0
		for _, to := range bounds {
			b := newBuilder(p.kind(), to-from, PageSize)
			b.copy(p, from, to)
			out = append(out, b.page())
			from = to
		}
		return out
	}
	panic("btree: page cannot be split")
}
