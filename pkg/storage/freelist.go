// ABOUTME: Persistent list of page numbers available for reuse
// ABOUTME: Stored as a chain of list pages rewritten on every commit

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/indexedcollections/pkg/btree"
)

// list page layout: | next u64 | count u64 | count x u64 page numbers |
const (
	listHeader = 16
	listCap    = (btree.PageSize - listHeader) / 8
)

// freeList tracks pages that no committed tree references
type freeList struct {
	avail []uint64 // reusable by the next transaction
	chain []uint64 // pages holding the persisted list
}

func (fl *freeList) clone() freeList {
	return freeList{
		avail: append([]uint64(nil), fl.avail...),
		chain: append([]uint64(nil), fl.chain...),
	}
}

// pop returns a reusable page, or 0 when none is left
func (fl *freeList) pop() uint64 {
	n := len(fl.avail)
	if n == 0 {
		return 0
	}
	ptr := fl.avail[n-1]
	fl.avail = fl.avail[:n-1]
	return ptr
}

func listPagesFor(n int) int {
	return (n + listCap - 1) / listCap
}

// encodeList spreads ptrs over the pages at, linking them in order
func encodeList(ptrs []uint64, at []uint64) [][]byte {
	pages := make([][]byte, len(at))
	for i := range at {
		p := make([]byte, btree.PageSize)
		chunk := ptrs
		if len(chunk) > listCap {
			chunk = chunk[:listCap]
		}
		ptrs = ptrs[len(chunk):]

		var next uint64
		if i+1 < len(at) {
			next = at[i+1]
		}
		binary.LittleEndian.PutUint64(p[0:], next)
		binary.LittleEndian.PutUint64(p[8:], uint64(len(chunk)))
		for j, ptr := range chunk {
			binary.LittleEndian.PutUint64(p[listHeader+8*j:], ptr)
		}
		pages[i] = p
	}
	return pages
}

// decodeList walks the chain starting at head
func decodeList(head uint64, npages uint64, read func(uint64) []byte) (freeList, error) {
	var fl freeList
	seen := make(map[uint64]bool)
	for ptr := head; ptr != 0; {
		if ptr >= npages || seen[ptr] {
			return freeList{}, fmt.Errorf("%w: bad free list page %d", ErrCorrupt, ptr)
		}
		seen[ptr] = true
		p := read(ptr)
		count := binary.LittleEndian.Uint64(p[8:])
		if count > listCap {
			return freeList{}, fmt.Errorf("%w: free list page %d holds %d entries", ErrCorrupt, ptr, count)
		}
		for j := uint64(0); j < count; j++ {
			free := binary.LittleEndian.Uint64(p[listHeader+8*j:])
			if free == 0 || free >= npages {
				return freeList{}, fmt.Errorf("%w: free page %d out of range", ErrCorrupt, free)
			}
			fl.avail = append(fl.avail, free)
		}
		fl.chain = append(fl.chain, ptr)
		ptr = binary.LittleEndian.Uint64(p[0:])
	}
	return fl, nil
}
