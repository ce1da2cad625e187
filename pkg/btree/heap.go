// ABOUTME: Heap-backed Pager for trees that are never persisted
// ABOUTME: Pages live in a map keyed by a monotonically increasing pointer

package btree

// heapPager never issues pointer 0, which marks an empty tree
type heapPager struct {
	pages map[uint64][]byte
	next  uint64
}

func (h *heapPager) Page(ptr uint64) []byte {
	p, ok := h.pages[ptr]
	if !ok {
		panic("btree: page not found")
	}
	return p
}

func (h *heapPager) Alloc(p []byte) uint64 {
	ptr := h.next
	h.next++
	h.pages[ptr] = p
	return ptr
}

func (h *heapPager) Free(ptr uint64) {
	delete(h.pages, ptr)
}

// NewInMemory returns an empty tree whose pages are kept on the heap
func NewInMemory() *Tree {
	return New(&heapPager{pages: make(map[uint64][]byte), next: 1}, 0)
}
