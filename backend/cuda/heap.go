package cuda

import (
	"sort"

	"github.com/northforge/goml/backend"
)

// subHeap is a fixed-size packed arena for small buffers. It amortizes the
// per-allocation driver overhead of cuMemAllocManaged/cuMemFree by carving
// sub-allocations out of one backing allocation, the same role Metal's
// MTLHeap plays for small MTLBuffers. CUDA has no suballocation API of its
// own, so the arena is managed entirely on the Go side with a free-range
// list, in the tradition of classic slab allocators (couchbase's go-slab
// Arena, OpenListTeam's mempool).
type subHeap struct {
	backing *Storage // the single driver allocation backing this arena
	size    int

	// free holds disjoint, sorted-by-offset free ranges. Adjacent ranges are
	// coalesced on release to keep fragmentation bounded.
	free []heapRange
}

type heapRange struct {
	offset int
	length int
}

// newSubHeap allocates one backing buffer of heapSize bytes and wires it for
// residency once, up front -- the heap itself is always resident, matching
// spec section 4.1 ("the heap itself is inserted once at startup").
func newSubHeap(heapSize int, dev backend.Device, residency ResidencySet) (*subHeap, error) {
	backing, err := allocManaged(heapSize, dev)
	if err != nil {
		return nil, err
	}
	h := &subHeap{
		backing: backing,
		size:    heapSize,
		free:    []heapRange{{offset: 0, length: heapSize}},
	}
	residency.Insert(backing)
	return h, nil
}

// NewBuffer sub-allocates byteLen bytes from the arena using best fit among
// the free ranges. Returns a nil RawBuffer, nil error when no free range is
// large enough -- the caller falls back to a direct device allocation.
func (h *subHeap) NewBuffer(byteLen int) (RawBuffer, error) {
	best := -1
	for i, r := range h.free {
		if r.length < byteLen {
			continue
		}
		if best == -1 || r.length < h.free[best].length {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}

	r := h.free[best]
	offset := r.offset
	if r.length == byteLen {
		h.free = append(h.free[:best], h.free[best+1:]...)
	} else {
		h.free[best] = heapRange{offset: offset + byteLen, length: r.length - byteLen}
	}

	return &Storage{
		ptr:     h.backing.ptr + uintptr(offset),
		byteLen: byteLen,
		device:  h.backing.device,
		isHeap:  true,
		heap:    h,
		offset:  offset,
	}, nil
}

// Close releases the heap's single backing allocation. Callers must ensure
// no sub-allocated Storage from this heap is still live.
func (h *subHeap) Close() error {
	return h.backing.Release()
}

// release returns a sub-allocated range to the free list, coalescing with
// any adjacent free ranges.
func (h *subHeap) release(offset, length int) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].offset >= offset })
	h.free = append(h.free, heapRange{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = heapRange{offset: offset, length: length}

	// Coalesce with the next range.
	if i+1 < len(h.free) && h.free[i].offset+h.free[i].length == h.free[i+1].offset {
		h.free[i].length += h.free[i+1].length
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	// Coalesce with the previous range.
	if i > 0 && h.free[i-1].offset+h.free[i-1].length == h.free[i].offset {
		h.free[i-1].length += h.free[i].length
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}
