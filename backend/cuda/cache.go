package cuda

import (
	"log"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// cacheEntry is the intrusive node shared by the size-bucket multimap and
// the LRU list. An entry is, at any instant, either fully in both
// structures or fully in neither (spec section 4.2, invariant i).
type cacheEntry struct {
	buf    RawBuffer
	length int
	prev   *cacheEntry
	next   *cacheEntry
}

// bufferCache is a recycling pool of previously-freed buffers, indexed by
// exact byte length (bucketed, with the buckets kept in sorted order to
// emulate a std::multimap<size_t, *>) and threaded on a doubly-linked LRU
// list from head (most recently freed) to tail (least recently freed).
//
// bufferCache itself is unsynchronized; all access is under the Allocator's
// mutex (spec section 4.2).
type bufferCache struct {
	pageSize  int
	residency ResidencySet // non-heap buffers are erased from it on eviction, undoing Allocator.Malloc's insert

	sizes   []int // sorted ascending, unique
	buckets map[int][]*cacheEntry

	head, tail *cacheEntry
	poolSize   int
}

func newBufferCache(pageSize int, residency ResidencySet) *bufferCache {
	return &bufferCache{
		pageSize:  pageSize,
		residency: residency,
		buckets:   make(map[int][]*cacheEntry),
	}
}

// reuseFromCache returns the best-fit cached buffer whose length is in
// [size, min(2*size, size+2*pageSize)), or nil if none exists. The upper
// bound formula is preserved verbatim from the source this was translated
// from (spec section 9, Open Question i): no rationale is given for the
// switch at size == 2*pageSize, but implementers are told to keep it as-is.
func (c *bufferCache) reuseFromCache(size int) RawBuffer {
	upper := 2 * size
	if alt := size + 2*c.pageSize; alt < upper {
		upper = alt
	}

	idx := sort.SearchInts(c.sizes, size)
	for idx < len(c.sizes) && c.sizes[idx] < upper {
		bucketSize := c.sizes[idx]
		bucket := c.buckets[bucketSize]
		if len(bucket) == 0 {
			idx++
			continue
		}
		entry := bucket[len(bucket)-1]
		c.buckets[bucketSize] = bucket[:len(bucket)-1]
		if len(c.buckets[bucketSize]) == 0 {
			delete(c.buckets, bucketSize)
			c.sizes = append(c.sizes[:idx], c.sizes[idx+1:]...)
		}
		c.unlink(entry)
		c.poolSize -= entry.length
		return entry.buf
	}
	return nil
}

// recycleToCache inserts buf into the size multimap and prepends a new LRU
// entry at head. buf must not currently be referenced by any caller.
func (c *bufferCache) recycleToCache(buf RawBuffer) {
	if buf == nil {
		return
	}
	length := buf.ByteLen()
	entry := &cacheEntry{buf: buf, length: length}

	bucket, ok := c.buckets[length]
	if !ok {
		idx := sort.SearchInts(c.sizes, length)
		c.sizes = append(c.sizes, 0)
		copy(c.sizes[idx+1:], c.sizes[idx:])
		c.sizes[idx] = length
	}
	c.buckets[length] = append(bucket, entry)

	c.addAtHead(entry)
	c.poolSize += length
}

// releaseCachedBuffers frees entries starting from the LRU tail until at
// least minBytes have been released, or the cache is empty. When minBytes
// is within 10% of the whole pool, clear() is used instead to avoid
// per-entry overhead on a near-total sweep.
func (c *bufferCache) releaseCachedBuffers(minBytes int) int {
	if c.poolSize > 0 && float64(minBytes) >= 0.9*float64(c.poolSize) {
		return c.clear()
	}

	var errs *multierror.Error
	released := 0
	freed := 0
	for c.tail != nil && freed < minBytes {
		entry := c.tail
		freed += entry.length
		c.removeFromBucket(entry)
		c.unlink(entry)
		if !entry.buf.IsHeap() {
			c.residency.Erase(entry.buf)
		}
		releaseRaw(entry.buf, &errs)
		released++
	}
	c.poolSize -= freed
	logReleaseErrors(errs)
	return released
}

// clear releases every cached buffer, resetting the cache to empty.
func (c *bufferCache) clear() int {
	var errs *multierror.Error
	released := 0
	for _, bucket := range c.buckets {
		for _, entry := range bucket {
			if !entry.buf.IsHeap() {
				c.residency.Erase(entry.buf)
			}
			releaseRaw(entry.buf, &errs)
			released++
		}
	}
	c.buckets = make(map[int][]*cacheEntry)
	c.sizes = nil
	c.head = nil
	c.tail = nil
	c.poolSize = 0
	logReleaseErrors(errs)
	return released
}

// removeFromBucket removes a specific entry from its size bucket. Used when
// draining from the LRU tail, where the entry being released need not be
// the last one pushed into its bucket.
func (c *bufferCache) removeFromBucket(entry *cacheEntry) {
	bucket := c.buckets[entry.length]
	for i, e := range bucket {
		if e == entry {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.buckets, entry.length)
		idx := sort.SearchInts(c.sizes, entry.length)
		if idx < len(c.sizes) && c.sizes[idx] == entry.length {
			c.sizes = append(c.sizes[:idx], c.sizes[idx+1:]...)
		}
	} else {
		c.buckets[entry.length] = bucket
	}
}

func (c *bufferCache) addAtHead(entry *cacheEntry) {
	if c.head == nil {
		c.head = entry
		c.tail = entry
		return
	}
	c.head.prev = entry
	entry.next = c.head
	c.head = entry
}

func (c *bufferCache) unlink(entry *cacheEntry) {
	switch {
	case entry.prev != nil && entry.next != nil:
		entry.prev.next = entry.next
		entry.next.prev = entry.prev
	case entry.prev != nil: // entry == tail
		c.tail = entry.prev
		c.tail.next = nil
	case entry.next != nil: // entry == head
		c.head = entry.next
		c.head.prev = nil
	default: // entry is the only element
		c.head = nil
		c.tail = nil
	}
	entry.prev = nil
	entry.next = nil
}

// releaseRaw returns a cached buffer to its driver or heap, accumulating
// any failure into errs rather than propagating it (spec section 7).
// releaseRaw does not touch the residency set: releaseCachedBuffers and
// clear erase non-heap buffers from it before calling this.
func releaseRaw(buf RawBuffer, errs **multierror.Error) {
	if err := buf.Release(); err != nil {
		*errs = multierror.Append(*errs, err)
	}
}

func logReleaseErrors(errs *multierror.Error) {
	if errs != nil && errs.Len() > 0 {
		log.Printf("cuda: buffer cache release errors: %s", errs)
	}
}
