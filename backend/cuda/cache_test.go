package cuda

import "testing"

func TestBufferCacheReuseExactSize(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)

	buf := &mockBuffer{id: 1, byteLen: 4096}
	c.recycleToCache(buf)

	got := c.reuseFromCache(4096)
	if got != buf {
		t.Fatalf("reuseFromCache(4096) = %v, want %v", got, buf)
	}
	if c.poolSize != 0 {
		t.Fatalf("poolSize after reuse = %d, want 0", c.poolSize)
	}
}

func TestBufferCacheReuseMissReturnsNil(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)
	c.recycleToCache(&mockBuffer{id: 1, byteLen: 4096})

	if got := c.reuseFromCache(1 << 20); got != nil {
		t.Fatalf("reuseFromCache for an unmet size = %v, want nil", got)
	}
}

func TestBufferCacheLRUOrderOnReleaseCachedBuffers(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)

	oldest := &mockBuffer{id: 1, byteLen: 4096}
	middle := &mockBuffer{id: 2, byteLen: 4096}
	newest := &mockBuffer{id: 3, byteLen: 4096}
	c.recycleToCache(oldest)
	c.recycleToCache(middle)
	c.recycleToCache(newest)

	// Ask for just enough to evict exactly one entry -- must be the oldest.
	released := c.releaseCachedBuffers(1)
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if !oldest.released {
		t.Fatal("expected the oldest entry to be released first")
	}
	if middle.released || newest.released {
		t.Fatal("expected only the oldest entry to be released")
	}
}

func TestBufferCacheClearReleasesEverythingAndErasesResidency(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)

	a := &mockBuffer{id: 1, byteLen: 4096}
	b := &mockBuffer{id: 2, byteLen: 8192}
	res.Insert(a)
	res.Insert(b)
	c.recycleToCache(a)
	c.recycleToCache(b)

	released := c.clear()
	if released != 2 {
		t.Fatalf("clear() released %d, want 2", released)
	}
	if !a.released || !b.released {
		t.Fatal("expected both entries released")
	}
	if len(res.entries) != 0 {
		t.Fatalf("expected residency entries erased on clear, got %v", res.entries)
	}
	if c.poolSize != 0 {
		t.Fatalf("poolSize after clear = %d, want 0", c.poolSize)
	}
}

func TestBufferCacheHeapBackedEntriesSkipResidencyErase(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)

	heapBuf := &mockBuffer{id: 1, byteLen: 4096, isHeap: true}
	c.recycleToCache(heapBuf)
	c.clear()

	if !heapBuf.released {
		t.Fatal("expected the heap-backed entry to be released")
	}
	// res.entries was never populated for a heap-backed buffer, so clear
	// must not panic or misbehave trying to erase it.
}

func TestBufferCacheReleaseCachedBuffersNearFullUsesClear(t *testing.T) {
	res := newMockResidency(1 << 20)
	c := newBufferCache(4096, res)

	for i := 0; i < 5; i++ {
		c.recycleToCache(&mockBuffer{id: i, byteLen: 4096})
	}
	// poolSize = 20480; minBytes >= 90% of that should fast-path to clear().
	released := c.releaseCachedBuffers(20000)
	if released != 5 {
		t.Fatalf("released = %d, want 5 (full clear)", released)
	}
	if c.poolSize != 0 {
		t.Fatalf("poolSize = %d, want 0", c.poolSize)
	}
}
