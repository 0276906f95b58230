package cuda

import (
	"testing"
	"testing/quick"
)

func TestMallocZeroSizeReturnsNullBuffer(t *testing.T) {
	dev := newMockDevice()
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	s, err := a.Malloc(0)
	if err != nil {
		t.Fatalf("Malloc(0) returned error: %v", err)
	}
	if s != nil {
		t.Fatalf("Malloc(0) = %v, want nil", s)
	}
}

func TestMallocOversizedRequestIsAnError(t *testing.T) {
	dev := newMockDevice()
	dev.maxBufferLen = 1024
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	_, err := a.Malloc(2048)
	if err == nil {
		t.Fatal("Malloc(2048) with max buffer length 1024 should have failed")
	}
	if _, ok := err.(*ErrSizeTooLarge); !ok {
		t.Fatalf("Malloc error = %v (%T), want *ErrSizeTooLarge", err, err)
	}
}

func TestMallocThenFreeIsReusedFromCache(t *testing.T) {
	dev := newMockDevice()
	cfg := testConfig(dev)
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), cfg)

	s, err := a.Malloc(4096)
	if err != nil || s == nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	a.Free(s)

	before := dev.nextID
	s2, err := a.Malloc(4096)
	if err != nil || s2 == nil {
		t.Fatalf("second Malloc failed: %v", err)
	}
	if dev.nextID != before {
		t.Fatalf("expected the second Malloc to reuse the cached buffer, but the device issued a new allocation (nextID %d -> %d)", before, dev.nextID)
	}
	if s2 != s {
		t.Fatalf("second Malloc returned a different buffer than the freed one")
	}
}

func TestMallocReusesWithinSlopWindowNotOutsideIt(t *testing.T) {
	dev := newMockDevice()
	cfg := testConfig(dev)
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), cfg)

	// Cache a 12288-byte buffer, then request 8192 bytes. The reuse window
	// for an 8192-byte request is [8192, min(16384, 8192+2*4096)) ==
	// [8192, 16384), which 12288 falls inside: the larger cached buffer
	// should be handed back rather than allocating a new one.
	big, _ := a.Malloc(12288)
	a.Free(big)

	before := dev.nextID
	s, err := a.Malloc(8192)
	if err != nil || s == nil {
		t.Fatalf("Malloc(8192) failed: %v", err)
	}
	if dev.nextID != before {
		t.Fatalf("expected reuse of the 12288-byte cached buffer within the slop window, but a new allocation was issued")
	}
	if s.ByteLen() != 12288 {
		t.Fatalf("reused buffer length = %d, want 12288", s.ByteLen())
	}
	a.Free(s)

	// A much larger cached buffer, 20480 bytes, sits outside the window for
	// a 4096-byte request ([4096, 8192)) and must not be reused.
	huge, _ := a.Malloc(20480)
	a.Free(huge)

	before2 := dev.nextID
	small, err := a.Malloc(4096)
	if err != nil || small == nil {
		t.Fatalf("Malloc(4096) failed: %v", err)
	}
	if dev.nextID == before2 {
		t.Fatalf("expected a cache miss for a request outside the slop window, got a reuse")
	}
}

func TestMallocEvictsLRUUnderPressure(t *testing.T) {
	dev := newMockDevice()
	dev.totalMem = 1 << 20
	cfg := testConfig(dev)
	cfg.GCLimit = 8192 // small enough that the large miss below must evict
	cfg.MaxPoolSize = 1 << 20
	res := newMockResidency(int64(dev.recommendedWS))
	a := newTestAllocator(dev, nil, res, cfg)

	// Free two buffers of different sizes so bucket A sits at the LRU tail.
	bufA, _ := a.Malloc(4096)
	bufB, _ := a.Malloc(8192)
	a.Free(bufA) // tail
	a.Free(bufB) // head

	if a.cache.poolSize != 4096+8192 {
		t.Fatalf("expected both freed buffers cached, poolSize = %d", a.cache.poolSize)
	}

	// A large allocation pushes memRequired over the (deliberately tiny)
	// gc_limit, forcing eviction before the new allocation proceeds.
	_, err := a.Malloc(1 << 17)
	if err != nil {
		t.Fatalf("Malloc under pressure failed: %v", err)
	}
	if a.cache.poolSize >= 4096+8192 {
		t.Fatalf("expected eviction to shrink the cache, poolSize = %d", a.cache.poolSize)
	}
}

func TestMallocResourceLimitExhausted(t *testing.T) {
	dev := newMockDevice()
	dev.resourceLimit = 2
	dev.totalMem = 1 << 30
	cfg := testConfig(dev)
	cfg.MaxPoolSize = 0 // never cache, so live_resources only grows
	res := newMockResidency(int64(dev.recommendedWS))
	a := newTestAllocator(dev, nil, res, cfg)

	if _, err := a.Malloc(1024); err != nil {
		t.Fatalf("first Malloc failed: %v", err)
	}
	if _, err := a.Malloc(1024); err != nil {
		t.Fatalf("second Malloc failed: %v", err)
	}
	_, err := a.Malloc(1024)
	if err == nil {
		t.Fatal("third Malloc should have hit the resource limit")
	}
	if _, ok := err.(*ErrResourceLimit); !ok {
		t.Fatalf("error = %v (%T), want *ErrResourceLimit", err, err)
	}
}

func TestMallocDriverOOMReturnsNullBuffer(t *testing.T) {
	dev := newMockDevice()
	dev.totalMem = 1024
	cfg := testConfig(dev)
	res := newMockResidency(int64(dev.recommendedWS))
	a := newTestAllocator(dev, nil, res, cfg)

	s, err := a.Malloc(2048) // under MaxBufferLength but over totalMem budget
	if err != nil {
		t.Fatalf("expected a nil error for OOM, got %v", err)
	}
	if s != nil {
		t.Fatalf("expected a null buffer for OOM, got %v", s)
	}
}

func TestMallocRoutesSmallRequestsThroughHeap(t *testing.T) {
	dev := newMockDevice()
	cfg := testConfig(dev)
	cfg.SmallSize = 1 << 16
	heap := newMockHeap(1 << 20)
	res := newMockResidency(int64(dev.recommendedWS))
	a := newTestAllocator(dev, heap, res, cfg)

	before := dev.nextID
	s, err := a.Malloc(4096)
	if err != nil || s == nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	if !s.IsHeap() {
		t.Fatal("expected a small request to be routed through the sub-heap")
	}
	if dev.nextID != before {
		t.Fatalf("heap-backed allocation should not have touched the device, nextID %d -> %d", before, dev.nextID)
	}
}

func TestHeapBackedBuffersAreNeverInResidencySet(t *testing.T) {
	dev := newMockDevice()
	cfg := testConfig(dev)
	cfg.SmallSize = 1 << 16
	heap := newMockHeap(1 << 20)
	res := newMockResidency(int64(dev.recommendedWS))
	a := newTestAllocator(dev, heap, res, cfg)

	s, _ := a.Malloc(4096)
	if res.entries[s] {
		t.Fatal("heap-backed buffer should never be inserted into the residency set")
	}
}

func TestSizeReportsByteLengthAndZeroForNull(t *testing.T) {
	dev := newMockDevice()
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	s, _ := a.Malloc(8192)
	if got := a.Size(s); got != s.ByteLen() {
		t.Fatalf("Size(s) = %d, want %d", got, s.ByteLen())
	}
	if got := a.Size(nil); got != 0 {
		t.Fatalf("Size(nil) = %d, want 0", got)
	}
}

func TestActiveAndPeakMemoryAccounting(t *testing.T) {
	dev := newMockDevice()
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	s1, _ := a.Malloc(4096)
	s2, _ := a.Malloc(8192)
	if got := a.GetActiveMemory(); got != 4096+8192 {
		t.Fatalf("GetActiveMemory() = %d, want %d", got, 4096+8192)
	}
	if got := a.GetPeakMemory(); got != 4096+8192 {
		t.Fatalf("GetPeakMemory() = %d, want %d", got, 4096+8192)
	}

	a.Free(s1)
	a.Free(s2)
	if got := a.GetActiveMemory(); got != 0 {
		t.Fatalf("GetActiveMemory() after freeing everything = %d, want 0", got)
	}
	if got := a.GetPeakMemory(); got != 4096+8192 {
		t.Fatalf("GetPeakMemory() should not drop after freeing, got %d", got)
	}

	a.ResetPeakMemory()
	if got := a.GetPeakMemory(); got != 0 {
		t.Fatalf("GetPeakMemory() after reset = %d, want 0", got)
	}
}

func TestSetWiredLimitRejectsOverRecommendedWorkingSet(t *testing.T) {
	dev := newMockDevice()
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	_, err := a.SetWiredLimit(int64(dev.recommendedWS) + 1)
	if err == nil {
		t.Fatal("expected an error setting wired limit above the recommended working set")
	}
	if _, ok := err.(*ErrWiredLimitTooLarge); !ok {
		t.Fatalf("error = %v (%T), want *ErrWiredLimitTooLarge", err, err)
	}
}

func TestClearCacheReleasesEverything(t *testing.T) {
	dev := newMockDevice()
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	s1, _ := a.Malloc(4096)
	s2, _ := a.Malloc(8192)
	a.Free(s1)
	a.Free(s2)
	if a.GetCacheMemory() == 0 {
		t.Fatal("expected freed buffers to land in the cache before ClearCache")
	}

	a.ClearCache()
	if got := a.GetCacheMemory(); got != 0 {
		t.Fatalf("GetCacheMemory() after ClearCache = %d, want 0", got)
	}
}

// TestActiveMemoryReturnsToZero runs random interleavings of Malloc and Free
// and checks that, once every buffer has been freed, active memory is back
// at zero.
func TestActiveMemoryReturnsToZero(t *testing.T) {
	dev := newMockDevice()
	dev.totalMem = 1 << 24
	a := newTestAllocator(dev, nil, newMockResidency(int64(dev.recommendedWS)), testConfig(dev))

	f := func(sizes []uint16) bool {
		var live []RawBuffer
		for _, sz := range sizes {
			s, err := a.Malloc(int(sz))
			if err != nil {
				continue
			}
			if s != nil {
				live = append(live, s)
			}
			if len(live) > 4 {
				a.Free(live[0])
				live = live[1:]
			}
		}
		for _, s := range live {
			a.Free(s)
		}
		return a.GetActiveMemory() == 0
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}
