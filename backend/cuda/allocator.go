package cuda

import (
	"sync"
)

// Allocator is a size-indexed, LRU-ordered buffer cache sitting in front of
// the driver, with pressure-driven eviction and a wired-memory budget. It
// mirrors Metal's allocator: one mutex guards the buffer cache and the
// accounting counters; the mutex is released around slow driver calls that
// don't touch allocator state (the new allocation in Malloc, and the final
// single-buffer release in Free) but held across eviction, since eviction
// itself mutates the cache the mutex protects.
type Allocator struct {
	mu sync.Mutex

	device    Device
	heap      Heap // nil if the device has no virtual-memory heap support
	residency ResidencySet
	cache     *bufferCache

	pageSize int
	ctx      uintptr // CUDA context re-asserted by beginDriverScope around driver calls

	blockLimit    int64
	gcLimit       int64
	maxPoolSize   int64
	wiredLimit    int64
	resourceLimit int
	smallSize     int

	activeBytes   int64
	peakBytes     int64
	liveResources int

	metrics *allocatorMetrics // nil when metrics collection isn't wired up
}

// NewAllocator builds an Allocator from a device, an optional sub-heap for
// small allocations, a residency set, and a derived budget.
func NewAllocator(device Device, heap Heap, residency ResidencySet, cfg *Config, pageSize int, ctx uintptr) *Allocator {
	return &Allocator{
		device:        device,
		heap:          heap,
		residency:     residency,
		cache:         newBufferCache(pageSize, residency),
		pageSize:      pageSize,
		ctx:           ctx,
		blockLimit:    cfg.BlockLimit,
		gcLimit:       cfg.GCLimit,
		maxPoolSize:   cfg.MaxPoolSize,
		wiredLimit:    cfg.WiredLimit,
		resourceLimit: cfg.ResourceLimit,
		smallSize:     cfg.SmallSize,
	}
}

// SetMetrics attaches a prometheus-backed metrics sink. Optional: an
// Allocator with no metrics attached behaves identically, just unobserved.
func (a *Allocator) SetMetrics(m *allocatorMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

func alignUp(size, pageSize int) int {
	if pageSize <= 0 {
		return size
	}
	rem := size % pageSize
	if rem == 0 {
		return size
	}
	return size + (pageSize - rem)
}

// Malloc returns a buffer of at least size bytes, reusing a cached buffer
// when one fits, evicting cached buffers under memory pressure, and falling
// back to a new driver or sub-heap allocation otherwise. A zero-size
// request and an out-of-memory driver response both return (nil, nil): the
// null buffer is a normal, expected result, not an error (spec section 7).
func (a *Allocator) Malloc(size int) (RawBuffer, error) {
	if size == 0 {
		return nil, nil
	}
	if size > a.device.MaxBufferLength() {
		return nil, &ErrSizeTooLarge{Requested: size, Max: a.device.MaxBufferLength()}
	}
	if size > a.pageSize {
		size = alignUp(size, a.pageSize)
	}

	a.mu.Lock()

	raw := a.cache.reuseFromCache(size)
	hit := raw != nil

	if raw == nil {
		memRequired := a.activeBytes + int64(a.cache.poolSize) + int64(size)

		if memRequired >= a.gcLimit || a.liveResources >= a.resourceLimit {
			scopeEnd := beginDriverScope(a.ctx)
			freed := a.cache.releaseCachedBuffers(int(memRequired - a.gcLimit))
			scopeEnd()
			a.liveResources -= freed
		}

		if a.liveResources >= a.resourceLimit {
			a.mu.Unlock()
			return nil, &ErrResourceLimit{Limit: a.resourceLimit}
		}

		a.mu.Unlock()

		scopeEnd := beginDriverScope(a.ctx)
		var newBuf RawBuffer
		if size < a.smallSize && a.heap != nil {
			newBuf, _ = a.heap.NewBuffer(size)
		}
		if newBuf == nil {
			newBuf, _ = a.device.NewBuffer(size)
		}
		scopeEnd()

		a.mu.Lock()
		if newBuf == nil {
			a.mu.Unlock()
			a.observeMalloc(false, 0, false)
			return nil, nil
		}

		a.liveResources++
		if !newBuf.IsHeap() {
			a.residency.Insert(newBuf)
		}
		raw = newBuf
	}

	a.activeBytes += int64(raw.ByteLen())
	if a.activeBytes > a.peakBytes {
		a.peakBytes = a.activeBytes
	}

	if int64(a.cache.poolSize) > a.maxPoolSize {
		scopeEnd := beginDriverScope(a.ctx)
		freed := a.cache.releaseCachedBuffers(a.cache.poolSize - int(a.maxPoolSize))
		scopeEnd()
		a.liveResources -= freed
	}

	a.mu.Unlock()

	a.observeMalloc(true, raw.ByteLen(), hit)
	return raw, nil
}

// Free returns buf to the cache if there's room under max_pool_size, or
// releases it straight back to the driver/heap otherwise. A nil buf is a
// no-op, matching the null-buffer convention Malloc returns.
func (a *Allocator) Free(buf RawBuffer) {
	if buf == nil {
		return
	}

	a.mu.Lock()
	a.activeBytes -= int64(buf.ByteLen())

	if int64(a.cache.poolSize) < a.maxPoolSize {
		a.cache.recycleToCache(buf)
		a.mu.Unlock()
		a.observeFree(buf.ByteLen(), true)
		return
	}

	a.liveResources--
	if !buf.IsHeap() {
		a.residency.Erase(buf)
	}
	a.mu.Unlock()

	scopeEnd := beginDriverScope(a.ctx)
	err := buf.Release()
	scopeEnd()
	if err != nil {
		logReleaseErrors(wrapSingleError(err))
	}

	a.observeFree(buf.ByteLen(), false)
}

// Size reports a buffer's allocated byte length, or 0 for a null buffer.
func (a *Allocator) Size(buf RawBuffer) int {
	if buf == nil {
		return 0
	}
	return buf.ByteLen()
}

// SetCacheLimit caps the buffer cache's total size (max_pool_size),
// returning the previous value. Shrinking the limit below the cache's
// current size does not evict immediately: the next Malloc trims the cache
// back down to the new ceiling, and Free stops caching buffers while the
// cache is at or above it.
func (a *Allocator) SetCacheLimit(limit int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.maxPoolSize
	a.maxPoolSize = limit
	return prev
}

// SetMemoryLimit sets block_limit, used by callers that want to cede
// headroom to another GPU client sharing the device, and re-derives
// gc_limit from it as min(block_limit, 0.95 * recommended working set) so
// eviction pressure always reflects the new ceiling.
func (a *Allocator) SetMemoryLimit(limit int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.blockLimit
	a.blockLimit = limit
	recommended := int64(a.device.RecommendedMaxWorkingSetSize())
	a.gcLimit = min64(mul64(recommended, 0.95), limit)
	return prev
}

// GetMemoryLimit returns the current block_limit.
func (a *Allocator) GetMemoryLimit() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blockLimit
}

// SetWiredLimit sets the residency set's wire budget. Requests above the
// device's recommended working-set size are rejected: wiring beyond that
// point starves every other working set on the device instead of just
// evicting the allocator's own cache.
func (a *Allocator) SetWiredLimit(limit int64) (int64, error) {
	maxLimit := int64(a.device.RecommendedMaxWorkingSetSize())
	if limit > maxLimit {
		return 0, &ErrWiredLimitTooLarge{Requested: limit, Max: maxLimit}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.wiredLimit
	a.wiredLimit = limit
	a.residency.Resize(limit)
	return prev, nil
}

// ClearCache releases every cached buffer back to the driver/heap.
func (a *Allocator) ClearCache() {
	a.mu.Lock()
	scopeEnd := beginDriverScope(a.ctx)
	freed := a.cache.clear()
	scopeEnd()
	a.liveResources -= freed
	a.mu.Unlock()
}

// GetActiveMemory returns the byte total of buffers currently held by
// callers (not in the cache).
func (a *Allocator) GetActiveMemory() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeBytes
}

// GetCacheMemory returns the byte total of buffers sitting in the cache.
func (a *Allocator) GetCacheMemory() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.cache.poolSize)
}

// GetPeakMemory returns the highest active-memory watermark observed since
// construction or the last ResetPeakMemory.
func (a *Allocator) GetPeakMemory() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peakBytes
}

// ResetPeakMemory resets the peak watermark to the current active total.
func (a *Allocator) ResetPeakMemory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peakBytes = a.activeBytes
}

// Close drains the cache and releases the sub-heap's backing allocation, if
// any. The allocator is otherwise never torn down in production use (it
// lives for the process's lifetime, matching the driver context it's bound
// to); Close exists for tests and for short-lived tools like cmd/allocbench
// that want a clean driver-resource count on exit.
func (a *Allocator) Close() error {
	a.ClearCache()
	if closer, ok := a.heap.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
