package cuda

// The allocator core (allocator.go, cache.go, residency.go) is written
// against these four interfaces rather than against the purego driver calls
// directly, so the property and scenario tests (spec section 8) can drive it
// with a mock driver that records allocations and serves from a finite pool,
// without touching a real GPU.

// RawBuffer is an opaque handle to a raw driver-allocated region of shared
// GPU-addressable memory.
type RawBuffer interface {
	// ByteLen returns the driver-reported byte length of the buffer.
	ByteLen() int
	// DevicePtr returns the raw device pointer.
	DevicePtr() uintptr
	// IsHeap reports whether the buffer was sub-allocated from the sub-heap
	// (true) or allocated directly from the device (false).
	IsHeap() bool
	// Release returns the buffer to whichever provider produced it: the
	// sub-heap's free list if IsHeap, or the driver via cuMemFree otherwise.
	// A non-nil error is always logged by the caller, never propagated
	// (spec section 7): release failures are unrecoverable.
	Release() error
}

// Device is the driver's direct allocation path plus the device-info table
// read at startup (spec section 6).
type Device interface {
	// NewBuffer allocates byteLen bytes directly from the device. Returns a
	// nil RawBuffer (not an error) when the driver reports out-of-memory.
	NewBuffer(byteLen int) (RawBuffer, error)
	MaxBufferLength() int
	RecommendedMaxWorkingSetSize() int
	ResourceLimit() int
	MemorySize() int
	Name() string
}

// Heap is the small-buffer sub-heap. A nil Heap means the device has no
// sub-heap (paravirtual devices); a heap creation failure at startup fails
// backend initialization instead.
type Heap interface {
	// NewBuffer sub-allocates byteLen bytes from the heap's fixed arena.
	// Returns a nil RawBuffer, nil error when the heap has no room --
	// callers fall back to Device.NewBuffer in that case.
	NewBuffer(byteLen int) (RawBuffer, error)
}

// ResidencySet tracks which raw buffers are wired into physical memory, up
// to a byte budget. insert/erase are infallible from the caller's
// perspective: driver errors are logged, never returned (spec section 4.1).
type ResidencySet interface {
	Insert(buf RawBuffer)
	Erase(buf RawBuffer)
	Resize(newLimitBytes int64)
	// Handle returns the underlying driver handle, for a runtime that wants
	// to register the residency set with the driver directly.
	Handle() uintptr
}
