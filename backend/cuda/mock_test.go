package cuda

import "fmt"

// mockBuffer is a RawBuffer that never touches a real driver, used to drive
// the allocator core (allocator.go, cache.go, residency.go) without a GPU.
type mockBuffer struct {
	id       int
	byteLen  int
	isHeap   bool
	released bool
	failRelease bool
}

func (b *mockBuffer) ByteLen() int      { return b.byteLen }
func (b *mockBuffer) DevicePtr() uintptr { return uintptr(1000 + b.id) }
func (b *mockBuffer) IsHeap() bool      { return b.isHeap }
func (b *mockBuffer) Release() error {
	b.released = true
	if b.failRelease {
		return fmt.Errorf("mock release failure for buffer %d", b.id)
	}
	return nil
}

// mockDevice simulates a device with a fixed memory ceiling. Allocations
// beyond maxLive (if set) or totalMem fail, surfacing the null-buffer path.
type mockDevice struct {
	maxBufferLen     int
	recommendedWS    int
	resourceLimit    int
	totalMem         int
	name             string

	nextID    int
	allocated int // bytes currently handed out, for budget simulation
	failNext  bool
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		maxBufferLen:  1 << 30,
		recommendedWS: 1 << 28,
		resourceLimit: 64,
		totalMem:      1 << 30,
		name:          "Mock GPU",
	}
}

func (d *mockDevice) NewBuffer(byteLen int) (RawBuffer, error) {
	if d.failNext {
		d.failNext = false
		return nil, nil
	}
	if d.allocated+byteLen > d.totalMem {
		return nil, nil
	}
	d.nextID++
	d.allocated += byteLen
	return &mockBuffer{id: d.nextID, byteLen: byteLen}, nil
}

func (d *mockDevice) MaxBufferLength() int              { return d.maxBufferLen }
func (d *mockDevice) RecommendedMaxWorkingSetSize() int { return d.recommendedWS }
func (d *mockDevice) ResourceLimit() int                { return d.resourceLimit }
func (d *mockDevice) MemorySize() int                   { return d.totalMem }
func (d *mockDevice) Name() string                      { return d.name }

// mockHeap sub-allocates from a single fixed-size arena without any real
// backing allocation, enough to exercise Allocator's small-size routing.
type mockHeap struct {
	remaining int
	nextID    int
}

func newMockHeap(size int) *mockHeap {
	return &mockHeap{remaining: size}
}

func (h *mockHeap) NewBuffer(byteLen int) (RawBuffer, error) {
	if byteLen > h.remaining {
		return nil, nil
	}
	h.remaining -= byteLen
	h.nextID++
	return &mockBuffer{id: 10000 + h.nextID, byteLen: byteLen, isHeap: true}, nil
}

// mockResidency tracks membership without issuing any driver calls.
type mockResidency struct {
	limit   int64
	wired   int64
	entries map[RawBuffer]bool
}

func newMockResidency(limit int64) *mockResidency {
	return &mockResidency{limit: limit, entries: make(map[RawBuffer]bool)}
}

func (r *mockResidency) Insert(buf RawBuffer) {
	r.entries[buf] = true
	r.wired += int64(buf.ByteLen())
}

func (r *mockResidency) Erase(buf RawBuffer) {
	if r.entries[buf] {
		r.wired -= int64(buf.ByteLen())
		delete(r.entries, buf)
	}
}

func (r *mockResidency) Resize(newLimitBytes int64) { r.limit = newLimitBytes }
func (r *mockResidency) Handle() uintptr            { return 0 }

func testConfig(dev *mockDevice) *Config {
	return &Config{
		BlockLimit:    int64(dev.totalMem),
		GCLimit:       int64(dev.totalMem) * 9 / 10,
		MaxPoolSize:   int64(dev.totalMem) / 4,
		WiredLimit:    int64(dev.recommendedWS),
		ResourceLimit: dev.resourceLimit,
		SmallSize:     1 << 16,
		HeapSize:      1 << 20,
	}
}

func newTestAllocator(dev *mockDevice, heap Heap, res ResidencySet, cfg *Config) *Allocator {
	return NewAllocator(dev, heap, res, cfg, 4096, 0)
}
