package cuda

// CUDA Backend for GoML -- implements backend.Backend's memory-management
// surface, backed by the size-indexed, pressure-evicting buffer allocator
// in allocator.go.
//
// Architecture:
//   - Memory -> CUDA Driver API via purego (zero cgo)
//   - Residency/eviction -> allocator.go, cache.go, residency.go, heap.go
//
// Registration: import _ "github.com/northforge/goml/backend/cuda"
// This triggers init() which calls backend.Register(&Backend{}).
// The backend is initialized lazily on first use.

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/northforge/goml/backend"
)

// Backend implements backend.Backend for NVIDIA GPUs.
type Backend struct {
	mu          sync.Mutex
	initialized bool

	deviceIdx int
	device    int32
	ctx       uintptr
	stream    uintptr
	info      *DeviceInfo

	alloc *Allocator
}

func init() {
	// Only register if CUDA driver is available.
	// This allows the binary to run on machines without NVIDIA GPUs.
	if err := initDriver(); err != nil {
		return // silently skip -- no GPU, nothing to register
	}
	if r := cuInit(0); r != CUDA_SUCCESS {
		return // no CUDA devices
	}
	backend.Register(&Backend{})
}

func (b *Backend) Name() string                   { return "cuda" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CUDA }

// ensureInit performs lazy initialization on first use.
func (b *Backend) ensureInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		cuCtxSetCurrent(b.ctx)
		return nil
	}

	// Get device
	if r := cuDeviceGet(&b.device, int32(b.deviceIdx)); r != CUDA_SUCCESS {
		return fmt.Errorf("cuDeviceGet(%d): %s", b.deviceIdx, r.Error())
	}

	// Create context
	if r := cuCtxCreate(&b.ctx, 0, b.device); r != CUDA_SUCCESS {
		return fmt.Errorf("cuCtxCreate: %s", r.Error())
	}
	defer beginDriverScope(b.ctx)()

	// Create default stream, used for residency prefetch calls.
	if r := cuStreamCreate(&b.stream, CU_STREAM_NON_BLOCKING); r != CUDA_SUCCESS {
		return fmt.Errorf("cuStreamCreate: %s", r.Error())
	}

	// Query device info
	var err error
	b.info, err = QueryDevice(b.deviceIdx)
	if err != nil {
		return fmt.Errorf("QueryDevice: %w", err)
	}

	// Init allocator: residency set, optional sub-heap (skipped on
	// paravirtual passthrough devices, whose suballocation semantics are
	// unreliable), and the size-indexed buffer cache sitting in front of
	// the driver.
	residency := newResidencySet(b.device, b.stream, int64(b.info.RecommendedMaxWorkingSetSize()))
	dev := newCUDADevice(backend.CUDADevice(b.deviceIdx), b.info)
	cfg := DefaultConfig(dev)

	var heap Heap
	if !b.info.IsParavirtual() {
		sh, err := newSubHeap(cfg.HeapSize, backend.CUDADevice(b.deviceIdx), residency)
		if err != nil {
			return fmt.Errorf("newSubHeap: %w", err)
		}
		heap = sh
	}

	b.alloc = NewAllocator(dev, heap, residency, cfg, defaultPageSize, b.ctx)

	b.initialized = true
	fmt.Printf("[GoML] CUDA backend initialized: %s\n", b.info)
	return nil
}

// devPtr extracts the raw device pointer (uintptr) from a Storage.
func devPtr(s backend.Storage) uintptr {
	if cs, ok := s.(*Storage); ok {
		return cs.DevicePtr()
	}
	return uintptr(s.Ptr())
}

// ----------------------------------------------------------------
// Memory management
// ----------------------------------------------------------------

func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}
	raw, err := b.alloc.Malloc(byteLen)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("cuda: out of memory allocating %d bytes", byteLen)
	}
	return raw.(*Storage), nil
}

func (b *Backend) Free(s backend.Storage) {
	if cs, ok := s.(*Storage); ok {
		b.alloc.Free(cs)
	}
}

func (b *Backend) Copy(dst, src backend.Storage, byteLen int) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	r := cuMemcpyDtoD(devPtr(dst), devPtr(src), uint64(byteLen))
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyDtoD: %s", r.Error())
	}
	return nil
}

func (b *Backend) ToDevice(dst backend.Device, src backend.Storage) (backend.Storage, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}

	if dst.Type == backend.CUDA {
		// CPU -> GPU
		raw, err := b.alloc.Malloc(src.ByteLen())
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("cuda: out of memory allocating %d bytes", src.ByteLen())
		}
		newStore := raw.(*Storage)
		hostBytes := src.Bytes()
		if hostBytes != nil {
			if err := CopyHtoD(newStore, hostBytes); err != nil {
				return nil, err
			}
		}
		return newStore, nil
	}

	if dst.Type == backend.CPU {
		// GPU -> CPU
		hostBytes := make([]byte, src.ByteLen())
		gpuStore := src.(*Storage)
		if err := CopyDtoH(hostBytes, gpuStore); err != nil {
			return nil, err
		}
		return &cpuBridge{data: hostBytes}, nil
	}

	return nil, fmt.Errorf("ToDevice: unsupported transfer %s -> %s", src.Device(), dst)
}

// cpuBridge is a minimal CPU storage for GPU->CPU transfers.
type cpuBridge struct {
	data []byte
}

func (s *cpuBridge) Device() backend.Device { return backend.CPU0 }
func (s *cpuBridge) Ptr() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}
func (s *cpuBridge) Bytes() []byte { return s.data }
func (s *cpuBridge) ByteLen() int  { return len(s.data) }
func (s *cpuBridge) Free()         { s.data = nil }

// Sync waits for all operations on the default stream (including residency
// prefetch calls) to complete.
func (b *Backend) Sync() error {
	r := cuStreamSynchronize(b.stream)
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuStreamSynchronize: %s", r.Error())
	}
	return nil
}

// ----------------------------------------------------------------
// Shutdown
// ----------------------------------------------------------------

// Close releases all CUDA resources.
func (b *Backend) Close() error {
	if !b.initialized {
		return nil
	}
	if err := b.alloc.Close(); err != nil {
		fmt.Printf("[GoML] cuda allocator close: %v\n", err)
	}
	if b.stream != 0 {
		cuStreamDestroy(b.stream)
	}
	if b.ctx != 0 {
		cuCtxDestroy(b.ctx)
	}
	b.initialized = false
	return nil
}

// Info returns the device information (after init).
func (b *Backend) Info() *DeviceInfo {
	return b.info
}
