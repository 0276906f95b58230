package cuda

import (
	"fmt"
	"unsafe"

	"github.com/northforge/goml/backend"
)

// Storage represents a GPU memory buffer.
// Implements backend.Storage and, for the allocator core, RawBuffer.
type Storage struct {
	ptr     uintptr // CUDA device pointer (not a Go pointer — just a numeric handle)
	byteLen int
	device  backend.Device

	// isHeap and heap are set when this Storage was sub-allocated from a
	// sub-heap arena rather than allocated directly from the device. A
	// heap-backed Storage is released back to heap's free list instead of
	// calling cuMemFree, and is never passed to a ResidencySet (the heap's
	// single backing allocation is wired once, at heap creation).
	isHeap bool
	heap   *subHeap
	offset int // valid when isHeap; offset into heap.backing
}

// allocManaged allocates GPU memory visible to both host and device
// (cuMemAllocManaged), the CUDA analogue of the unified shared storage mode
// the allocator core assumes.
func allocManaged(byteLen int, dev backend.Device) (*Storage, error) {
	s := &Storage{byteLen: byteLen, device: dev}
	if r := cuMemAllocManaged(&s.ptr, uint64(byteLen), CU_MEM_ATTACH_GLOBAL); r != CUDA_SUCCESS {
		return nil, fmt.Errorf("cuMemAllocManaged(%d bytes): %s", byteLen, r.Error())
	}
	return s, nil
}

func (s *Storage) Device() backend.Device { return s.device }
func (s *Storage) Ptr() unsafe.Pointer    { return unsafe.Pointer(s.ptr) }
func (s *Storage) Bytes() []byte          { return nil } // GPU memory — no direct access
func (s *Storage) ByteLen() int           { return s.byteLen }
func (s *Storage) IsHeap() bool           { return s.isHeap }

// Free releases the buffer unconditionally to its provider (the driver, or
// the sub-heap's free list for a heap-backed buffer), bypassing the
// allocator's cache. Backend.Free should be preferred for buffers obtained
// through the allocator; this exists for backend.Storage compliance and for
// buffers that never went through the cache (e.g. the cpuBridge transfer
// path's GPU source).
func (s *Storage) Free() {
	_ = s.Release()
}

// Release returns the buffer to whichever provider produced it: the heap's
// free list (no driver call) if heap-backed, or cuMemFree otherwise.
func (s *Storage) Release() error {
	if s.ptr == 0 {
		return nil
	}
	if s.isHeap {
		s.heap.release(s.offset, s.byteLen)
		s.ptr = 0
		return nil
	}
	r := cuMemFree(s.ptr)
	s.ptr = 0
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemFree: %s", r.Error())
	}
	return nil
}

// DevicePtr returns the raw uintptr for CUDA API calls (cuMemcpy, cuMemset).
func (s *Storage) DevicePtr() uintptr { return s.ptr }

// ──────────────────────────────────────────────────────────
// Host <-> Device transfers
// ──────────────────────────────────────────────────────────

// CopyHtoD copies from host (Go slice) to device (GPU).
func CopyHtoD(dst *Storage, src []byte) error {
	if len(src) > dst.byteLen {
		return fmt.Errorf("CopyHtoD: src (%d) > dst (%d)", len(src), dst.byteLen)
	}
	r := cuMemcpyHtoD(dst.ptr, unsafe.Pointer(&src[0]), uint64(len(src)))
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyHtoD: %s", r.Error())
	}
	return nil
}

// CopyDtoH copies from device (GPU) to host (Go slice).
func CopyDtoH(dst []byte, src *Storage) error {
	if len(dst) < src.byteLen {
		return fmt.Errorf("CopyDtoH: dst (%d) < src (%d)", len(dst), src.byteLen)
	}
	r := cuMemcpyDtoH(unsafe.Pointer(&dst[0]), src.ptr, uint64(src.byteLen))
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyDtoH: %s", r.Error())
	}
	return nil
}

// CopyDtoD copies between device buffers.
func CopyDtoD(dst, src *Storage, byteLen int) error {
	r := cuMemcpyDtoD(dst.ptr, src.ptr, uint64(byteLen))
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemcpyDtoD: %s", r.Error())
	}
	return nil
}

// Zero fills device memory with zeros.
func Zero(s *Storage) error {
	r := cuMemsetD8(s.ptr, 0, uint64(s.byteLen))
	if r != CUDA_SUCCESS {
		return fmt.Errorf("cuMemsetD8: %s", r.Error())
	}
	return nil
}
