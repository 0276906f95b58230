package cuda

import (
	"fmt"
	"sync"

	"github.com/northforge/goml/backend"
)

// The process talks to one CUDA allocator for the lifetime of the program,
// exactly as it talks to one driver connection (driver.go's driverOnce):
// there is no meaningful "close and reopen" for a GPU memory allocator
// sitting under a long-running training or inference process, so the
// package-level wrappers below never tear the singleton down.
var (
	globalOnce  sync.Once
	globalAlloc *Allocator
	globalErr   error
)

// globalAllocator lazily builds the process-wide Allocator bound to
// backend.CUDADevice(0). Called from every package-level wrapper function
// below so callers that only need the allocator -- not a full Backend --
// can use it without touching the tensor runtime.
func globalAllocator() (*Allocator, error) {
	globalOnce.Do(func() {
		bk, err := backend.Get(backend.CUDA)
		if err != nil {
			globalErr = fmt.Errorf("cuda: no backend registered (is a CUDA device present?): %w", err)
			return
		}
		b, ok := bk.(*Backend)
		if !ok {
			globalErr = fmt.Errorf("cuda: registered CUDA backend is not *cuda.Backend")
			return
		}
		if err := b.ensureInit(); err != nil {
			globalErr = err
			return
		}
		globalAlloc = b.alloc
	})
	return globalAlloc, globalErr
}

// Malloc allocates size bytes on the default CUDA device through the
// process-wide allocator.
func Malloc(size int) (RawBuffer, error) {
	a, err := globalAllocator()
	if err != nil {
		return nil, err
	}
	return a.Malloc(size)
}

// Free returns buf to the process-wide allocator.
func Free(buf RawBuffer) {
	a, err := globalAllocator()
	if err != nil {
		return
	}
	a.Free(buf)
}

// SetCacheLimit caps the process-wide allocator's buffer cache size.
func SetCacheLimit(limit int64) (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.SetCacheLimit(limit), nil
}

// GetCacheMemory reports bytes sitting in the process-wide allocator's cache.
func GetCacheMemory() (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.GetCacheMemory(), nil
}

// ClearCache drains the process-wide allocator's cache.
func ClearCache() error {
	a, err := globalAllocator()
	if err != nil {
		return err
	}
	a.ClearCache()
	return nil
}

// SetMemoryLimit sets the process-wide allocator's block_limit and
// re-derives gc_limit from it.
func SetMemoryLimit(limit int64) (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.SetMemoryLimit(limit), nil
}

// GetMemoryLimit reports the process-wide allocator's block_limit.
func GetMemoryLimit() (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.GetMemoryLimit(), nil
}

// SetWiredLimit sets the process-wide allocator's residency wire budget.
func SetWiredLimit(limit int64) (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.SetWiredLimit(limit)
}

// GetActiveMemory reports bytes currently held by callers through the
// process-wide allocator.
func GetActiveMemory() (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.GetActiveMemory(), nil
}

// GetPeakMemory reports the process-wide allocator's peak active-bytes
// watermark.
func GetPeakMemory() (int64, error) {
	a, err := globalAllocator()
	if err != nil {
		return 0, err
	}
	return a.GetPeakMemory(), nil
}

// ResetPeakMemory resets the process-wide allocator's peak watermark.
func ResetPeakMemory() error {
	a, err := globalAllocator()
	if err != nil {
		return err
	}
	a.ResetPeakMemory()
	return nil
}
