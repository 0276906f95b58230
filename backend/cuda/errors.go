package cuda

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// wrapSingleError lifts a single error into a *multierror.Error so callers
// that always log through logReleaseErrors (cache.go) don't need a second
// logging path for the one-buffer release in Allocator.Free.
func wrapSingleError(err error) *multierror.Error {
	var errs *multierror.Error
	return multierror.Append(errs, err)
}

// ErrSizeTooLarge is returned by Allocator.Malloc when the requested size
// exceeds the device's maximum buffer length. It is a permanent, surfaced
// argument error (spec section 7) -- callers should not retry.
type ErrSizeTooLarge struct {
	Requested int
	Max       int
}

func (e *ErrSizeTooLarge) Error() string {
	return fmt.Sprintf("cuda: requested allocation of %d bytes exceeds the maximum buffer length of %d bytes", e.Requested, e.Max)
}

// ErrResourceLimit is returned by Allocator.Malloc when the live raw-buffer
// count still exceeds the driver's resource limit after eviction. It is a
// permanent, surfaced resource-exhaustion error (spec section 7).
type ErrResourceLimit struct {
	Limit int
}

func (e *ErrResourceLimit) Error() string {
	return fmt.Sprintf("cuda: resource limit (%d) exceeded", e.Limit)
}

// ErrWiredLimitTooLarge is returned by SetWiredLimit when the requested
// budget exceeds the device's recommended maximum working set size.
type ErrWiredLimitTooLarge struct {
	Requested int64
	Max       int64
}

func (e *ErrWiredLimitTooLarge) Error() string {
	return fmt.Sprintf("cuda: wired limit %d exceeds the maximum working set size of %d", e.Requested, e.Max)
}
