package cuda

import "runtime"

// beginDriverScope pins the calling goroutine to its current OS thread and
// makes ctx the current CUDA context until the returned function is called,
// mirroring Metal's new_scoped_memory_pool(): every region of code that
// touches the driver -- construction, the allocator's malloc/free driver
// calls, cache clears -- opens one and calls the returned function on every
// path out of that region.
//
// The hazard this guards against is real, not cosmetic: a CUDA context is
// bound per OS thread, but the allocator drops its mutex around driver
// calls (spec section 5) so a goroutine can be rescheduled onto a different
// OS thread between unlock and the driver call. Locking the OS thread and
// re-asserting the context closes that window.
func beginDriverScope(ctx uintptr) func() {
	runtime.LockOSThread()
	if cuCtxSetCurrent != nil {
		cuCtxSetCurrent(ctx)
	}
	return runtime.UnlockOSThread
}
