package cuda

import "log"

// residencySet tracks which raw buffers are wired (resident) on the device,
// up to wired_limit bytes. It wraps cuMemPrefetchAsync/cuMemAdvise, CUDA's
// closest analogue to Metal's MTL::ResidencySet: there is no single driver
// object to hand a residency set to, so the budget and membership are
// tracked here and enforced with best-effort prefetch calls.
//
// insert/erase never fail from the caller's perspective: a prefetch failure
// is logged and the buffer is left tracked-but-unwired, exactly as spec
// section 4.1 requires ("driver errors are logged but not propagated").
type residencySet struct {
	deviceOrdinal int32
	stream        uintptr

	limit   int64
	wired   int64
	entries []RawBuffer       // insertion order, oldest first
	isWired map[RawBuffer]bool
}

func newResidencySet(deviceOrdinal int32, stream uintptr, limit int64) *residencySet {
	return &residencySet{
		deviceOrdinal: deviceOrdinal,
		stream:        stream,
		limit:         limit,
		isWired:       make(map[RawBuffer]bool),
	}
}

// Handle returns the CUDA stream used for residency prefetch calls, the
// closest thing CUDA has to a registrable residency-set handle.
func (r *residencySet) Handle() uintptr { return r.stream }

func (r *residencySet) Insert(buf RawBuffer) {
	r.entries = append(r.entries, buf)
	if r.wired+int64(buf.ByteLen()) <= r.limit {
		r.wire(buf)
	}
}

func (r *residencySet) Erase(buf RawBuffer) {
	for i, e := range r.entries {
		if e == buf {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	if r.isWired[buf] {
		r.unwire(buf)
	}
}

// Resize grows or shrinks the wire budget and re-wires in insertion order,
// oldest first: a design choice (spec section 4.1/9 leaves the re-wiring
// order unspecified) that favors long-lived buffers staying resident over
// recently-allocated scratch buffers.
func (r *residencySet) Resize(newLimitBytes int64) {
	r.limit = newLimitBytes
	for _, e := range r.entries {
		if r.isWired[e] {
			r.unwire(e)
		}
	}
	for _, e := range r.entries {
		if r.wired+int64(e.ByteLen()) > r.limit {
			continue
		}
		r.wire(e)
	}
}

func (r *residencySet) wire(buf RawBuffer) {
	if r.isWired[buf] {
		return
	}
	if cuMemPrefetchAsync != nil {
		if res := cuMemPrefetchAsync(buf.DevicePtr(), uint64(buf.ByteLen()), r.deviceOrdinal, r.stream); res != CUDA_SUCCESS {
			log.Printf("cuda: residency prefetch failed for %d bytes: %s", buf.ByteLen(), res.Error())
			return
		}
	}
	r.isWired[buf] = true
	r.wired += int64(buf.ByteLen())
}

func (r *residencySet) unwire(buf RawBuffer) {
	if !r.isWired[buf] {
		return
	}
	if cuMemAdvise != nil {
		if res := cuMemAdvise(buf.DevicePtr(), uint64(buf.ByteLen()), CU_MEM_ADVISE_UNSET_PREFERRED_LOCATION, r.deviceOrdinal); res != CUDA_SUCCESS {
			log.Printf("cuda: residency unwire advise failed for %d bytes: %s", buf.ByteLen(), res.Error())
		}
	}
	r.isWired[buf] = false
	r.wired -= int64(buf.ByteLen())
}
