package cuda

import "github.com/northforge/goml/backend"

// cudaDevice adapts the purego-bound CUDA Driver API to the allocator
// core's Device interface (spec section 6's "device" primitive).
type cudaDevice struct {
	backendDevice backend.Device
	info          *DeviceInfo
}

func newCUDADevice(backendDevice backend.Device, info *DeviceInfo) *cudaDevice {
	return &cudaDevice{backendDevice: backendDevice, info: info}
}

// NewBuffer allocates directly from the driver. A driver failure (most
// commonly out-of-memory) is reported as a nil RawBuffer, not an error: the
// allocator turns this into the null-buffer sentinel (spec section 7)
// instead of propagating a Go error up through Malloc.
func (d *cudaDevice) NewBuffer(byteLen int) (RawBuffer, error) {
	s, err := allocManaged(byteLen, d.backendDevice)
	if err != nil {
		return nil, nil
	}
	return s, nil
}

func (d *cudaDevice) MaxBufferLength() int              { return int(d.info.MaxBufferLength()) }
func (d *cudaDevice) RecommendedMaxWorkingSetSize() int { return int(d.info.RecommendedMaxWorkingSetSize()) }
func (d *cudaDevice) ResourceLimit() int                { return d.info.ResourceLimit() }
func (d *cudaDevice) MemorySize() int                   { return int(d.info.TotalMem) }
func (d *cudaDevice) Name() string                      { return d.info.Name }
