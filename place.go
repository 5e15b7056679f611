package buddyalloc

import "fmt"

// Place is the memory domain an allocation lives in: the host CPU, or one
// of the accelerator devices visible to the configured driver. Place
// carries enough state on its own for Malloc/Free/MemoryUsed to route
// without a separate visitor type.
type Place struct {
	device int // -1 means HostCpu
}

// HostCpu is the host-memory place.
func HostCpu() Place { return Place{device: -1} }

// Device is the place for accelerator id, which must be in
// [0, device_count).
func Device(id int) Place { return Place{device: id} }

// IsHost reports whether p is HostCpu.
func (p Place) IsHost() bool { return p.device < 0 }

// DeviceID returns the device index. Only meaningful when !p.IsHost().
func (p Place) DeviceID() int { return p.device }

func (p Place) String() string {
	if p.IsHost() {
		return "HostCpu"
	}
	return fmt.Sprintf("Device(%d)", p.device)
}
