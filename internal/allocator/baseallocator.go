package allocator

import (
	"sync"
	"unsafe"

	"github.com/gogpu/buddyalloc/config"
	"github.com/gogpu/buddyalloc/driver"
)

// BaseAllocator is the trait a Buddy is generic over — "template
// instantiation per base": a per-place ordered list of
// byte-source strategies that a Buddy refills from on a free-set miss.
// Go's generics take the place of C++ template instantiation; there are
// exactly two implementations, CPUAllocator and GPUAllocator, grounded on
// majel/malloc/cpu/system_allocator.cc and
// majel/malloc/gpu/system_allocator.cc respectively.
type BaseAllocator interface {
	// Malloc walks the source list in order and returns the address and
	// the index of the first source that produced it. addr is driver.Nil
	// and origin equals SourceCount() if every source failed.
	Malloc(size uintptr) (addr driver.Address, origin int)

	// Free dispatches to the source identified by origin. origin must be
	// a valid index into this allocator's source list; an out-of-range
	// origin is a fatal invariant violation.
	Free(addr driver.Address, size uintptr, origin int)

	// UsesGPU reports whether blocks produced by this allocator are
	// device-resident and therefore require MetadataCache's device mode.
	UsesGPU() bool

	// SourceCount reports how many sources this allocator holds. Exposed
	// beyond the original C++ API so callers (the tests among them) can
	// describe fallback origins by position without hardcoding source
	// counts per place.
	SourceCount() int
}

// source is one byte-source strategy within a BaseAllocator's ordered list.
type source interface {
	malloc(size uintptr) driver.Address
	free(addr driver.Address, size uintptr)
}

// --- CPU place -------------------------------------------------------------

// pinnedSource allocates page-locked host memory through the driver façade.
type pinnedSource struct{ device driver.Device }

func (s pinnedSource) malloc(size uintptr) driver.Address { return s.device.MallocPinned(size) }
func (s pinnedSource) free(addr driver.Address, size uintptr) {
	s.device.FreePinned(addr, size)
}

// defaultHostSource allocates ordinary host memory. It does not go through
// the driver façade at all — majel's DefaultAllocator calls std::malloc
// directly, and so does this: a plain Go byte slice, pinned against
// relocation by the runtime's general "no moving GC" guarantee and kept
// alive by a reference stashed in the allocation table.
type defaultHostSource struct {
	mu   sync.Mutex
	live map[driver.Address][]byte
}

func newDefaultHostSource() *defaultHostSource {
	return &defaultHostSource{live: make(map[driver.Address][]byte)}
}

// addressOf returns an opaque driver.Address for a host-resident byte
// slice. The slice is retained in live so the runtime never reclaims or
// moves the backing array out from under the address.
func addressOf(buf []byte) driver.Address {
	if len(buf) == 0 {
		return driver.Nil
	}
	return driver.Address(uintptr(unsafe.Pointer(&buf[0])))
}

func (s *defaultHostSource) malloc(size uintptr) driver.Address {
	buf := make([]byte, size)
	addr := addressOf(buf)

	s.mu.Lock()
	s.live[addr] = buf
	s.mu.Unlock()

	return addr
}

func (s *defaultHostSource) free(addr driver.Address, size uintptr) {
	s.mu.Lock()
	delete(s.live, addr)
	s.mu.Unlock()
}

// CPUAllocator is the host-place BaseAllocator, grounded on
// majel/malloc/cpu/system_allocator.cc. Its source list is built once at
// construction from config.Parameters.UsePinnedAllocator(), mirroring
// SystemAllocator::init()'s knob-gated pinned source.
type CPUAllocator struct {
	sources []source
}

// NewCPUAllocator builds the host-place source list. device is only used
// when the pinned-memory knob is enabled.
func NewCPUAllocator(params *config.Parameters, device driver.Device) *CPUAllocator {
	var sources []source
	if params.UsePinnedAllocator() {
		sources = append(sources, pinnedSource{device: device})
	}
	sources = append(sources, newDefaultHostSource())
	return &CPUAllocator{sources: sources}
}

func (a *CPUAllocator) Malloc(size uintptr) (driver.Address, int) {
	for i, s := range a.sources {
		if addr := s.malloc(size); addr != driver.Nil {
			return addr, i
		}
	}
	return driver.Nil, len(a.sources)
}

func (a *CPUAllocator) Free(addr driver.Address, size uintptr, origin int) {
	if origin < 0 || origin >= len(a.sources) {
		fatal("allocator: CPUAllocator.Free origin %d out of range [0,%d)", origin, len(a.sources))
	}
	a.sources[origin].free(addr, size)
}

func (a *CPUAllocator) UsesGPU() bool  { return false }
func (a *CPUAllocator) SourceCount() int { return len(a.sources) }

// --- Device place ------------------------------------------------------

// gpuDefaultSource is the native device allocator, capped by a running
// total against the configured fraction of device capacity. Grounded on
// gpu/system_allocator.cc's DefaultAllocator.
type gpuDefaultSource struct {
	device     driver.Device
	deviceID   int
	params     *config.Parameters
	totalBytes uint64
}

func (s *gpuDefaultSource) malloc(size uintptr) driver.Address {
	if !config.AllowGPUMemoryUse() {
		return driver.Nil
	}

	remaining := s.remainingCapacity()
	if s.totalBytes+uint64(size) > remaining {
		Logger().Warn("device allocation exceeds remaining capacity, falling back",
			"device", s.deviceID, "requested_bytes", size, "remaining_bytes", remaining)
		return driver.Nil
	}

	addr := s.device.Malloc(s.deviceID, size)
	if addr == driver.Nil {
		return driver.Nil
	}
	s.totalBytes += uint64(size)
	return addr
}

func (s *gpuDefaultSource) free(addr driver.Address, size uintptr) {
	if uint64(size) > s.totalBytes {
		fatal("allocator: gpu default source freed more than it allocated (device %d)", s.deviceID)
	}
	s.totalBytes -= uint64(size)
	s.device.Free(s.deviceID, addr, size)
}

func (s *gpuDefaultSource) remainingCapacity() uint64 {
	available, capacity, err := s.device.MemoryUsage(s.deviceID)
	if err != nil {
		return 0
	}
	maximum := uint64(float64(capacity) * s.params.GPUFraction())
	buffer := capacity - maximum
	if available > buffer {
		return available - buffer
	}
	return 0
}

// gpuFallbackSource is the host-pinned-and-mapped fallback, capped at
// systemMax-gpuMax total bytes. Grounded on gpu/system_allocator.cc's
// HostFallbackAllocator.
type gpuFallbackSource struct {
	device     driver.Device
	deviceID   int
	cap        uint64
	totalBytes uint64
}

func (s *gpuFallbackSource) malloc(size uintptr) driver.Address {
	remaining := s.cap - s.totalBytes
	if uint64(size) > remaining {
		return driver.Nil
	}
	addr := s.device.MallocPinnedMapped(s.deviceID, size)
	if addr == driver.Nil {
		return driver.Nil
	}
	s.totalBytes += uint64(size)
	return addr
}

func (s *gpuFallbackSource) free(addr driver.Address, size uintptr) {
	if uint64(size) > s.totalBytes {
		fatal("allocator: gpu fallback source freed more than it allocated (device %d)", s.deviceID)
	}
	s.totalBytes -= uint64(size)
	s.device.FreePinnedMapped(s.deviceID, addr)
}

// GPUAllocator is a single device's BaseAllocator: the native allocator
// first, then the host-pinned-and-mapped fallback.
type GPUAllocator struct {
	deviceID int
	sources  []source
}

// NewGPUAllocator builds a device's source list. maximumAllocationSize is
// the device's gpu_maximum_allocation_size and systemMaximumAllocationSize
// the combined cap; the fallback source may hold their difference.
func NewGPUAllocator(device driver.Device, deviceID int, params *config.Parameters, maximumAllocationSize, systemMaximumAllocationSize uint64) *GPUAllocator {
	fallbackCap := uint64(0)
	if systemMaximumAllocationSize > maximumAllocationSize {
		fallbackCap = systemMaximumAllocationSize - maximumAllocationSize
	}
	return &GPUAllocator{
		deviceID: deviceID,
		sources: []source{
			&gpuDefaultSource{device: device, deviceID: deviceID, params: params},
			&gpuFallbackSource{device: device, deviceID: deviceID, cap: fallbackCap},
		},
	}
}

func (a *GPUAllocator) Malloc(size uintptr) (driver.Address, int) {
	for i, s := range a.sources {
		if addr := s.malloc(size); addr != driver.Nil {
			Logger().Debug("device allocation", "device", a.deviceID, "bytes", size, "origin", i)
			return addr, i
		}
	}
	return driver.Nil, len(a.sources)
}

func (a *GPUAllocator) Free(addr driver.Address, size uintptr, origin int) {
	if origin < 0 || origin >= len(a.sources) {
		fatal("allocator: GPUAllocator.Free origin %d out of range [0,%d)", origin, len(a.sources))
	}
	a.sources[origin].free(addr, size)
}

func (a *GPUAllocator) UsesGPU() bool  { return true }
func (a *GPUAllocator) SourceCount() int { return len(a.sources) }
