package allocator

import (
	"github.com/gogpu/buddyalloc/config"
	"github.com/gogpu/buddyalloc/driver"
)

// Shared is the process-wide last-level allocator: one CPU buddy plus one
// GPU buddy per visible device. Grounded on
// majel/malloc/detail/shared_allocator.{h,cc}. There the dispatch across
// CpuPlace/GpuPlace is a boost::static_visitor; the Go equivalent — a branch
// on Place.IsHost() — lives one layer up, in the root package, which is
// why Shared's own API is already split into CPU- and GPU-specific methods
// rather than taking a Place itself (internal/allocator cannot import the
// root package that defines Place without an import cycle).
type Shared struct {
	device driver.Device
	params *config.Parameters

	cpu *Buddy[*CPUAllocator]
	gpu []*Buddy[*GPUAllocator]
}

// NewShared builds the CPU buddy and one GPU buddy per device visible on
// device, matching SharedAllocator::init()'s construction order (every GPU
// buddy first, then the CPU buddy).
func NewShared(device driver.Device, params *config.Parameters) *Shared {
	s := &Shared{device: device, params: params}

	deviceCount := device.DeviceCount()
	s.gpu = make([]*Buddy[*GPUAllocator], deviceCount)
	for id := 0; id < deviceCount; id++ {
		device.SetDevice(id)

		maximumAllocationSize := computeGPUMaximumAllocationSize(device, id, params)
		systemMaximumAllocationSize := computeSystemMaximumAllocationSize(maximumAllocationSize, params)
		base := NewGPUAllocator(device, id, params, maximumAllocationSize, systemMaximumAllocationSize)

		s.gpu[id] = NewBuddy[*GPUAllocator](
			base,
			uintptr(params.ArenaChunkSize()),
			uintptr(computeGPUSystemChunkSize(device, id, params)),
			device, id, params,
		)
	}

	cpuBase := NewCPUAllocator(params, device)
	s.cpu = NewBuddy[*CPUAllocator](
		cpuBase,
		uintptr(params.ArenaChunkSize()),
		uintptr(computeCPUSystemChunkSize(params)),
		device, 0, params,
	)

	return s
}

// MallocCPU, FreeCPU and MemoryUsedCPU dispatch to the host buddy.
func (s *Shared) MallocCPU(size uintptr) driver.Address { return s.cpu.Malloc(size) }
func (s *Shared) FreeCPU(addr driver.Address)           { s.cpu.Free(addr) }
func (s *Shared) MemoryUsedCPU() uintptr                { return s.cpu.MemoryUsed() }

// deviceBuddy looks up the GPU buddy for device, fatally aborting if it is
// out of range — matching SharedAllocatorMallocVisitor's
// std::runtime_error on malloc and the assert() on free/memory_used
// (both are upgraded to the same fatal path, since a caller passing
// an invalid device index is always a programming error, not a runtime
// condition to recover from).
func (s *Shared) deviceBuddy(device int) *Buddy[*GPUAllocator] {
	if device < 0 || device >= len(s.gpu) {
		fatal("allocator: no GPU buddy for device %d (have %d)", device, len(s.gpu))
	}
	return s.gpu[device]
}

func (s *Shared) MallocGPU(device int, size uintptr) driver.Address {
	s.device.SetDevice(device)
	return s.deviceBuddy(device).Malloc(size)
}

func (s *Shared) FreeGPU(device int, addr driver.Address) {
	s.device.SetDevice(device)
	s.deviceBuddy(device).Free(addr)
}

func (s *Shared) MemoryUsedGPU(device int) uintptr {
	return s.deviceBuddy(device).MemoryUsed()
}

// DeviceCount reports how many GPU buddies were constructed.
func (s *Shared) DeviceCount() int { return len(s.gpu) }

// Shutdown releases every buddy's remaining free allocations back to the
// base allocators, matching SharedAllocator::shutdown(). Any block the
// caller never freed is leaked, not reclaimed — see DESIGN.md, Open
// Question 3.
func (s *Shared) Shutdown() {
	for _, g := range s.gpu {
		g.Close()
	}
	s.cpu.Close()
}
