package allocator

import (
	"github.com/gogpu/buddyalloc/config"
	"github.com/gogpu/buddyalloc/driver"
)

// This file computes the handful of tunables derived from live
// device or host capacity rather than from a static default — majel's
// Parameters::gpu_system_chunk_size/gpu_maximum_allocation_size/
// system_maximum_allocation_size/cpu_system_chunk_size. They live here,
// rather than in config.Parameters, because computing them requires the
// driver façade's MemoryUsage, which config intentionally knows nothing
// about.

// defaultCPUSystemChunkSize is used when no override knob is set. majel
// derives its CPU equivalent from total physical memory / 32 via a
// cpu_info helper not present anywhere in this corpus; rather than add a
// host-memory-probing dependency no example repo pulls in, this is a fixed,
// conservative default (64MiB) that every deployment is expected to
// override via config.KnobCPUSystemChunkSize for its actual host capacity.
// See DESIGN.md.
const defaultCPUSystemChunkSize uint64 = 64 << 20

// computeCPUSystemChunkSize is the CPU place's Buddy maximum_allocation_size.
func computeCPUSystemChunkSize(params *config.Parameters) uint64 {
	return params.OverrideUint(config.KnobCPUSystemChunkSize, defaultCPUSystemChunkSize)
}

// computeGPUMaximumAllocationSize is a device place's
// gpu_maximum_allocation_size: the configured fraction of total device
// memory, overridable via config.KnobGPUMaxAllocation. NewShared passes it
// to NewGPUAllocator, where it sizes the host-fallback budget; the device
// Buddy's own maximum_allocation_size comes from computeGPUSystemChunkSize.
func computeGPUMaximumAllocationSize(device driver.Device, deviceID int, params *config.Parameters) uint64 {
	_, total, err := device.MemoryUsage(deviceID)
	if err != nil {
		total = 0
	}
	return params.OverrideUint(config.KnobGPUMaxAllocation, uint64(float64(total)*params.GPUFraction()))
}

// computeSystemMaximumAllocationSize bounds the device place's combined
// native + host-fallback budget.
func computeSystemMaximumAllocationSize(gpuMaximumAllocationSize uint64, params *config.Parameters) uint64 {
	return params.OversubscriptionFactor() * gpuMaximumAllocationSize
}

// computeGPUSystemChunkSize recomputes a device Buddy's
// maximum_allocation_size from live capacity, used by refillAllocations
// when a device buddy has gone empty: re-derive from
// current headroom so a shrinking budget (another process having claimed
// memory) is honored on the next refill rather than failing outright.
func computeGPUSystemChunkSize(device driver.Device, deviceID int, params *config.Parameters) uint64 {
	available, total, err := device.MemoryUsage(deviceID)
	if err != nil {
		return 0
	}

	buffer := uint64((1.0 - params.GPUFraction()) * float64(total))
	arenaChunk := params.ArenaChunkSize()

	if available < arenaChunk {
		available = arenaChunk
	}
	available -= arenaChunk

	usable := available
	if buffer > usable {
		usable = buffer
	}
	usable -= buffer

	return params.OverrideUint(config.KnobGPUSystemChunkSize, usable)
}
