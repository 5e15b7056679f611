// Package driver defines the façade the allocator core uses to reach actual
// device hardware: raw allocation, pinned and pinned-mapped host allocation,
// memory-usage queries, device selection, and stream-based host<->device
// copies.
//
// This package owns no hardware access itself. A concrete implementation
// (such as driver/noop, used for tests and CPU-only hosts) registers itself
// by implementing [Device]. A production backend would bind to a real
// driver (CUDA, ROCm, ...) through github.com/go-webgpu/goffi — see
// DESIGN.md for why that binding is not implemented in this repo.
package driver

import "unsafe"

// Address is an opaque handle returned by a [Device]. For host-resident
// memory it can be turned into a usable pointer via [Device.HostPointer];
// for device-resident memory it is meaningful only to the [Device] that
// produced it and must never be interpreted by the caller. Callers that
// need to read or write device-resident bytes go through [Device.Memcpy] or
// [Device.MemsetSync].
type Address uintptr

// Nil is the zero Address, returned on allocation failure.
const Nil Address = 0

// Direction selects the source and destination memory spaces for a Memcpy.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
	DeviceToDevice
)

// Stream is an opaque handle to an ordered sequence of asynchronous device
// operations, created fresh for each metadata-cache miss (see
// internal/allocator/metadatacache.go) and destroyed immediately after the
// caller waits on it.
type Stream uint64

// Device is the driver façade. Implementations must be safe for concurrent
// use from multiple goroutines, except where noted.
type Device interface {
	// DeviceCount returns the number of accelerator devices visible to this
	// process.
	DeviceCount() int

	// SetDevice makes device the current device for this goroutine's
	// subsequent driver calls. Implementations that do not have a notion of
	// "current device" may treat this as a validation-only no-op.
	SetDevice(device int) error

	// MemoryUsage reports the currently available and total byte capacity
	// of device.
	MemoryUsage(device int) (available, total uint64, err error)

	// Malloc allocates size bytes of native device memory on device.
	// Returns Nil on failure.
	Malloc(device int, size uintptr) Address
	// Free releases a Malloc'd allocation.
	Free(device int, addr Address, size uintptr)

	// MallocPinned allocates size bytes of page-locked host memory.
	// Returns Nil on failure.
	MallocPinned(size uintptr) Address
	// FreePinned releases a MallocPinned allocation.
	FreePinned(addr Address, size uintptr)

	// MallocPinnedMapped allocates size bytes of host memory that is also
	// mapped into device's address space, for use as a host-memory fallback
	// when native device allocation is exhausted. Returns Nil on failure.
	MallocPinnedMapped(device int, size uintptr) Address
	// FreePinnedMapped releases a MallocPinnedMapped allocation.
	FreePinnedMapped(device int, addr Address)

	// MemsetSync synchronously fills size bytes at addr with value.
	MemsetSync(device int, addr Address, value byte, size uintptr)

	// CreateStream creates a new stream bound to device.
	CreateStream(device int) Stream
	// Memcpy enqueues a copy of size bytes from src to dst on stream.
	Memcpy(stream Stream, dst, src Address, size uintptr, dir Direction)
	// WaitForStream blocks until every operation enqueued on stream has
	// completed.
	WaitForStream(stream Stream)
	// DestroyStream releases stream. The stream must not be used afterwards.
	DestroyStream(stream Stream)

	// HostPointer returns the host-addressable memory backing addr, if any.
	// Host-resident and pinned-host allocations return (ptr, true); memory
	// that is resident only on a device returns (nil, false).
	HostPointer(addr Address) (unsafe.Pointer, bool)
}
