// Package noop is a simulated [driver.Device] with no real hardware behind
// it: every device is a host-resident byte arena, and pinned/pinned-mapped
// memory is real, page-locked host memory on platforms golang.org/x/sys/unix
// supports. It exists for tests and CPU-only hosts.
package noop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/buddyalloc/driver"
)

// deviceArenaBase is the synthetic address space reserved for device-
// resident memory, chosen far away from any real host pointer range so a
// caller that mistakenly dereferences a device.Address instead of going
// through Memcpy/MemsetSync fails loudly (nil-pointer-ish panic) rather
// than silently reading unrelated host memory.
const deviceArenaBase = driver.Address(1) << 40

// arena is one simulated device's byte store.
type arena struct {
	mu      sync.Mutex
	bytes   map[driver.Address][]byte
	next    driver.Address
	total   uint64
	reserve uint64 // bytes already handed out, tracked for MemoryUsage
}

func newArena(total uint64) *arena {
	return &arena{bytes: make(map[driver.Address][]byte), next: deviceArenaBase, total: total}
}

func (a *arena) alloc(size uintptr) driver.Address {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserve+uint64(size) > a.total {
		return driver.Nil
	}
	addr := a.next
	a.next += driver.Address(size) + 1 // +1 keeps blocks from ever abutting at size 0
	a.bytes[addr] = make([]byte, size)
	a.reserve += uint64(size)
	return addr
}

func (a *arena) free(addr driver.Address, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.bytes[addr]; !ok {
		return
	}
	delete(a.bytes, addr)
	if a.reserve >= uint64(size) {
		a.reserve -= uint64(size)
	}
}

func (a *arena) load(addr driver.Address) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes[addr]
}

func (a *arena) usage() (available, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.reserve, a.total
}

// Device is the noop driver backend: deviceCount independent arenas, each
// with a configurable simulated total capacity, plus shared pinned-host
// allocation.
type Device struct {
	arenas  []*arena
	current atomic.Int64

	pinnedMu sync.Mutex
	pinned   map[driver.Address][]byte

	nextStream atomic.Uint64
}

// New builds a Device with one arena of capacityPerDevice bytes for each of
// deviceCount simulated devices.
func New(deviceCount int, capacityPerDevice uint64) *Device {
	d := &Device{pinned: make(map[driver.Address][]byte)}
	d.arenas = make([]*arena, deviceCount)
	for i := range d.arenas {
		d.arenas[i] = newArena(capacityPerDevice)
	}
	return d
}

func (d *Device) DeviceCount() int { return len(d.arenas) }

func (d *Device) SetDevice(device int) error {
	if device < 0 || device >= len(d.arenas) {
		return fmt.Errorf("noop: device %d out of range [0,%d)", device, len(d.arenas))
	}
	d.current.Store(int64(device))
	return nil
}

func (d *Device) MemoryUsage(device int) (available, total uint64, err error) {
	if device < 0 || device >= len(d.arenas) {
		return 0, 0, fmt.Errorf("noop: device %d out of range [0,%d)", device, len(d.arenas))
	}
	available, total = d.arenas[device].usage()
	return available, total, nil
}

func (d *Device) Malloc(device int, size uintptr) driver.Address {
	if device < 0 || device >= len(d.arenas) {
		return driver.Nil
	}
	return d.arenas[device].alloc(size)
}

func (d *Device) Free(device int, addr driver.Address, size uintptr) {
	if device < 0 || device >= len(d.arenas) {
		return
	}
	d.arenas[device].free(addr, size)
}

func (d *Device) MallocPinned(size uintptr) driver.Address {
	buf := allocPinned(size)
	if buf == nil {
		return driver.Nil
	}
	addr := driver.Address(uintptr(unsafe.Pointer(&buf[0])))
	d.pinnedMu.Lock()
	d.pinned[addr] = buf
	d.pinnedMu.Unlock()
	return addr
}

func (d *Device) FreePinned(addr driver.Address, size uintptr) {
	d.pinnedMu.Lock()
	buf, ok := d.pinned[addr]
	delete(d.pinned, addr)
	d.pinnedMu.Unlock()
	if ok {
		freePinned(buf)
	}
}

// MallocPinnedMapped is the host-fallback source for a GPU place: the same
// pinned host memory as MallocPinned, tracked identically. The noop backend
// has no real device address space to map into.
func (d *Device) MallocPinnedMapped(_ int, size uintptr) driver.Address {
	return d.MallocPinned(size)
}

func (d *Device) FreePinnedMapped(_ int, addr driver.Address) {
	d.FreePinned(addr, 0)
}

func (d *Device) MemsetSync(device int, addr driver.Address, value byte, size uintptr) {
	if buf := d.resolve(device, addr); buf != nil {
		n := size
		if uintptr(len(buf)) < n {
			n = uintptr(len(buf))
		}
		for i := uintptr(0); i < n; i++ {
			buf[i] = value
		}
	}
}

func (d *Device) CreateStream(int) driver.Stream {
	return driver.Stream(d.nextStream.Add(1))
}

func (d *Device) WaitForStream(driver.Stream) {}
func (d *Device) DestroyStream(driver.Stream) {}

// Memcpy copies size bytes between a host address (a real pointer, cast
// from uintptr) and a device address (an offset into one arena's byte
// map), in the direction dir names. DeviceToDevice is not used by this
// module and is left unimplemented.
func (d *Device) Memcpy(stream driver.Stream, dst, src driver.Address, size uintptr, dir driver.Direction) {
	device := int(d.current.Load())
	switch dir {
	case driver.DeviceToHost:
		buf := d.resolve(device, src)
		if buf == nil {
			return
		}
		hostSlice := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), size)
		copy(hostSlice, buf)
	case driver.HostToDevice:
		buf := d.resolve(device, dst)
		if buf == nil {
			return
		}
		hostSlice := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src))), size)
		copy(buf, hostSlice)
	}
}

// resolve returns the byte slice backing addr, checking the given device's
// arena first and falling back to the pinned-host table (pinned-mapped
// fallback allocations are device-resident from the caller's point of
// view, even though this backend stores them as ordinary host bytes).
func (d *Device) resolve(device int, addr driver.Address) []byte {
	if device >= 0 && device < len(d.arenas) {
		if buf := d.arenas[device].load(addr); buf != nil {
			return buf
		}
	}
	d.pinnedMu.Lock()
	buf := d.pinned[addr]
	d.pinnedMu.Unlock()
	return buf
}

// HostPointer reports whether addr is host-addressable: true for pinned
// (and pinned-mapped) allocations, false for plain device-arena addresses,
// which the host must never dereference directly.
func (d *Device) HostPointer(addr driver.Address) (unsafe.Pointer, bool) {
	d.pinnedMu.Lock()
	buf, ok := d.pinned[addr]
	d.pinnedMu.Unlock()
	if !ok || len(buf) == 0 {
		return nil, false
	}
	return unsafe.Pointer(&buf[0]), true
}
