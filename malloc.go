package buddyalloc

import (
	"sync"

	"github.com/gogpu/buddyalloc/config"
	"github.com/gogpu/buddyalloc/driver"
	"github.com/gogpu/buddyalloc/internal/allocator"
)

// Address is an opaque handle to a live allocation, as returned by Malloc.
// Nil is never a valid live allocation.
type Address = driver.Address

// Nil is the zero Address, returned by Malloc on transient exhaustion.
const Nil = driver.Nil

var (
	mu     sync.Mutex
	shared *allocator.Shared
)

// Init brings the allocator up over dev, resolving tunables from params.
// A nil params uses config.Default (the process environment). Init
// constructs one buddy per device dev reports, plus the host buddy.
// Calling Init while already initialized is a fatal invariant violation,
// not a recoverable error — it panics with a *FatalError, the same as
// every other condition this tree cannot safely continue past.
func Init(dev driver.Device, params *config.Parameters) error {
	mu.Lock()
	defer mu.Unlock()

	if shared != nil {
		allocator.Fatal("buddyalloc: Init called while already initialized")
	}
	if params == nil {
		params = config.New(nil)
	}

	shared = allocator.NewShared(dev, params)
	allocator.Logger().Info("buddyalloc initialized", "device_count", shared.DeviceCount())
	return nil
}

// Shutdown releases every buddy's remaining free capacity back to the
// driver. Blocks the caller never freed are not reclaimed — see
// DESIGN.md, Open Question 3. Calling Shutdown without a prior Init is a
// fatal invariant violation, not a recoverable error — it panics with a
// *FatalError, matching Init's double-init check.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()

	if shared == nil {
		allocator.Fatal("buddyalloc: Shutdown called without a prior Init")
	}
	shared.Shutdown()
	shared = nil
	allocator.Logger().Info("buddyalloc shut down")
	return nil
}

func current() (*allocator.Shared, error) {
	mu.Lock()
	s := shared
	mu.Unlock()
	if s == nil {
		return nil, ErrNotInitialized
	}
	return s, nil
}

// Malloc returns an Address for at least size bytes resident in place, or
// Nil if every base source for that place is exhausted (transient
// exhaustion is in-band, never an error). An invalid device index panics
// with a *FatalError; callers should only ever pass Device(i) for i in
// [0, device_count).
func Malloc(place Place, size uintptr) (Address, error) {
	s, err := current()
	if err != nil {
		return Nil, err
	}
	if place.IsHost() {
		return s.MallocCPU(size), nil
	}
	return s.MallocGPU(place.DeviceID(), size), nil
}

// Free releases addr, which must have been returned by Malloc with the
// same place. Freeing with the wrong place, or double-freeing, is
// undefined.
func Free(place Place, addr Address) error {
	s, err := current()
	if err != nil {
		return err
	}
	if place.IsHost() {
		s.FreeCPU(addr)
		return nil
	}
	s.FreeGPU(place.DeviceID(), addr)
	return nil
}

// Overhead reports the number of metadata bytes prepended to every block.
func Overhead() uintptr { return allocator.Overhead() }

// MemoryUsed reports bytes currently live in place, excluding huge-chunk
// allocations that bypassed the buddy entirely (see DESIGN.md, Open
// Question 2).
func MemoryUsed(place Place) (uintptr, error) {
	s, err := current()
	if err != nil {
		return 0, err
	}
	if place.IsHost() {
		return s.MemoryUsedCPU(), nil
	}
	return s.MemoryUsedGPU(place.DeviceID()), nil
}
