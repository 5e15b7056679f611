package allocator

import (
	"sync"
	"unsafe"

	"github.com/gogpu/buddyalloc/driver"
)

// MetadataCache mediates every read and write of a block's Header. In host
// mode the header lives in-band at the front of the block and is read or
// written directly through an unsafe cast. In device mode the header lives
// on a device the host cannot dereference into, so the cache keeps a
// host-side side table keyed by address and fills it lazily with a
// device-to-host copy on first touch.
//
// Grounded on majel/malloc/detail/metadata_cache.h/.cc. A MetadataCache does
// not lock itself against concurrent callers — every call in this module
// runs under the owning Buddy's mutex, exactly as metadata_cache.cc assumes
// external synchronization. The internal mutex here only protects the
// device-mode map against the rare caller that reaches it directly.
type MetadataCache struct {
	usesGPU  bool
	device   driver.Device
	deviceID int

	mu    sync.Mutex
	cache map[driver.Address]Header // device mode only; nil in host mode
}

// NewMetadataCache constructs a cache for a base allocator whose UsesGPU()
// reports usesGPU. device and deviceID are only consulted in device mode,
// to create the stream used for the device-to-host fill copy.
func NewMetadataCache(usesGPU bool, device driver.Device, deviceID int) *MetadataCache {
	c := &MetadataCache{usesGPU: usesGPU, device: device, deviceID: deviceID}
	if usesGPU {
		c.cache = make(map[driver.Address]Header)
	}
	return c
}

// UsesGPU reports whether this cache is operating in device mode.
func (c *MetadataCache) UsesGPU() bool { return c.usesGPU }

// Load returns the Header stored at addr, fatally aborting if the guards
// don't check out.
func (c *MetadataCache) Load(addr driver.Address) Header {
	if c.usesGPU {
		h := c.loadDevice(addr)
		if !checkGuards(&h) {
			fatal("allocator: metadata cache guard mismatch loading device block %#x", uintptr(addr))
		}
		return h
	}

	hdr := (*Header)(unsafe.Pointer(uintptr(addr)))
	if !checkGuards(hdr) {
		fatal("allocator: metadata cache guard mismatch loading host block %#x", uintptr(addr))
	}
	return *hdr
}

func (c *MetadataCache) loadDevice(addr driver.Address) Header {
	c.mu.Lock()
	h, ok := c.cache[addr]
	c.mu.Unlock()
	if ok {
		return h
	}

	h = c.fillFromDevice(addr)

	c.mu.Lock()
	c.cache[addr] = h
	c.mu.Unlock()
	return h
}

// fillFromDevice issues a single device-to-host copy of a Header's worth of
// bytes on a fresh stream, waits for it, and tears the stream down —
// matching metadata_cache.cc's load() miss path exactly.
func (c *MetadataCache) fillFromDevice(addr driver.Address) Header {
	var raw Header
	dst := driver.Address(uintptr(unsafe.Pointer(&raw)))

	stream := c.device.CreateStream(c.deviceID)
	defer c.device.DestroyStream(stream)

	c.device.Memcpy(stream, dst, addr, headerSize, driver.DeviceToHost)
	c.device.WaitForStream(stream)

	return raw
}

// Store writes h to addr after recomputing its guards.
//
// In device mode this updates only the host-side cache entry; it never
// copies the header back to the device-resident block. This mirrors
// metadata_cache.cc's store(), which is a known, preserved asymmetry with
// load() — see DESIGN.md, Open Question 1.
func (c *MetadataCache) Store(addr driver.Address, h Header) {
	updateGuards(&h)

	if c.usesGPU {
		c.mu.Lock()
		c.cache[addr] = h
		c.mu.Unlock()
		return
	}

	*(*Header)(unsafe.Pointer(uintptr(addr))) = h
}

// Invalidate drops addr's cache entry. It is a no-op in host mode, since
// there the "cache" is just the block's own in-band header. In device mode
// it is a fatal error to invalidate an address with no cached entry — the
// caller has lost track of which blocks it has touched.
func (c *MetadataCache) Invalidate(addr driver.Address) {
	if !c.usesGPU {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[addr]; !ok {
		fatal("allocator: metadata cache invalidate of untracked device block %#x", uintptr(addr))
	}
	delete(c.cache, addr)
}

// Acquire and Release are reserved hooks for a future reference-counted
// metadata mode. majel never implements them either — they assert false —
// so neither does this port; any call is a programming error.
func (c *MetadataCache) Acquire(driver.Address) {
	panic("allocator: MetadataCache.Acquire not implemented")
}

func (c *MetadataCache) Release(driver.Address) {
	panic("allocator: MetadataCache.Release not implemented")
}
