package allocator

import (
	"sync"
	"unsafe"

	"github.com/google/btree"

	"github.com/gogpu/buddyalloc/config"
	"github.com/gogpu/buddyalloc/driver"
)

// allocationKey is the AllocationSet's ordering key: (origin_index,
// total_size, address), matching buddy_allocator.h's
// std::set<std::tuple<size_t, size_t, void*>>. Lower-origin, smaller-size
// entries sort first, so AscendGreaterOrEqual finds the smallest block that
// still fits within the lowest-numbered (most preferred) origin that has
// one.
type allocationKey struct {
	Origin    int
	TotalSize uintptr
	Addr      driver.Address
}

func lessAllocationKey(a, b allocationKey) bool {
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	if a.TotalSize != b.TotalSize {
		return a.TotalSize < b.TotalSize
	}
	return a.Addr < b.Addr
}

// btreeDegree is the branching factor handed to btree.NewG. 32 matches the
// value google/btree's own benchmarks settle on; the allocation set is
// small enough in practice that this is not a tuning-sensitive choice.
const btreeDegree = 32

func payloadAddr(block driver.Address) driver.Address {
	return driver.Address(uintptr(block) + headerSize)
}

func blockAddr(payload driver.Address) driver.Address {
	return driver.Address(uintptr(payload) - headerSize)
}

// Buddy is the coalescing sub-allocator at the center of this module,
// generic over the base allocator it refills from — CPUAllocator or
// GPUAllocator. Ported from majel/malloc/detail/buddy_allocator.h.
type Buddy[B BaseAllocator] struct {
	base B

	minimumAllocationSize uintptr
	maximumAllocationSize uintptr // mutable: refillAllocations may shrink it for a device base
	shouldInitialize      bool

	device   driver.Device // nil for a host-only Buddy; required for a device Buddy
	deviceID int
	params   *config.Parameters

	mu                  sync.Mutex
	totalUsed           uintptr
	totalFree           uintptr
	fallbackAllocations uintptr
	set                 *btree.BTreeG[allocationKey]
	cache               *MetadataCache
}

// NewBuddy constructs a Buddy over base, with the given initial
// (minimum_allocation_size, maximum_allocation_size). device/deviceID are
// only touched when base.UsesGPU() is true (device-to-host metadata fills,
// device memset, and live-capacity re-derivation on refill).
func NewBuddy[B BaseAllocator](base B, minimumAllocationSize, maximumAllocationSize uintptr, device driver.Device, deviceID int, params *config.Parameters) *Buddy[B] {
	return &Buddy[B]{
		base:                  base,
		minimumAllocationSize: minimumAllocationSize,
		maximumAllocationSize: maximumAllocationSize,
		shouldInitialize:      params.ShouldInitializeAllocations(),
		device:                device,
		deviceID:              deviceID,
		params:                params,
		set:                   btree.NewG(btreeDegree, lessAllocationKey),
		cache:                 NewMetadataCache(base.UsesGPU(), device, deviceID),
	}
}

// Malloc returns a payload pointer for at least unalignedSize usable bytes,
// or driver.Nil if every base source is exhausted.
func (b *Buddy[B]) Malloc(unalignedSize uintptr) driver.Address {
	alignment := b.minimumAllocationSize
	if word := unsafe.Sizeof(uintptr(0)); word > alignment {
		alignment = word
	}
	size := align(unalignedSize+headerSize, alignment)

	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.maximumAllocationSize {
		return b.mallocHuge(size, unalignedSize)
	}

	key, ok := b.findBestExistingAllocationWithSpace(size)
	if !ok {
		key, ok = b.refillAllocations()
	}
	if !ok {
		return driver.Nil
	}

	b.totalFree -= size
	b.totalUsed += size

	block := b.splitAndPrepareAllocation(key, size)
	payload := payloadAddr(block)
	b.fill(payload, unalignedSize)
	return payload
}

func (b *Buddy[B]) mallocHuge(size, unalignedSize uintptr) driver.Address {
	addr, origin := b.base.Malloc(size)
	if addr == driver.Nil {
		return driver.Nil
	}

	h := Header{Type: HugeChunk, OriginIndex: origin, PayloadSize: size - headerSize, TotalSize: size}
	b.cache.Store(addr, h)

	if b.isFallbackAllocation(origin) {
		Logger().Debug("huge allocation served by fallback origin", "origin", origin, "bytes", size)
	}

	payload := payloadAddr(addr)
	b.fill(payload, unalignedSize)
	return payload
}

// Free releases a payload pointer previously returned by Malloc.
func (b *Buddy[B]) Free(payload driver.Address) {
	block := blockAddr(payload)

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.cache.Load(block)

	if h.Type == HugeChunk {
		b.base.Free(block, h.TotalSize, h.OriginIndex)
		b.cache.Invalidate(block)
		return
	}

	h.Type = Free
	b.totalUsed -= h.TotalSize
	b.totalFree += h.TotalSize
	b.cache.Store(block, h)

	addr := block

	if rightAddr, rb, ok := b.eligibleBuddy(h.RightBuddy); ok && rb.Type == Free {
		addr, h = b.mergeWithRightBuddy(addr, h, rightAddr, rb)
	}
	if leftAddr, lb, ok := b.eligibleBuddy(h.LeftBuddy); ok && lb.Type == Free {
		addr, h = b.mergeWithLeftBuddy(addr, h, leftAddr, lb)
	}

	b.set.ReplaceOrInsert(allocationKey{Origin: h.OriginIndex, TotalSize: h.TotalSize, Addr: addr})
	b.fill(payloadAddr(addr), h.PayloadSize)

	b.cleanAllocations()
}

// eligibleBuddy loads candidate if it is a non-nil link to a block that is
// not HugeChunk/Invalid — i.e. has_right_buddy/has_left_buddy's definition,
// before the separate "is it Free" check the caller performs on the result.
func (b *Buddy[B]) eligibleBuddy(candidate driver.Address) (driver.Address, Header, bool) {
	if candidate == driver.Nil {
		return driver.Nil, Header{}, false
	}
	h := b.cache.Load(candidate)
	if h.Type == HugeChunk || h.Type == Invalid {
		return driver.Nil, Header{}, false
	}
	return candidate, h, true
}

func (b *Buddy[B]) mergeWithRightBuddy(addr driver.Address, h Header, rightAddr driver.Address, rb Header) (driver.Address, Header) {
	key := allocationKey{Origin: rb.OriginIndex, TotalSize: rb.TotalSize, Addr: rightAddr}
	if _, ok := b.set.Delete(key); !ok {
		fatal("allocator: right buddy %#x missing from allocation set during merge", uintptr(rightAddr))
	}

	h.TotalSize += rb.TotalSize
	h.PayloadSize = h.TotalSize - headerSize
	h.RightBuddy = rb.RightBuddy
	b.cache.Store(addr, h)

	if h.RightBuddy != driver.Nil {
		newRight := b.cache.Load(h.RightBuddy)
		newRight.LeftBuddy = addr
		b.cache.Store(h.RightBuddy, newRight)
	}

	b.cache.Invalidate(rightAddr)
	return addr, h
}

func (b *Buddy[B]) mergeWithLeftBuddy(addr driver.Address, h Header, leftAddr driver.Address, lb Header) (driver.Address, Header) {
	key := allocationKey{Origin: lb.OriginIndex, TotalSize: lb.TotalSize, Addr: leftAddr}
	if _, ok := b.set.Delete(key); !ok {
		fatal("allocator: left buddy %#x missing from allocation set during merge", uintptr(leftAddr))
	}

	lb.TotalSize += h.TotalSize
	lb.PayloadSize = lb.TotalSize - headerSize
	lb.RightBuddy = h.RightBuddy
	b.cache.Store(leftAddr, lb)

	if lb.RightBuddy != driver.Nil {
		newRight := b.cache.Load(lb.RightBuddy)
		newRight.LeftBuddy = leftAddr
		b.cache.Store(lb.RightBuddy, newRight)
	}

	b.cache.Invalidate(addr)
	return leftAddr, lb
}

// refillAllocations requests a fresh maximum_allocation_size chunk from the
// base allocator and tracks it as Free.
func (b *Buddy[B]) refillAllocations() (allocationKey, bool) {
	if b.base.UsesGPU() && b.empty() {
		b.maximumAllocationSize = uintptr(computeGPUSystemChunkSize(b.device, b.deviceID, b.params))
	}

	addr, origin := b.base.Malloc(b.maximumAllocationSize)
	if addr == driver.Nil {
		return allocationKey{}, false
	}

	h := Header{
		Type:        Free,
		OriginIndex: origin,
		PayloadSize: b.maximumAllocationSize - headerSize,
		TotalSize:   b.maximumAllocationSize,
	}
	b.cache.Store(addr, h)

	if b.isFallbackAllocation(origin) {
		b.fallbackAllocations++
		Logger().Debug("refilled from fallback origin",
			"origin", origin, "fragmentation_pct", b.fragmentationPercent())
	}

	b.totalFree += b.maximumAllocationSize

	key := allocationKey{Origin: origin, TotalSize: b.maximumAllocationSize, Addr: addr}
	b.set.ReplaceOrInsert(key)
	return key, true
}

func (b *Buddy[B]) empty() bool { return b.totalFree+b.totalUsed == 0 }

func (b *Buddy[B]) fragmentationPercent() float64 {
	if b.totalUsed == 0 {
		return 0
	}
	return 100 * float64(b.totalFree) / float64(b.totalUsed)
}

// findBestExistingAllocationWithSpace prefers the lowest-numbered origin
// that can satisfy size, without starving higher-numbered origins entirely.
func (b *Buddy[B]) findBestExistingAllocationWithSpace(size uintptr) (allocationKey, bool) {
	nextOrigin := 0
	for {
		var found allocationKey
		var ok bool
		b.set.AscendGreaterOrEqual(allocationKey{Origin: nextOrigin, TotalSize: size, Addr: driver.Nil}, func(e allocationKey) bool {
			found, ok = e, true
			return false
		})
		if !ok {
			return allocationKey{}, false
		}
		if found.Origin > nextOrigin {
			if found.TotalSize >= size {
				return found, true
			}
			nextOrigin = found.Origin
			continue
		}
		return found, true
	}
}

// splitAndPrepareAllocation carves size bytes off the front of key's
// allocation, re-inserting the remainder as a new Free entry.
func (b *Buddy[B]) splitAndPrepareAllocation(key allocationKey, size uintptr) driver.Address {
	b.set.Delete(key)

	block := key.Addr
	h := b.cache.Load(block)

	if h.TotalSize > size {
		tailAddr := driver.Address(uintptr(block) + size)
		tailSize := h.TotalSize - size
		tail := Header{
			Type:        Free,
			OriginIndex: h.OriginIndex,
			PayloadSize: tailSize - headerSize,
			TotalSize:   tailSize,
			LeftBuddy:   block,
			RightBuddy:  h.RightBuddy,
		}
		b.cache.Store(tailAddr, tail)

		if h.RightBuddy != driver.Nil {
			rb := b.cache.Load(h.RightBuddy)
			rb.LeftBuddy = tailAddr
			b.cache.Store(h.RightBuddy, rb)
		}

		h.TotalSize = size
		h.PayloadSize = size - headerSize
		h.RightBuddy = tailAddr
	}

	h.Type = ArenaChunk
	b.cache.Store(block, h)

	if h.RightBuddy != driver.Nil {
		rb := b.cache.Load(h.RightBuddy)
		if rb.Type == Free {
			b.set.ReplaceOrInsert(allocationKey{Origin: rb.OriginIndex, TotalSize: rb.TotalSize, Addr: h.RightBuddy})
		}
	}

	if b.isFallbackAllocation(h.OriginIndex) {
		Logger().Debug("reusing fallback-origin block", "origin", h.OriginIndex, "bytes", size)
	}

	return block
}

func (b *Buddy[B]) isFallbackAllocation(origin int) bool {
	if !b.base.UsesGPU() {
		return false
	}
	return origin > 0
}

func (b *Buddy[B]) shouldFreeAllocations() bool {
	return (b.totalUsed+b.maximumAllocationSize)*2 < b.totalFree
}

// cleanAllocations is the release-pressure pass run at the end of every
// Free: prefer releasing fallback-origin chunks, then fall back to
// releasing normal (origin-0) chunks while total_free dwarfs total_used.
func (b *Buddy[B]) cleanAllocations() {
	b.freeFallbackAllocations()
	b.freeNormalAllocations()
}

func (b *Buddy[B]) freeFallbackAllocations() {
	for b.fallbackAllocations > 0 {
		key, ok := b.largestFallbackCandidate()
		if !ok {
			return
		}
		b.releaseToBase(key)
		b.fallbackAllocations--
	}
}

func (b *Buddy[B]) largestFallbackCandidate() (allocationKey, bool) {
	var found allocationKey
	var ok bool
	b.set.Descend(func(e allocationKey) bool {
		if e.TotalSize < b.maximumAllocationSize {
			return false
		}
		if !b.isFallbackAllocation(e.Origin) {
			return false
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

func (b *Buddy[B]) freeNormalAllocations() {
	for b.shouldFreeAllocations() {
		key, ok := b.largestOriginZeroCandidate()
		if !ok {
			return
		}
		b.releaseToBase(key)
	}
}

// largestOriginZeroCandidate walks the set in descending order, skipping
// past origin>=1 entries (already addressed by freeFallbackAllocations)
// to find the largest origin-0 entry still at full chunk size — the Go
// equivalent of reverse-iterating from lower_bound(1, 0, null).
func (b *Buddy[B]) largestOriginZeroCandidate() (allocationKey, bool) {
	var found allocationKey
	var ok bool
	b.set.Descend(func(e allocationKey) bool {
		if e.Origin >= 1 {
			return true
		}
		if e.TotalSize < b.maximumAllocationSize {
			return false
		}
		found, ok = e, true
		return false
	})
	return found, ok
}

func (b *Buddy[B]) releaseToBase(key allocationKey) {
	b.base.Free(key.Addr, b.maximumAllocationSize, key.Origin)
	b.cache.Invalidate(key.Addr)
	b.set.Delete(key)
	b.totalFree -= b.maximumAllocationSize
}

// fill overwrites a freshly carved allocation when initialize-on-alloc is
// enabled.
func (b *Buddy[B]) fill(addr driver.Address, size uintptr) {
	if !b.shouldInitialize || size == 0 {
		return
	}
	if b.base.UsesGPU() {
		b.device.MemsetSync(b.deviceID, addr, 0xFF, size)
		return
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	for i := range buf {
		buf[i] = 0xFF
	}
}

// MemoryUsed reports bytes currently handed to the application; excludes
// huge-chunk bytes — see DESIGN.md, Open Question 2.
func (b *Buddy[B]) MemoryUsed() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalUsed
}

// Close releases every tracked free base allocation back to the base
// allocator. Live ArenaChunks are the caller's
// responsibility to have freed first — Close does not hunt for them; see
// DESIGN.md, Open Question 3.
func (b *Buddy[B]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		var first allocationKey
		var ok bool
		b.set.Ascend(func(e allocationKey) bool {
			first, ok = e, true
			return false
		})
		if !ok {
			return
		}
		b.base.Free(first.Addr, b.maximumAllocationSize, first.Origin)
		b.cache.Invalidate(first.Addr)
		b.set.Delete(first)
	}
}
