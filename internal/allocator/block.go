package allocator

import (
	"unsafe"

	"github.com/dolthub/maphash"

	"github.com/gogpu/buddyalloc/driver"
)

// BlockType identifies what a block currently holds.
type BlockType int

const (
	// Invalid is the default/poison value — never a valid live block type.
	Invalid BlockType = iota
	// Free marks a sub-block currently sitting in a buddy's AllocationSet.
	Free
	// ArenaChunk marks a sub-block currently handed to the caller.
	ArenaChunk
	// HugeChunk marks a whole base allocation too large for the buddy,
	// bypassing it entirely.
	HugeChunk
)

func (t BlockType) String() string {
	switch t {
	case Free:
		return "free"
	case ArenaChunk:
		return "arena_chunk"
	case HugeChunk:
		return "huge_chunk"
	default:
		return "invalid"
	}
}

// Header is the in-band metadata prepended to every block, grounded on
// majel/malloc/detail/memory_block_metadata.h. Two independent guard hashes
// bracket the payload-describing fields; any mismatch on read is a fatal
// corruption signal.
type Header struct {
	GuardBegin  uint64
	Type        BlockType
	OriginIndex int
	PayloadSize uintptr
	TotalSize   uintptr
	LeftBuddy   driver.Address
	RightBuddy  driver.Address
	GuardEnd    uint64
}

// headerHasher computes the two guard hashes. A single seeded hasher is
// reused for both guards; what makes guard_begin and guard_end distinct is
// the different initial seed folded into the combine chain (1 and 2), not a
// different hash function — matching
// majel/malloc/detail/memory_block_metadata.cc's hash(metadata, seed).
var headerHasher = maphash.NewHasher[uint64]()

func combine(seed, v uint64) uint64 {
	h := headerHasher.Hash(v)
	return seed ^ (h + 0x9e3779b9 + (seed << 6) + (seed >> 2))
}

func guardHash(h *Header, initialSeed uint64) uint64 {
	seed := initialSeed
	seed = combine(seed, uint64(h.Type))
	seed = combine(seed, uint64(h.OriginIndex))
	seed = combine(seed, uint64(h.PayloadSize))
	seed = combine(seed, uint64(h.TotalSize))
	seed = combine(seed, uint64(h.LeftBuddy))
	seed = combine(seed, uint64(h.RightBuddy))
	return seed
}

// updateGuards recomputes both guard hashes from the other fields. Every
// write of a Header must call this before the header becomes visible to
// another reader.
func updateGuards(h *Header) {
	h.GuardBegin = guardHash(h, 1)
	h.GuardEnd = guardHash(h, 2)
}

// checkGuards reports whether both guard hashes match the other fields.
func checkGuards(h *Header) bool {
	return h.GuardBegin == guardHash(h, 1) && h.GuardEnd == guardHash(h, 2)
}

// headerSize is the per-block metadata overhead, constant for the life of
// the process.
const headerSize = unsafe.Sizeof(Header{})

// Overhead returns the number of bytes of metadata prepended to every
// block.
func Overhead() uintptr { return headerSize }
