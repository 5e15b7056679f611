package buddyalloc

import (
	"errors"

	"github.com/gogpu/buddyalloc/internal/allocator"
)

// Sentinel errors a caller can branch on. Transient exhaustion is not
// among these — that path returns a Nil Address, not an error; see
// malloc.go. An invalid device index for a Place, a double Init, and a
// Shutdown without a prior Init are likewise not among these: all three
// are fatal runtime errors, not recoverable conditions — they panic with
// a *FatalError from deep inside internal/allocator, the same as every
// other invariant violation (guard-hash mismatch, double invalidate,
// out-of-range free origin).
var (
	// ErrNotInitialized is returned by Malloc, Free, and MemoryUsed when
	// called before a successful Init.
	ErrNotInitialized = errors.New("buddyalloc: not initialized")
)

// FatalError is re-exported so callers can recognize a recovered panic as
// one of this module's own invariant violations rather than an unrelated
// crash.
type FatalError = allocator.FatalError
