package buddyalloc

import (
	"log/slog"

	"github.com/gogpu/buddyalloc/internal/allocator"
)

// SetLogger installs the *slog.Logger the allocator core logs through. A
// nil logger restores the zero-cost default. Safe to call
// concurrently with allocator use.
func SetLogger(l *slog.Logger) { allocator.SetLogger(l) }

// Logger returns the logger currently installed.
func Logger() *slog.Logger { return allocator.Logger() }
