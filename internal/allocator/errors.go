package allocator

import "fmt"

// FatalError marks an invariant violation: corrupted metadata, a
// use-after-free, or any other condition the allocator cannot recover
// from without risking silent memory corruption. A FatalError is raised
// via panic, never returned — the caller broke an invariant the
// allocator depends on for every other guarantee it makes, so
// continuing is not safe.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

// fatal logs the failure at Error level and panics with a *FatalError.
// Grounded on majel/malloc/detail's liberal use of assert() for the same
// class of condition (guard mismatch, missing cache entry, exhausted
// destructor invariant).
func fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Logger().Error(msg)
	panic(&FatalError{msg: msg})
}

// Fatal is fatal's exported form, for callers outside this package that
// need to raise the same class of invariant violation — namely the root
// package's double-init and shutdown-without-init checks, which belong
// next to Init/Shutdown rather than inside this package.
func Fatal(format string, args ...any) { fatal(format, args...) }
