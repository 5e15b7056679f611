// Package buddyalloc is a heterogeneous memory allocator: a coalescing
// buddy sub-allocator sitting in front of a thin per-place system
// allocator, so repeatedly-freed blocks are reused instead of returned to
// the host or device allocator every time.
//
// # Quick start
//
//	dev := noop.New(2, 1<<30) // 2 simulated devices, 1GiB each
//	if err := buddyalloc.Init(dev, nil); err != nil {
//	    // ...
//	}
//	defer buddyalloc.Shutdown()
//
//	addr, err := buddyalloc.Malloc(buddyalloc.HostCpu(), 4096)
//	// ...
//	buddyalloc.Free(buddyalloc.HostCpu(), addr)
//
// # Places
//
// Every allocation lives in a Place: HostCpu() or Device(i) for
// i in [0, device_count). Device(i) for an out-of-range i is a programming
// error and panics, not an error return — see errors.go.
//
// # Driver backends
//
// buddyalloc itself never talks to hardware; it drives the allocation
// through a driver.Device. driver/noop is an in-process simulated backend
// good for tests and CPU-only hosts. A production backend binds driver.Device
// to real hardware via github.com/go-webgpu/goffi, the same FFI layer the
// teacher project uses for its GPU backends.
//
// # Thread safety
//
// Init, Shutdown, Malloc, Free, and MemoryUsed are all safe for concurrent
// use.
package buddyalloc
