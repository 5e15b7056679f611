//go:build unix

package noop

import "golang.org/x/sys/unix"

// allocPinned maps size bytes of anonymous, page-locked memory directly
// from the OS — real pinned host memory, not a simulation, matching what
// a production CUDA/ROCm backend's cudaHostAlloc/hipHostMalloc would hand
// back. Grounded on the mmap+mlock pattern in balloc's BuddyPool
// (buddy.go) and cloudwego-gopkg's iouring.go.
func allocPinned(size uintptr) []byte {
	if size == 0 {
		return nil
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}
	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil
	}
	return buf
}

func freePinned(buf []byte) {
	if len(buf) == 0 {
		return
	}
	unix.Munlock(buf)
	unix.Munmap(buf)
}
