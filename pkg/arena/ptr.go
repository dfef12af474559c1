package arena

import "unsafe"

// addrToBytePtr and addrOfBytePtr convert between a raw address and a
// *byte at the boundary where this package hands memory to callers or
// receives it back via Free; everywhere else addresses are plain
// uintptr, matching pkg/vm and pkg/chunk's GC-opaque addressing.
func addrToBytePtr(addr uintptr) *byte {
	return (*byte)(unsafe.Pointer(addr))
}

func addrOfBytePtr(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// unsafeSlice views the n bytes starting at p as a slice, for Realloc's
// alloc-copy-free fallback.
func unsafeSlice(p *byte, n int) []byte {
	return unsafe.Slice(p, n)
}
