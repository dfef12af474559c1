package mozalloc

import "unsafe"

// bytePtr and addrOf convert between a raw address and a *byte at the
// boundary where this package hands memory to callers or receives it back,
// the same discipline pkg/arena's ptr.go follows for its own boundary.
func bytePtr(addr uintptr) *byte {
	return (*byte)(unsafe.Pointer(addr))
}

func addrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// offsetPtr returns the pointer n bytes past p, used to zero-fill only the
// newly grown tail of an in-place realloc rather than the whole region.
func offsetPtr(p *byte, n int) *byte {
	return bytePtr(addrOf(p) + uintptr(n))
}

func bytesAt(p *byte, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(p, n)
}

// zero fills n bytes at p with zero, the "Z" option's fill.
func zero(p *byte, n int) {
	clear(bytesAt(p, n))
}

// junkByte is the fill pattern opt_junk writes over freshly allocated or
// just-freed memory, matching mozjemalloc's 0xe4/0xe5 debug poison bytes
// (kAllocJunk is what a freshly returned-but-unwritten allocation reads as
// under "J"; free poisons with a distinct byte so a use-after-free reads
// back obviously wrong rather than merely zero).
const junkByte = 0xe5

// junk overwrites n bytes at p with the poison pattern, the "J" option's
// fill applied to memory just handed back via free.
func junk(p *byte, n int) {
	b := bytesAt(p, n)
	for i := range b {
		b[i] = junkByte
	}
}

// copyPtr copies n bytes from src to dst, the alloc-copy-free fallback's
// payload move.
func copyPtr(dst, src *byte, n int) {
	copy(bytesAt(dst, n), bytesAt(src, n))
}

// fillFreed applies the configured free-time fill to n bytes at p: "J"
// junk-fills the whole block, otherwise "q"/"Q" poison a bounded prefix
// (Poison cache lines, or everything when negative). Junk and poison use
// the same byte; they differ only in how much of the block they cover.
func (m *Allocator) fillFreed(p *byte, n int) {
	switch {
	case m.opts.Junk:
		junk(p, n)
	case m.opts.Poison < 0:
		junk(p, n)
	case m.opts.Poison > 0:
		junk(p, min(n, m.opts.Poison*cacheLineSize))
	}
}

const cacheLineSize = 64

// pageCeil rounds n up to a whole number of runtime pages, the usable size
// of a huge allocation's committed prefix.
func (m *Allocator) pageCeil(n int) int {
	p := m.geo.PageSize
	return (n + p - 1) &^ (p - 1)
}
