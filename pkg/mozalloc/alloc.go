package mozalloc

import (
	"github.com/flier/mozalloc/pkg/arena"
	"github.com/flier/mozalloc/pkg/sizeclass"
)

// Malloc implements malloc(size): classify, route to huge/PHC/arena, and
// zero-fill if the "Z" option is set.
func (m *Allocator) Malloc(size int) *byte {
	if size == 0 {
		size = 1 // matches mozjemalloc's "malloc(0) returns a unique, freeable pointer".
	}

	if m.phcC != nil && m.phcC.Eligible(size) && m.phcC.ShouldSample() {
		if addr, ok := m.phcC.Alloc(size); ok {
			p := bytePtr(addr)
			if m.opts.Zero {
				zero(p, size)
			}
			return p
		}
	}

	class, rounded := sizeclass.Classify(m.geo.Geometry, size, m.geo.HeaderPages)
	var p *byte
	if class == sizeclass.Huge {
		addr, ok := m.hugeMgr.Alloc(size, 0, m.defaultID)
		if !ok {
			return nil
		}
		p = bytePtr(addr)
		rounded = m.pageCeil(size) // the usable prefix; the chunk-ceiled tail is decommitted.
	} else {
		a := m.arenaFor(size)
		p = a.Alloc(size)
	}

	if p == nil {
		return nil
	}
	if m.opts.Zero {
		zero(p, rounded)
	}
	return p
}

// Calloc implements calloc(n, size): overflow-checked multiplication, then
// Malloc plus unconditional zero-fill regardless of the "Z" option — calloc
// always zeroes by contract, not just when junk/zero-fill is configured.
func (m *Allocator) Calloc(n, size int) *byte {
	if n != 0 && size > (maxAllocSize/n) {
		return nil // overflow
	}
	total := n * size
	p := m.Malloc(total)
	if p == nil {
		return nil
	}
	if !m.opts.Zero {
		zero(p, total)
	}
	return p
}

const maxAllocSize = int(^uint(0) >> 1)

// Free implements free(ptr): routes ptr to PHC, the huge layer, or its
// owning arena, and is a no-op for nil. n is the size originally
// requested; callers that don't track it (C's free(ptr) has no size)
// should use [Allocator.FreeUnsized].
func (m *Allocator) Free(ptr *byte, n int) {
	if ptr == nil {
		return
	}
	addr := addrOf(ptr)

	m.fillFreed(ptr, n)

	if m.phcC != nil && m.phcC.Owns(addr) {
		m.phcC.Free(addr)
		return
	}

	class, rounded := sizeclass.Classify(m.geo.Geometry, n, m.geo.HeaderPages)
	if class == sizeclass.Huge {
		m.hugeMgr.Free(addr, m.defaultID)
		return
	}

	a, ok := m.ownerOf(addr)
	if !ok {
		panic("mozalloc: free of address not owned by any arena")
	}
	a.Free(ptr, rounded)
}

// FreeUnsized releases ptr when its originally requested size is not
// known to the caller, consulting PHC's per-slot size and the huge
// layer's per-extent size before falling back to each arena's own page
// map, mirroring free(ptr)'s actual lack of a size parameter in C.
func (m *Allocator) FreeUnsized(ptr *byte) {
	if ptr == nil {
		return
	}
	addr := addrOf(ptr)

	if m.phcC != nil && m.phcC.Owns(addr) {
		if size, ok := m.phcC.Size(addr); ok {
			m.fillFreed(ptr, size)
			m.phcC.Free(addr)
			return
		}
	}

	if size, ok := m.hugeMgr.Size(addr); ok {
		m.fillFreed(ptr, size)
		m.hugeMgr.Free(addr, m.defaultID)
		return
	}

	a, ok := m.ownerOf(addr)
	if !ok {
		panic("mozalloc: free of address not owned by any arena")
	}
	size, ok := m.usableSize(a, addr)
	if !ok {
		panic("mozalloc: free of an address not matching any live allocation")
	}
	m.fillFreed(ptr, size)
	a.Free(ptr, size)
}

// Realloc implements realloc(ptr, newSize): ptr == nil behaves as Malloc,
// newSize == 0 behaves as Free. PHC- and huge-owned allocations never move
// in place across layers: a PHC slot is fixed size, and a huge-to-arena
// (or vice versa) resize always falls back to alloc-copy-free.
func (m *Allocator) Realloc(ptr *byte, oldSize, newSize int) *byte {
	if ptr == nil {
		return m.Malloc(newSize)
	}
	if newSize == 0 {
		m.Free(ptr, oldSize)
		return nil
	}

	addr := addrOf(ptr)

	if m.phcC != nil && m.phcC.Owns(addr) {
		return m.reallocCopy(ptr, oldSize, newSize)
	}

	oldClass, _ := sizeclass.Classify(m.geo.Geometry, oldSize, m.geo.HeaderPages)
	newClass, _ := sizeclass.Classify(m.geo.Geometry, newSize, m.geo.HeaderPages)

	if oldClass == sizeclass.Huge && newClass == sizeclass.Huge {
		if newAddr, ok, _ := m.hugeMgr.Realloc(addr, oldSize, newSize, m.defaultID); ok {
			p := bytePtr(newAddr)
			oldP, newP := m.pageCeil(oldSize), m.pageCeil(newSize)
			if m.opts.Zero && newP > oldP {
				zero(offsetPtr(p, oldP), newP-oldP)
			}
			return p
		}
		return m.reallocCopy(ptr, oldSize, newSize)
	}

	if oldClass != sizeclass.Huge && newClass != sizeclass.Huge {
		a, ok := m.ownerOf(addr)
		if !ok {
			panic("mozalloc: realloc of address not owned by any arena")
		}
		return a.Realloc(ptr, oldSize, newSize)
	}

	return m.reallocCopy(ptr, oldSize, newSize)
}

func (m *Allocator) reallocCopy(ptr *byte, oldSize, newSize int) *byte {
	np := m.Malloc(newSize)
	if np == nil {
		return nil
	}
	copyPtr(np, ptr, min(oldSize, newSize))
	m.Free(ptr, oldSize)
	return np
}

// arenaFor picks the arena an unqualified allocation of size bytes goes
// to: the calling goroutine's pin if any and the size is small enough to
// benefit, otherwise the default arena.
func (m *Allocator) arenaFor(size int) *arena.Arena {
	def, _ := m.col.Lookup(m.defaultID).Get()
	return arena.Select(size, def)
}

// usableSize resolves ptr's allocated size by walking a's chunk/page map,
// the fallback path for a free() call that carries no size. It delegates
// to Arena.UsableSize, which mirrors malloc_usable_size's own strategy:
// the only reliable source is which bin's run (or which Large run) the
// page belongs to.
func (m *Allocator) usableSize(a *arena.Arena, addr uintptr) (int, bool) {
	return a.UsableSize(addr)
}

// MallocUsableSize implements malloc_usable_size(ptr): the actual number
// of bytes available at ptr, which may exceed what was requested due to
// size-class rounding.
func (m *Allocator) MallocUsableSize(ptr *byte) int {
	if ptr == nil {
		return 0
	}
	addr := addrOf(ptr)

	if m.phcC != nil && m.phcC.Owns(addr) {
		size, _ := m.phcC.Size(addr)
		return size
	}
	if size, ok := m.hugeMgr.Size(addr); ok {
		return size
	}
	if a, ok := m.ownerOf(addr); ok {
		if size, ok := a.UsableSize(addr); ok {
			return size
		}
	}
	return 0
}

// MallocGoodSize implements malloc_good_size(size): the size a request of
// size bytes is actually rounded up to, without performing any allocation.
func (m *Allocator) MallocGoodSize(size int) int {
	return sizeclass.GoodSize(m.geo.Geometry, size, m.geo.HeaderPages)
}
