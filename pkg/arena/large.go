package arena

import "github.com/flier/mozalloc/pkg/sizeclass"

// allocLarge services a Large-class request: a run of whole pages with no
// bin and no region bitmap, tracked only by its entry in availRuns/the
// chunk's page map while allocated.
func (a *Arena) allocLarge(pages int) *byte {
	r := a.allocRun(pages)
	if r == nil {
		return nil
	}
	return addrToBytePtr(r.Addr)
}

// reallocLarge implements realloc for a Large allocation: it tries to
// extend in place by absorbing an immediately following free run (the
// mozjemalloc "grow in place" fast path), shrinks in place by trimming
// the tail back to the available-run tree, and otherwise falls back to
// alloc-copy-free.
func (a *Arena) reallocLarge(addr uintptr, oldPages, newPages int) (uintptr, bool) {
	if newPages == oldPages {
		return addr, true
	}

	c := a.chunkContaining(addr)
	if c == nil {
		return 0, false
	}
	g := a.geo
	lo := c.pageIndex(g, addr)

	r := c.Pages[lo].run

	if newPages < oldPages {
		tailAddr := addr + uintptr(newPages*g.PageSize)
		tail := &Run{Chunk: c, Addr: tailAddr, Pages: oldPages - newPages}
		hi := c.pageIndex(g, tailAddr) + tail.Pages - 1
		c.Pages[c.pageIndex(g, tailAddr)].run = tail
		c.Pages[hi].run = tail
		r.Pages = newPages
		a.deallocRun(tail)
		return addr, true
	}

	// Growing: only succeeds if the immediately following pages form (or
	// start) a free run long enough to cover the extra pages.
	nextIdx := lo + oldPages
	if nextIdx >= len(c.Pages)-1 {
		return 0, false
	}
	next := c.Pages[nextIdx].run
	if next == nil || !a.isFree(next) || next.Pages < newPages-oldPages {
		return 0, false
	}

	a.availRuns.Remove(next)
	extra := newPages - oldPages
	if next.Pages > extra {
		rem := a.splitRunTail(next, extra)
		a.availRuns.Insert(rem)
	}
	a.markInUse(next)

	r.Pages = newPages
	for i := 0; i < newPages; i++ {
		c.Pages[lo+i].run = r
	}
	return addr, true
}

// chunkContaining returns the Chunk owning addr, looked up in the arena's
// address-keyed chunk index in O(log n).
func (a *Arena) chunkContaining(addr uintptr) *Chunk {
	base := addr &^ (uintptr(a.geo.ChunkSize) - 1)
	return a.chunks.Search(&Chunk{Addr: base})
}

// largeClassPages rounds a byte size up to a whole number of pages for the
// Large size class.
func largeClassPages(g Geometry, n int) int {
	_, size := sizeclass.Classify(g.Geometry, n, g.HeaderPages)
	return size / g.PageSize
}
