package arena

import "github.com/flier/mozalloc/pkg/sizeclass"

// Alloc services a request of n bytes, classifying it and dispatching to
// the bin manager (small classes) or the run manager (Large); Huge
// requests are the caller's responsibility (spec.md's huge layer,
// pkg/huge), never reaching an Arena.
func (a *Arena) Alloc(n int) *byte {
	class, size := sizeclass.Classify(a.geo.Geometry, n, a.geo.HeaderPages)

	a.lock()
	defer a.unlock()

	if class.IsSmall() {
		b := a.binFor(size)
		p := a.allocRegion(b)
		if p != nil {
			a.stats.AllocatedSmall += int64(size)
		}
		return p
	}

	pages := size / a.geo.PageSize
	p := a.allocLarge(pages)
	if p != nil {
		a.stats.AllocatedLarge += int64(size)
	}
	return p
}

// Free releases a previously allocated block at p back to a. The page map
// is the authority on what p actually is: a small region frees through its
// run's bin, a Large run goes back to the run layer. n is the caller's
// notion of the size and is ignored — after an in-place realloc the
// caller's n can legitimately be smaller than the size class p was carved
// from.
func (a *Arena) Free(p *byte, n int) {
	_ = n

	a.lock()
	defer a.unlock()

	addr := addrOfBytePtr(p)
	c := a.chunkContaining(addr)
	if c == nil {
		panic("arena: free of address not owned by this arena")
	}
	r := c.Pages[c.pageIndex(a.geo, addr)].run
	if r == nil || c.Pages[c.pageIndex(a.geo, addr)].state != pageInUse {
		panic("arena: free of an address not matching any live run")
	}

	if r.Bin != nil {
		size := r.Bin.RegionSize
		a.freeRegion(r.Bin, r, p)
		a.stats.AllocatedSmall -= int64(size)
		return
	}

	size := r.Pages * a.geo.PageSize
	a.deallocRun(r)
	a.stats.AllocatedLarge -= int64(size)
}

// Realloc resizes the allocation at p from oldN to newN bytes, returning
// the (possibly moved) pointer. When it falls back to alloc-copy-free
// (signalled by the returned pointer differing from p), it copies the
// overlap into the new block and frees p itself.
func (a *Arena) Realloc(p *byte, oldN, newN int) *byte {
	oldClass, oldSize := sizeclass.Classify(a.geo.Geometry, oldN, a.geo.HeaderPages)
	newClass, newSize := sizeclass.Classify(a.geo.Geometry, newN, a.geo.HeaderPages)

	// A small allocation that still fits its region never moves: the
	// region stays carved at its original size class, so a later free or
	// usable-size lookup still sees the original class.
	if oldClass.IsSmall() && newClass.IsSmall() && newSize <= oldSize {
		return p
	}

	if oldClass == sizeclass.Large && newClass == sizeclass.Large {
		a.lock()
		addr, ok := a.reallocLarge(addrOfBytePtr(p), oldSize/a.geo.PageSize, newSize/a.geo.PageSize)
		if ok {
			a.stats.AllocatedLarge += int64(newSize - oldSize)
			a.unlock()
			return addrToBytePtr(addr)
		}
		a.unlock()
	}

	np := a.Alloc(newN)
	if np == nil {
		return nil
	}
	copyBytes(np, p, min(oldSize, newSize))
	a.Free(p, oldN)
	return np
}

func (a *Arena) binFor(size int) *Bin {
	for i := range a.bins {
		if a.bins[i].RegionSize >= size {
			return &a.bins[i]
		}
	}
	panic("arena: no bin for size class")
}

func copyBytes(dst, src *byte, n int) {
	d := unsafeSlice(dst, n)
	s := unsafeSlice(src, n)
	copy(d, s)
}
