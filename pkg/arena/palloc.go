package arena

// PallocLarge services an aligned Large-class allocation: align is a
// power of two greater than the page size (spec.md §4.8 "Alignment >
// page: palloc_large(align, size) allocates size + align - page pages,
// identifies the aligned sub-range, trims the head and tail"). It reuses
// allocRun/splitRunTail/deallocRun exactly as reallocLarge and dealloc_run
// do, rather than introducing a separate alignment path.
func (a *Arena) PallocLarge(align, size int) *byte {
	pageSize := a.geo.PageSize
	pages := largeClassPages(a.geo, size)

	extra := align/pageSize - 1
	if extra < 0 {
		extra = 0
	}

	a.lock()
	defer a.unlock()

	r := a.allocRun(pages + extra)
	if r == nil {
		return nil
	}

	alignedAddr := (r.Addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	if lead := int(alignedAddr-r.Addr) / pageSize; lead > 0 {
		tail := a.splitRunTail(r, lead)
		a.deallocRun(r)
		r = tail
	}
	if r.Pages > pages {
		excess := a.splitRunTail(r, pages)
		a.deallocRun(excess)
	}

	// The head trim moved r's identity; repoint every page at the run
	// that survived so interior lookups resolve correctly.
	c := r.Chunk
	lo := c.pageIndex(a.geo, r.Addr)
	for i := 0; i < r.Pages; i++ {
		c.Pages[lo+i].run = r
	}

	a.stats.AllocatedLarge += int64(pages * pageSize)
	return addrToBytePtr(r.Addr)
}
