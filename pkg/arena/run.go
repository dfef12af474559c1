package arena

import (
	"github.com/flier/mozalloc/pkg/rbtree"
)

// Run is a contiguous span of pages within a [Chunk], either free (tracked
// in the arena's available-run tree) or carved into fixed-size regions for
// one [Bin], or serving a single Large allocation. It is the mozalloc
// analogue of arena_run_t, kept as an ordinary Go struct rather than an
// in-band header for the same reason given in chunk.go's package doc.
type Run struct {
	Chunk *Chunk
	Addr  uintptr
	Pages int

	// Free is the number of free regions (bin runs) or, for a free run not
	// yet carved into any bin, simply true when Free == Pages.
	Free int

	// Bin is nil for a free run or a Large allocation's run; otherwise it
	// identifies which bin carved this run into regions.
	Bin *Bin

	// Bitmap tracks per-region allocation state for a bin run: one bit per
	// region, set when the region is allocated. It replaces mozjemalloc's
	// in-run bitmap (stored at the run's tail) with an ordinary Go slice,
	// same rationale as pageEntry.
	Bitmap []uint64

	// NextFree is a hint for first-fit search: every region below it is
	// allocated, so the search starts there. It moves past each region the
	// search hands out and is lowered by freeRegion when a region below it
	// becomes free again.
	NextFree int

	// inNonfull reports whether this run is currently linked into its
	// bin's nonfull tree (spec.md §4.6's bin.nonfull_runs), as opposed to
	// being the bin's current run or not tracked anywhere (a full run).
	inNonfull bool

	Link rbtree.Linkage[Run]
}

func (r *Run) size(g Geometry) uintptr { return uintptr(r.Pages * g.PageSize) }

func (r *Run) end(g Geometry) uintptr { return r.Addr + r.size(g) }

// runBySizeAddr orders the available-run tree by (size, address), so
// [rbtree.Tree.First] with a synthetic zero-address key of the requested
// size finds the best-fit-by-size, lowest-address run in O(log n), spec.md
// §4.6's "first-fit-by-address among best-fit-by-size" policy.
type runBySizeAddr struct{}

func (runBySizeAddr) Link(r *Run) *rbtree.Linkage[Run] { return &r.Link }

func (runBySizeAddr) Compare(a, b *Run) int {
	switch {
	case a.Pages < b.Pages:
		return -1
	case a.Pages > b.Pages:
		return 1
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	default:
		return 0
	}
}

// allocRun removes the best-fit free run of at least minPages from
// availRuns, splitting off and reinserting any remainder, mapping a fresh
// chunk first if none is large enough. It returns nil if the arena is out
// of address space.
func (a *Arena) allocRun(minPages int) *Run {
	key := &Run{Pages: minPages, Addr: 0}
	r := a.availRuns.First(key)
	if r == nil {
		c, ok := a.growChunk()
		if !ok {
			return nil
		}
		r = c.Pages[headerPages].run
		if r.Pages < minPages {
			// Even a whole fresh chunk can't hold this; callers stay
			// within MaxLarge, so this only trips on misuse.
			return nil
		}
	}

	a.availRuns.Remove(r)

	if r.Pages > minPages {
		rem := a.splitRunTail(r, minPages)
		a.availRuns.Insert(rem)
	}

	// A recycled Run may still carry the bin bookkeeping from an earlier
	// life; every run leaves here as a plain page span.
	r.Bin = nil
	r.Bitmap = nil
	r.Free = 0
	r.NextFree = 0

	a.markInUse(r)
	return r
}

// splitRunTail splits r into a head of headPages pages (r itself, mutated
// in place) and a tail run covering the rest (returned, and re-pointed-to
// by the chunk's page map). The head keeps r's identity; a new Run is
// allocated for the tail.
func (a *Arena) splitRunTail(r *Run, headPages int) *Run {
	g := a.geo
	tailAddr := r.Addr + uintptr(headPages*g.PageSize)
	tailPages := r.Pages - headPages

	tail := &Run{Chunk: r.Chunk, Addr: tailAddr, Pages: tailPages, Free: tailPages}

	c := r.Chunk
	lo := c.pageIndex(g, tailAddr)
	hi := lo + tailPages - 1
	c.Pages[lo].run = tail
	c.Pages[hi].run = tail

	r.Pages = headPages
	hiHead := c.pageIndex(g, r.Addr) + headPages - 1
	c.Pages[hiHead].run = r

	return tail
}

// markInUse flags every page of r as in-use (spec.md §3's page-state
// invariant) and points every page-map entry at r, so a free or usable-size
// lookup landing on an interior page of a multi-page run still resolves to
// the right run. Callers have already removed r from availRuns.
func (a *Arena) markInUse(r *Run) {
	g := a.geo
	c := r.Chunk
	lo := c.pageIndex(g, r.Addr)
	for i := 0; i < r.Pages; i++ {
		switch c.Pages[lo+i].state {
		case pageFresh:
			c.NFresh--
			a.freshPages--
		case pageDirty:
			c.NDirty--
			a.dirtyPages--
		case pageMadvised:
			c.NMadvised--
			a.madvisedPages--
		}
		c.Pages[lo+i].state = pageInUse
		c.Pages[lo+i].run = r
	}
	if c.NDirty == 0 && c.inDirty {
		a.dirtyChunks.Remove(c)
		c.inDirty = false
	}
}

// markFree flags every page of r as dirty (it held a live allocation and
// is now free, spec.md §3) and records the chunk in the dirty-chunk tree.
func (a *Arena) markFree(r *Run) {
	g := a.geo
	c := r.Chunk
	lo := c.pageIndex(g, r.Addr)
	for i := 0; i < r.Pages; i++ {
		c.Pages[lo+i].state = pageDirty
	}
	c.NDirty += r.Pages
	a.dirtyPages += r.Pages
	if !c.inDirty {
		a.dirtyChunks.Insert(c)
		c.inDirty = true
	}
}

// deallocRun returns r to the available-run tree, coalescing with an
// immediately adjacent free run on either side first (spec.md §4.6
// "adjacent free runs are always coalesced immediately").
func (a *Arena) deallocRun(r *Run) {
	a.markFree(r)

	g := a.geo
	c := r.Chunk

	if lo := c.pageIndex(g, r.Addr); lo > headerPages {
		if prev := c.Pages[lo-1].run; prev != nil && a.isFree(prev) {
			a.availRuns.Remove(prev)
			prev.Pages += r.Pages
			hi := c.pageIndex(g, prev.Addr) + prev.Pages - 1
			c.Pages[hi].run = prev
			r = prev
		}
	}

	if hi := c.pageIndex(g, r.end(g)-1); hi+1 < len(c.Pages)-1 {
		if next := c.Pages[hi+1].run; next != nil && a.isFree(next) {
			a.availRuns.Remove(next)
			r.Pages += next.Pages
			c.Pages[hi+1+next.Pages-1].run = r
		}
	}

	// If r now spans the whole usable chunk, release the chunk rather than
	// reinserting its run (spec.md §4.7's dealloc_chunk / spare-chunk
	// policy).
	if headerPages+r.Pages+1 == len(c.Pages) {
		c.Pages[headerPages].run = r
		a.deallocChunk(c)
	} else {
		c.Pages[c.pageIndex(g, r.Addr)].run = r
		c.Pages[c.pageIndex(g, r.end(g)-1)].run = r
		a.availRuns.Insert(r)
	}

	if md := a.EffectiveMaxDirty(); a.dirtyPages > int(md) {
		a.purgeLocked(md)
	}
}

func (a *Arena) isFree(r *Run) bool {
	lo := r.Chunk.pageIndex(a.geo, r.Addr)
	st := r.Chunk.Pages[lo].state
	return st == pageFresh || st == pageDirty || st == pageMadvised || st == pageDecommitted
}
