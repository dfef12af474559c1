// Package arena implements the allocator's arena layer: carving chunks
// into page runs and runs into fixed-size regions, the per-size-class bin
// manager, and the per-arena purge/spare-chunk policy.
//
// It is grounded on mozjemalloc's arena_t and the run/bin machinery in
// mozjemalloc.cpp (see _examples/original_source/memory/build/
// mozjemalloc.cpp, the arena_run_t/arena_bin_t/arena_chunk_t section), built
// on top of pkg/chunk for the raw 1 MiB ranges, pkg/sizeclass for
// classification, and pkg/rbtree for the available-run and dirty-chunk
// trees.
//
// One deliberate Go-idiomatic departure from the source: mozjemalloc packs
// each page's bookkeeping into a single machine word (run address/size in
// the high bits, status flags in the low bits) so that an arena_chunk_t's
// page map costs exactly one word per page. Go has no convenient way to
// overlay a struct directly onto raw, unscanned OS memory without fighting
// the garbage collector, and there is no register-pressure reason to
// bit-pack in the first place, so each page's state here is an ordinary
// Go struct kept in a GC-visible slice addressed by page index. Every
// invariant spec.md §3 states about the page map (page is exactly one of
// {fresh, madvised, decommitted, dirty, in-use}; allocated+large
// distinguish run-of-regions vs single large vs allocated-tail) is
// preserved exactly; only the encoding changes.
package arena

import (
	"github.com/flier/mozalloc/pkg/chunk"
	"github.com/flier/mozalloc/pkg/rbtree"
	"github.com/flier/mozalloc/pkg/vm"
)

// pageState is the mutually-exclusive state of a single page, matching the
// "exactly one of {fresh, madvised, decommitted, dirty, in-use}" invariant.
type pageState uint8

const (
	pageFresh pageState = iota
	pageDirty
	pageMadvised
	pageDecommitted
	pageInUse
)

// pageEntry is one arena_chunk_map_t-equivalent slot: what the page is
// doing right now, and (for the first/last page of a free run, or any page
// of an allocated run) a pointer back to the owning [Run], the
// Go-idiomatic replacement for recomputing the run's address from the
// page's bit-packed size field.
type pageEntry struct {
	state pageState
	run   *Run // every page of an allocated run points at it; of a free run, only the first and last page are kept current.
}

// headerPages is the number of pages at the start of every arena chunk
// reserved for bookkeeping, matching gChunkHeaderNumPages. Since this
// module keeps chunk metadata in ordinary Go structs rather than in-band,
// these pages carry no actual header content, but they are still reserved
// and decommitted, exactly mirroring the source's guard-page discipline
// and keeping the page-count arithmetic (and the "one chunk minus header
// minus guard" large-size-class ceiling) identical to spec.md §3/§4.5.
const headerPages = 1

// Chunk is one arena-owned 1 MiB range, carved into runs. It is the
// mozalloc analogue of arena_chunk_t, minus the in-band header mozjemalloc
// places at the chunk's own first pages (see the package doc comment).
type Chunk struct {
	Addr  uintptr
	Pages []pageEntry // one entry per page.Page of the chunk, including header/guard.

	geo   Geometry
	owner *Arena

	// DirtyLink is this chunk's linkage in Arena.dirtyChunks, the
	// per-arena "chunks with at least one dirty page" tree spec.md §4.7's
	// Purge walks in reverse.
	DirtyLink rbtree.Linkage[Chunk]
	inDirty   bool

	// AllLink is this chunk's linkage in Arena.chunks, the address-keyed
	// index of every chunk the arena currently owns, used to resolve a
	// Large/huge-adjacent free or realloc back to its owning Chunk.
	AllLink rbtree.Linkage[Chunk]

	// MadvisedNext chains this chunk into the arena's double-purge list
	// (MALLOC_DOUBLE_PURGE), walked by HardPurge.
	MadvisedNext *Chunk
	inMadvised   bool

	NDirty, NFresh, NMadvised int
}

func (g Geometry) pagesPerChunk() int { return g.ChunkSize / g.PageSize }

// pageIndex returns the page index of addr within c.
func (c *Chunk) pageIndex(g Geometry, addr uintptr) int {
	return int((addr - c.Addr) / uintptr(g.PageSize))
}

func (c *Chunk) pageAddr(g Geometry, idx int) uintptr {
	return c.Addr + uintptr(idx*g.PageSize)
}

// newChunk maps a fresh chunk via mgr, decommits its header and trailing
// guard page, marks the remaining pages fresh, and installs one free Run
// spanning them, exactly the "init of new chunk" procedure in spec.md
// §4.6.
func newChunk(g Geometry, mgr *chunk.Manager, a *Arena) (*Chunk, bool) {
	addr, ok := mgr.Alloc(uintptr(g.ChunkSize), uintptr(g.ChunkSize), false)
	if !ok {
		return nil, false
	}

	n := g.pagesPerChunk()
	c := &Chunk{Addr: addr, Pages: make([]pageEntry, n), geo: g, owner: a}

	// Header pages: reserved and decommitted, never touched.
	for i := 0; i < headerPages; i++ {
		c.Pages[i].state = pageDecommitted
	}
	vm.Decommit(addr, headerPages*g.PageSize)

	// Trailing guard page: always decommitted, matching "the final page is
	// always a decommitted guard page".
	c.Pages[n-1].state = pageDecommitted
	vm.Decommit(c.pageAddr(g, n-1), g.PageSize)

	// Everything between is fresh (committed, never written) and forms a
	// single free run.
	runPages := n - headerPages - 1
	for i := headerPages; i < n-1; i++ {
		c.Pages[i].state = pageFresh
	}
	c.NFresh = runPages

	r := &Run{Chunk: c, Addr: c.pageAddr(g, headerPages), Pages: runPages, Free: runPages}
	c.Pages[headerPages].run = r
	c.Pages[n-2].run = r

	return c, true
}

// dealloc returns c's address range to mgr.
func (c *Chunk) dealloc(mgr *chunk.Manager) {
	size := uintptr(len(c.Pages)) * uintptr(c.geo.PageSize)
	mgr.Dealloc(c.Addr, size, arenaChunkType())
}
