package mozalloc

import (
	"github.com/flier/mozalloc/pkg/arena"
	"github.com/flier/mozalloc/pkg/sizeclass"
)

// ArenaParams configures a new arena, the moz_create_arena_with_params
// surface: max_dirty override, the randomize_small/thread flags, and the
// sign-clamped max-dirty-modifier override.
type ArenaParams struct {
	MaxDirty     int
	Randomize    arena.Randomize
	MainThread   bool
	ModifierSign arena.ModifierSign
}

// CreateArena implements moz_create_arena_with_params: constructs a new
// private arena (never the implicit default/public one) and registers it
// with the collection, returning its id.
func (m *Allocator) CreateArena(p ArenaParams) uint64 {
	thread := arena.AnyThread
	if p.MainThread {
		thread = arena.MainThreadOnly
	}

	maxDirty := p.MaxDirty
	if maxDirty == 0 {
		maxDirty = m.maxDirty
	}

	a := arena.New(0, m.geo, m.chunks, arena.Params{
		MaxDirty:     maxDirty,
		Randomize:    p.Randomize,
		Thread:       thread,
		ModifierSign: p.ModifierSign,
		Private:      true,
	})
	m.wireChunkTracking(a)

	id := m.col.Create(a, true, p.MainThread)
	a.ID = id
	return id
}

// DisposeArena implements moz_dispose_arena(id): the arena must be empty
// (no live allocations anywhere in it, including huge ones still carrying
// its id) or this release-asserts.
func (m *Allocator) DisposeArena(id uint64) {
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		panic("mozalloc: dispose of an unknown arena id")
	}
	stats := a.Stats()
	if stats.AllocatedSmall != 0 || stats.AllocatedLarge != 0 {
		panic("mozalloc: dispose of a non-empty arena")
	}
	if m.hugeMgr.AllocatedFor(id) != 0 {
		panic("mozalloc: dispose of an arena with live huge allocations")
	}

	if !m.col.Dispose(id, func(candidate uint64) bool { return candidate == m.defaultID }) {
		panic("mozalloc: dispose of the default arena")
	}
	a.Destroy()
}

// ArenaMalloc implements moz_arena_malloc(id, n): as Malloc, but always
// against the named arena rather than the calling goroutine's pin or the
// process default.
func (m *Allocator) ArenaMalloc(id uint64, n int) *byte {
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		return nil
	}
	return m.mallocIn(a, id, n)
}

// ArenaFree implements moz_arena_free(id, p, n).
func (m *Allocator) ArenaFree(id uint64, p *byte, n int) {
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		panic("mozalloc: free against an unknown arena id")
	}
	m.freeIn(a, id, p, n)
}

// ArenaRealloc implements moz_arena_realloc(id, p, oldN, newN). This
// asymmetry is deliberate: a private arena's own realloc always stays on
// that arena (never migrates via choose_arena), unlike the global
// Realloc's huge-allocation path which is free to move a public
// allocation to a different public arena.
func (m *Allocator) ArenaRealloc(id uint64, p *byte, oldN, newN int) *byte {
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		return nil
	}
	if p == nil {
		return m.mallocIn(a, id, newN)
	}
	if newN == 0 {
		m.freeIn(a, id, p, oldN)
		return nil
	}

	addr := addrOf(p)
	oldClass, _ := sizeclass.Classify(m.geo.Geometry, oldN, m.geo.HeaderPages)
	newClass, _ := sizeclass.Classify(m.geo.Geometry, newN, m.geo.HeaderPages)

	if oldClass == sizeclass.Huge && newClass == sizeclass.Huge {
		if newAddr, ok, _ := m.hugeMgr.Realloc(addr, oldN, newN, id); ok {
			np := bytePtr(newAddr)
			oldP, newP := m.pageCeil(oldN), m.pageCeil(newN)
			if m.opts.Zero && newP > oldP {
				zero(offsetPtr(np, oldP), newP-oldP)
			}
			return np
		}
		return m.reallocCopyIn(a, id, p, oldN, newN)
	}
	if oldClass != sizeclass.Huge && newClass != sizeclass.Huge {
		return a.Realloc(p, oldN, newN)
	}
	return m.reallocCopyIn(a, id, p, oldN, newN)
}

func (m *Allocator) reallocCopyIn(a *arena.Arena, id uint64, p *byte, oldN, newN int) *byte {
	np := m.mallocIn(a, id, newN)
	if np == nil {
		return nil
	}
	copyPtr(np, p, min(oldN, newN))
	m.freeIn(a, id, p, oldN)
	return np
}

// mallocIn is the shared body behind ArenaMalloc and ArenaRealloc's
// alloc-copy-free fallback: classify, then route to the huge layer
// (tagged with id) or straight to a, never through the calling
// goroutine's pin or the process default.
func (m *Allocator) mallocIn(a *arena.Arena, id uint64, n int) *byte {
	if n == 0 {
		n = 1
	}
	class, rounded := sizeclass.Classify(m.geo.Geometry, n, m.geo.HeaderPages)
	if class == sizeclass.Huge {
		addr, ok := m.hugeMgr.Alloc(n, 0, id)
		if !ok {
			return nil
		}
		p := bytePtr(addr)
		if m.opts.Zero {
			zero(p, m.pageCeil(n))
		}
		return p
	}
	p := a.Alloc(n)
	if p != nil && m.opts.Zero {
		zero(p, rounded)
	}
	return p
}

func (m *Allocator) freeIn(a *arena.Arena, id uint64, p *byte, n int) {
	if p == nil {
		return
	}
	addr := addrOf(p)
	class, rounded := sizeclass.Classify(m.geo.Geometry, n, m.geo.HeaderPages)
	m.fillFreed(p, n)
	if class == sizeclass.Huge {
		m.hugeMgr.Free(addr, id)
		return
	}
	a.Free(p, rounded)
}

// ThreadLocalArena implements jemalloc_thread_local_arena(bool): true
// pins the calling goroutine to a freshly created private arena, false
// resets it back to the process default.
func (m *Allocator) ThreadLocalArena(enable bool) {
	if !enable {
		arena.Pin(nil)
		return
	}
	id := m.CreateArena(ArenaParams{})
	a, _ := m.col.Lookup(id).Get()
	arena.Pin(a)
}

// ArenaCalloc implements moz_arena_calloc(id, n, size): overflow-checked,
// always zero-filled, against the named arena.
func (m *Allocator) ArenaCalloc(id uint64, n, size int) *byte {
	if n != 0 && size > (maxAllocSize/n) {
		return nil // overflow
	}
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		return nil
	}
	total := n * size
	p := m.mallocIn(a, id, total)
	if p == nil {
		return nil
	}
	if !m.opts.Zero {
		zero(p, total)
	}
	return p
}

// ArenaMemalign implements moz_arena_memalign(id, alignment, size): as
// Memalign, but pinned to the named arena. Alignments up to the page size
// fall out of size-class rounding exactly as in Memalign; larger ones go
// through the arena's aligned-run carve or, past the large ceiling, the
// huge layer tagged with the arena's id.
func (m *Allocator) ArenaMemalign(id uint64, alignment, size int) *byte {
	a, ok := m.col.Lookup(id).Get()
	if !ok {
		return nil
	}

	align := nextPow2(max(alignment, pointerSize))
	if size == 0 {
		size = 1
	}

	if align <= m.geo.PageSize {
		rounded := m.MallocGoodSize(size)
		for rounded%align != 0 {
			rounded = m.MallocGoodSize(rounded + 1)
		}
		return m.mallocIn(a, id, rounded)
	}

	maxLarge := m.geo.MaxLarge(m.geo.HeaderPages)
	if size+align-m.geo.PageSize <= maxLarge {
		p := a.PallocLarge(align, size)
		if p != nil && m.opts.Zero {
			zero(p, m.pageCeil(size))
		}
		return p
	}

	addr, mapped := m.hugeMgr.Alloc(size, align, id)
	if !mapped {
		return nil
	}
	p := bytePtr(addr)
	if m.opts.Zero {
		zero(p, m.pageCeil(size))
	}
	return p
}
