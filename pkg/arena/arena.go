package arena

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/flier/mozalloc/internal/debug"
	"github.com/flier/mozalloc/pkg/chunk"
	"github.com/flier/mozalloc/pkg/extent"
	"github.com/flier/mozalloc/pkg/rbtree"
	"github.com/flier/mozalloc/pkg/sizeclass"
	"github.com/flier/mozalloc/pkg/vm"
)

func arenaChunkType() extent.Type { return extent.Arena }

// Geometry bundles the page/chunk Geometry with the header-page count, so
// every size computation in this package goes through one place, matching
// spec.md §6's "P" option ability to multiply the runtime page size.
type Geometry struct {
	sizeclass.Geometry
	HeaderPages int
}

func (g Geometry) maxLarge() int { return g.MaxLarge(g.HeaderPages) }

// ModifierSign constrains which sign of the process-wide max-dirty
// modifier an arena accepts, the moz_create_arena_with_params
// max_dirty_increase_override / max_dirty_decrease_override fields
// (spec.md §6, supplemented from original_source per SPEC_FULL.md §5).
type ModifierSign int

const (
	// AnySign accepts the process-wide modifier unchanged.
	AnySign ModifierSign = iota
	// IncreaseOnly clamps negative modifiers to zero.
	IncreaseOnly
	// DecreaseOnly clamps positive modifiers to zero.
	DecreaseOnly
)

// Randomize selects whether small-region allocation within a run picks a
// randomized first-fit slot, matching spec.md §6's "r"/"R" option and the
// randomize_small params flag.
type Randomize int

const (
	RandomizeDefault Randomize = iota
	RandomizeOn
	RandomizeOff
)

// Thread selects whether an arena may be touched from any goroutine or
// only ever from the one that created it (spec.md §6 "thread" param).
type Thread int

const (
	AnyThread Thread = iota
	MainThreadOnly
)

// Params configures a new [Arena], the moz_create_arena_with_params
// surface (spec.md §6).
type Params struct {
	MaxDirty         int // pages; 0 means DefaultMaxDirty.
	Randomize        Randomize
	Thread           Thread
	ModifierSign     ModifierSign
	Private          bool
}

// Stats is a snapshot of an arena's bookkeeping counters, testable
// property §8.5's "allocated_small + allocated_large <= committed <=
// mapped" invariant made concrete.
type Stats struct {
	AllocatedSmall int64
	AllocatedLarge int64
	Mapped         int64
	Dirty          int // pages
	Fresh          int // pages
	Madvised       int // pages
}

// Arena aggregates the run manager and bin manager (spec.md §4.6) plus the
// per-arena lock, dirty-page accounting, spare-chunk policy, and purge
// policy (spec.md §4.7).
type Arena struct {
	ID uint64

	geo Geometry
	mgr *chunk.Manager

	// mu is elided (left nil) for main-thread-only arenas; callers must
	// then only ever touch the arena from the thread that created it,
	// asserted in debug builds by lock.
	mu *sync.Mutex

	private        bool
	mainThreadOnly bool

	// ownerGoid is the goroutine a main-thread-only arena belongs to,
	// recorded at creation so debug builds can assert single-goroutine
	// access in place of the elided lock.
	ownerGoid int64

	bins []Bin

	// availRuns is keyed by (size, address): spec.md §4.6 "search-or-next
	// with a synthetic key entry" for first-fit-by-address among
	// best-fit-by-size.
	availRuns *rbtree.Tree[Run]

	// dirtyChunks holds every chunk with NDirty > 0 (testable property
	// §8.7), keyed by address so Purge can walk it in reverse.
	dirtyChunks *rbtree.Tree[Chunk]

	// chunks indexes every chunk this arena currently owns by address, so
	// Large/huge-adjacent operations can find the owning Chunk for a
	// pointer without scanning.
	chunks *rbtree.Tree[Chunk]

	madvisedHead *Chunk // double-purge list head, MALLOC_DOUBLE_PURGE.

	spare *Chunk

	maxDirty     int32 // pages; the arena's own max_dirty, pre-modifier.
	modifierSign ModifierSign

	dirtyPages, freshPages, madvisedPages int

	stats Stats

	prng *prng // lazily initialized; nil until first randomized alloc.
	prngInit sync.Once
	randomize Randomize

	// OnChunk is invoked whenever this arena maps or releases a whole
	// chunk, so an owning allocator context can keep its address-routing
	// radix tree (component 3, spec.md §4.3) in sync without this package
	// needing to know that tree's value type. mapped is true for a new
	// chunk, false when one is released.
	OnChunk func(addr uintptr, size uintptr, mapped bool)
}

// New constructs an Arena backed by mgr. Main-thread-only arenas get a nil
// lock (elided per spec.md §5); callers touching them from any other
// goroutine will trip the debug-build assertion in lock.
func New(id uint64, geo Geometry, mgr *chunk.Manager, p Params) *Arena {
	a := &Arena{
		ID:           id,
		geo:          geo,
		mgr:          mgr,
		private:      p.Private,
		mainThreadOnly: p.Thread == MainThreadOnly,
		availRuns:    rbtree.New[Run](runBySizeAddr{}),
		dirtyChunks:  rbtree.New[Chunk](chunkByAddr{}),
		chunks:       rbtree.New[Chunk](chunkAllByAddr{}),
		modifierSign: p.ModifierSign,
		randomize:    p.Randomize,
	}
	if a.mainThreadOnly {
		a.ownerGoid = routine.Goid()
	} else {
		a.mu = &sync.Mutex{}
	}
	if p.MaxDirty > 0 {
		a.maxDirty = int32(p.MaxDirty)
	} else {
		a.maxDirty = defaultMaxDirty
	}
	a.bins = buildBins(geo)
	return a
}

// DefaultMaxDirty is the default per-arena dirty-page ceiling before a
// purge sweep is triggered, matching mozjemalloc's default opt_dirty_max
// (512 pages, i.e. 2 MiB on a 4 KiB page). pkg/mozalloc halves or doubles
// it for the "f"/"F" options and passes the result in Params.MaxDirty.
const DefaultMaxDirty = 512

const defaultMaxDirty = DefaultMaxDirty

func (a *Arena) lock() {
	if a.mu != nil {
		a.mu.Lock()
		return
	}
	debug.Assert(routine.Goid() == a.ownerGoid,
		"main-thread-only arena %d touched from goroutine %d (owner %d)",
		a.ID, routine.Goid(), a.ownerGoid)
}

func (a *Arena) unlock() {
	if a.mu != nil {
		a.mu.Unlock()
	}
}

// processModifier is the process-wide signed shift
// moz_set_max_dirty_page_modifier installs (spec.md §4.7).
var processModifier atomic.Int32

// SetMaxDirtyPageModifier implements moz_set_max_dirty_page_modifier: a
// process-wide signed shift applied to every arena's effective max-dirty
// threshold.
func SetMaxDirtyPageModifier(m int32) { processModifier.Store(m) }

// EffectiveMaxDirty returns max_dirty shifted by the process-wide
// modifier, clamped per this arena's ModifierSign override (spec.md §4.7,
// §5 supplemented feature).
func (a *Arena) EffectiveMaxDirty() int32 {
	m := processModifier.Load()
	switch a.modifierSign {
	case IncreaseOnly:
		m = max(m, 0)
	case DecreaseOnly:
		m = min(m, 0)
	}
	if m >= 0 {
		return a.maxDirty << uint(m)
	}
	return a.maxDirty >> uint(-m)
}

// Stats returns a snapshot of this arena's counters.
func (a *Arena) Stats() Stats {
	a.lock()
	defer a.unlock()
	s := a.stats
	s.Dirty, s.Fresh, s.Madvised = a.dirtyPages, a.freshPages, a.madvisedPages
	return s
}

// growChunk supplies a new chunk to carve runs from: it reuses the spare
// chunk left over from the last chunk that became entirely free, if any
// (spec.md §4.7's "one retained empty chunk per arena to dampen churn"),
// and only maps fresh memory when there is no spare. Either way the
// chunk's single free run is inserted into availRuns and OnChunk is
// notified for radix registration.
func (a *Arena) growChunk() (*Chunk, bool) {
	var c *Chunk
	if a.spare != nil {
		c = a.spare
		a.spare = nil
	} else {
		var ok bool
		c, ok = newChunk(a.geo, a.mgr, a)
		if !ok {
			return nil, false
		}
		a.freshPages += c.NFresh
		a.stats.Mapped += int64(a.geo.ChunkSize)
		a.chunks.Insert(c)

		if a.OnChunk != nil {
			a.OnChunk(c.Addr, uintptr(len(c.Pages))*uintptr(a.geo.PageSize), true)
		}
	}

	// The whole-chunk free run installed by newChunk (or left in place by
	// deallocChunk when c was the spare).
	r := c.Pages[headerPages].run
	a.availRuns.Insert(r)

	return c, true
}

// deallocChunk implements spec.md §4.7's dealloc_chunk: release the
// previous spare (if any) outside the lock and promote c to be the new
// spare. The caller is responsible for c's free run not being registered
// in availRuns (run.deallocRun never inserts it before calling here).
func (a *Arena) deallocChunk(c *Chunk) {
	// c stays in dirtyChunks: a spare's dirty pages remain purgeable right
	// up until the spare itself is retired.
	old := a.spare
	a.spare = c

	if old != nil {
		if old.inDirty {
			a.dirtyChunks.Remove(old)
			old.inDirty = false
		}
		a.removeMadvised(old)
		a.freshPages -= old.NFresh
		a.dirtyPages -= old.NDirty
		a.madvisedPages -= old.NMadvised
		a.stats.Mapped -= int64(a.geo.ChunkSize)
		a.chunks.Remove(old)
		size := uintptr(len(old.Pages)) * uintptr(a.geo.PageSize)
		addr := old.Addr

		// Released outside the arena lock, per spec.md §5 "the single
		// spare chunk per arena is released outside the lock": the lock
		// the caller holds is dropped here and re-taken before returning.
		a.unlock()
		old.dealloc(a.mgr)
		if a.OnChunk != nil {
			a.OnChunk(addr, size, false)
		}
		a.lock()
	}
}

// Destroy releases the arena's retained spare chunk back to the chunk
// manager, for moz_dispose_arena. The caller has already asserted the
// arena holds no live allocations, which (through the spare-chunk policy)
// means the spare is the only chunk it can still own.
func (a *Arena) Destroy() {
	a.lock()
	c := a.spare
	a.spare = nil
	if c == nil {
		a.unlock()
		return
	}

	if c.inDirty {
		a.dirtyChunks.Remove(c)
		c.inDirty = false
	}
	a.removeMadvised(c)
	a.freshPages -= c.NFresh
	a.dirtyPages -= c.NDirty
	a.madvisedPages -= c.NMadvised
	a.stats.Mapped -= int64(a.geo.ChunkSize)
	a.chunks.Remove(c)
	size := uintptr(len(c.Pages)) * uintptr(a.geo.PageSize)
	addr := c.Addr
	a.unlock()

	c.dealloc(a.mgr)
	if a.OnChunk != nil {
		a.OnChunk(addr, size, false)
	}
}

type chunkByAddr struct{}

func (chunkByAddr) Link(c *Chunk) *rbtree.Linkage[Chunk] { return &c.DirtyLink }
func (chunkByAddr) Compare(a, b *Chunk) int {
	switch {
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	default:
		return 0
	}
}

type chunkAllByAddr struct{}

func (chunkAllByAddr) Link(c *Chunk) *rbtree.Linkage[Chunk] { return &c.AllLink }
func (chunkAllByAddr) Compare(a, b *Chunk) int {
	switch {
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	default:
		return 0
	}
}

// Purge walks the dirty-chunk tree in reverse, decommitting or madvising
// maximal dirty page ranges until the dirty total falls to maxDirty/2,
// spec.md §4.7.
func (a *Arena) Purge(maxDirty int32) {
	a.lock()
	defer a.unlock()
	a.purgeLocked(maxDirty)
}

func (a *Arena) purgeLocked(maxDirty int32) {
	for a.dirtyPages > int(maxDirty)/2 {
		c := a.dirtyChunks.Max()
		if c == nil {
			return
		}
		a.purgeChunk(c, int(maxDirty)/2)
	}
}

func (a *Arena) purgeChunk(c *Chunk, target int) {
	n := len(c.Pages)
	i := n - 1
	for i >= 0 && a.dirtyPages > target {
		if c.Pages[i].state != pageDirty {
			i--
			continue
		}
		j := i
		for j >= 0 && c.Pages[j].state == pageDirty {
			j--
		}
		// Dirty run spans (j, i].
		lo, hi := j+1, i
		addr := c.pageAddr(a.geo, lo)
		size := (hi - lo + 1) * a.geo.PageSize

		zeroed, canDecommit := decommitOrMadvise(addr, size)
		newState := pageMadvised
		if canDecommit {
			newState = pageDecommitted
		}
		_ = zeroed
		for k := lo; k <= hi; k++ {
			c.Pages[k].state = newState
		}
		c.NDirty -= hi - lo + 1
		a.dirtyPages -= hi - lo + 1
		if newState == pageMadvised {
			c.NMadvised += hi - lo + 1
			a.madvisedPages += hi - lo + 1
			a.addMadvised(c)
		}
		i = lo - 1
	}
	if c.NDirty == 0 && c.inDirty {
		a.dirtyChunks.Remove(c)
		c.inDirty = false
	}
}

func (a *Arena) addMadvised(c *Chunk) {
	if c.inMadvised {
		return
	}
	c.inMadvised = true
	c.MadvisedNext = a.madvisedHead
	a.madvisedHead = c
}

// removeMadvised unlinks c from the double-purge list before its mapping
// is released, so HardPurge never touches a retired chunk. The list is
// short (bounded by chunks with madvised pages) and retirement is rare, so
// the linear walk costs nothing in practice.
func (a *Arena) removeMadvised(c *Chunk) {
	if !c.inMadvised {
		return
	}
	c.inMadvised = false
	if a.madvisedHead == c {
		a.madvisedHead = c.MadvisedNext
		return
	}
	for p := a.madvisedHead; p != nil; p = p.MadvisedNext {
		if p.MadvisedNext == c {
			p.MadvisedNext = c.MadvisedNext
			return
		}
	}
}

// HardPurge implements MALLOC_DOUBLE_PURGE: on platforms whose purge is
// lazy (MADV_FREE-shaped), pairing a decommit with an immediate commit
// forces the OS to actually reclaim the pages now rather than on next
// memory pressure. It is always available here (spec.md §5 supplemented
// feature) and is a no-op when the double-purge list is empty.
func (a *Arena) HardPurge() {
	a.lock()
	defer a.unlock()

	for c := a.madvisedHead; c != nil; c = c.MadvisedNext {
		for i, p := range c.Pages {
			if p.state != pageMadvised {
				continue
			}
			addr := c.pageAddr(a.geo, i)
			vm.Decommit(addr, a.geo.PageSize)
			vm.Commit(addr, a.geo.PageSize)
			c.Pages[i].state = pageFresh
			c.NMadvised--
			c.NFresh++
			a.madvisedPages--
			a.freshPages++
		}
		c.inMadvised = false
	}
	a.madvisedHead = nil
}

// decommitOrMadvise purges [addr, addr+size); platforms that support
// explicit decommit semantics prefer that (it makes the range fault on
// next touch, requiring an explicit Commit before reuse), others fall
// back to a madvise-shaped purge hint. Both are offered by pkg/vm; this
// module always uses Purge (the POSIX madvise path) and reports whether
// the OS guarantees the range reads back as zero.
func decommitOrMadvise(addr uintptr, size int) (zeroed bool, decommitted bool) {
	zeroed, err := vm.Purge(addr, size, false)
	if err != nil {
		return false, false
	}
	return zeroed, false
}
