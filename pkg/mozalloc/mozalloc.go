// Package mozalloc is the allocator's public surface: malloc/calloc/realloc/
// free and their aligned/arena-scoped variants, built on pkg/arena,
// pkg/huge, pkg/collection, and pkg/phc.
//
// It is grounded on mozjemalloc.cpp's top-level entry points (see
// _examples/original_source/memory/build/mozjemalloc.cpp) and, for the Go
// shape of a package-level singleton guarding a process-wide allocator
// instance, on the teacher's own conventions for package-level state
// guarded by sync.Once.
package mozalloc

import (
	"sync"

	"github.com/flier/mozalloc/pkg/arena"
	"github.com/flier/mozalloc/pkg/base"
	"github.com/flier/mozalloc/pkg/chunk"
	"github.com/flier/mozalloc/pkg/collection"
	"github.com/flier/mozalloc/pkg/huge"
	"github.com/flier/mozalloc/pkg/phc"
	"github.com/flier/mozalloc/pkg/radix"
	"github.com/flier/mozalloc/pkg/sizeclass"
	"github.com/flier/mozalloc/pkg/vm"
)

// Allocator is one independent instance of the whole allocator: its own
// chunk manager, arena collection, huge layer, and (optional) PHC sampler.
// The package-level functions (Malloc, Free, ...) operate on a lazily
// constructed process-wide default instance; most programs never need to
// construct their own.
type Allocator struct {
	geo     arena.Geometry
	chunks  *chunk.Manager
	col     *collection.Collection
	hugeMgr *huge.Manager
	phcC    *phc.Collaborator

	defaultID uint64

	// maxDirty is the per-arena dirty-page ceiling arenas created without
	// an explicit override inherit, after the "f"/"F" options' halving/
	// doubling has been applied.
	maxDirty int

	// owners maps a chunk index (address >> log2(ChunkSize)) to the Arena
	// that owns it, or nil for a huge-allocation chunk, so Free can route
	// without asking every arena in turn. This is a mozalloc-level address
	// radix tree, one level up from pkg/chunk's own ownership test.
	owners *radix.Tree[*arena.Arena]

	opts Options

	purgeMu  sync.Mutex
	onPurge  func(PurgeStats)
}

// PurgeStats is synthesised after every purge sweep and handed to the
// profiler callback installed by SetPurgeObserver.
type PurgeStats struct {
	ArenaID     uint64
	ArenaLabel  string
	Caller      string
	Pages       int
	SystemCalls int
}

const chunkSignificantBits = 64 - chunk.SizeLog2 // address bits above the 1 MiB chunk granularity.

// recycleLimit caps the chunk manager's recycled-chunk pool, gRecycleLimit
// (128 MiB by default).
const recycleLimit = 128 << 20

// New constructs an independent Allocator instance, parsing opts from a
// MOZALLOC_OPTIONS-shaped string (empty string means every default).
func New(optionsString string) *Allocator {
	opts := ParseOptions(optionsString)

	pageSize := vm.Page << uint(max(opts.PageShift, 0))
	geo := arena.Geometry{
		Geometry:    sizeclass.Geometry{PageSize: pageSize, ChunkSize: chunk.Size},
		HeaderPages: 1,
	}

	chunks := chunk.New(chunkSignificantBits, recycleLimit)

	a := &Allocator{
		geo:      geo,
		chunks:   chunks,
		hugeMgr:  huge.New(chunks, pageSize),
		owners:   radix.New[*arena.Arena](chunkSignificantBits),
		opts:     opts,
		maxDirty: shiftedMaxDirty(opts.DirtyMaxShift),
	}

	a.col = collection.New(&base.Arena{})

	def := arena.New(0, geo, chunks, arena.Params{
		MaxDirty:  a.maxDirty,
		Randomize: randomizeFromOpts(opts),
	})
	a.wireChunkTracking(def)
	id := a.col.Create(def, false, false)
	def.ID = id
	a.defaultID = id

	// PHC is always present — "optional" describes an individual
	// allocation's eligibility, sampled at a low rate, not the
	// collaborator's presence — with a slot count inversely proportional
	// to page size, matching PHC.cpp's 64-4096 range.
	a.phcC = phc.New(pageSize, phcSlotsFor(pageSize))
	a.phcC.SetSampleRate(defaultPHCSampleEvery)

	return a
}

// defaultPHCSampleEvery is the average number of eligible allocations
// between two PHC diversions absent any override, a deliberately low rate
// so the checker's overhead stays negligible.
const defaultPHCSampleEvery = 8192

// phcSlotsFor picks PHC's slot table size: more slots at the default 4 KiB
// page size, fewer as pages (and therefore each slot's mapping) grow,
// matching PHC.cpp's "64 to 4096 depending on page size" note.
func phcSlotsFor(pageSize int) int {
	switch {
	case pageSize <= 4096:
		return 4096
	case pageSize <= 16384:
		return 1024
	default:
		return 64
	}
}

// shiftedMaxDirty applies the "f"/"F" options' accumulated halvings and
// doublings to the default dirty-page ceiling, clamping at one page so a
// deep "f" prefix can't disable purging entirely.
func shiftedMaxDirty(shift int) int {
	md := arena.DefaultMaxDirty
	switch {
	case shift > 0:
		md <<= uint(shift)
	case shift < 0:
		md >>= uint(-shift)
		if md == 0 {
			md = 1
		}
	}
	return md
}

func randomizeFromOpts(o Options) arena.Randomize {
	if o.RandomizeBins {
		return arena.RandomizeOn
	}
	return arena.RandomizeOff
}

// wireChunkTracking installs a's OnChunk hook so every chunk it maps or
// releases keeps the allocator's chunk-index -> owning-arena radix tree
// (a.owners) in sync, the mechanism Free uses to route a pointer without
// scanning every arena.
func (m *Allocator) wireChunkTracking(a *arena.Arena) {
	a.OnChunk = func(addr uintptr, size uintptr, mapped bool) {
		for off := uintptr(0); off < size; off += chunk.Size {
			idx := (addr + off) >> chunk.SizeLog2
			if mapped {
				m.owners.Set(idx, a)
			} else {
				m.owners.Unset(idx)
			}
		}
	}
}

func (m *Allocator) ownerOf(addr uintptr) (*arena.Arena, bool) {
	idx := addr >> chunk.SizeLog2
	return m.owners.Get(idx)
}

var (
	defaultOnce sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide Allocator, constructing it from the
// MOZALLOC_OPTIONS environment variable on first use.
func Default() *Allocator {
	defaultOnce.Do(func() {
		defaultAllocator = New(envOptions())
	})
	return defaultAllocator
}

// SetPurgeObserver installs (or, with nil, clears) the profiler callback
// invoked after every purge sweep completes. The allocator tolerates a nil
// callback and never holds an arena lock while calling it.
func (m *Allocator) SetPurgeObserver(f func(PurgeStats)) {
	m.purgeMu.Lock()
	m.onPurge = f
	m.purgeMu.Unlock()
}

func (m *Allocator) notifyPurge(stats PurgeStats) {
	m.purgeMu.Lock()
	f := m.onPurge
	m.purgeMu.Unlock()
	if f != nil {
		f(stats)
	}
}
