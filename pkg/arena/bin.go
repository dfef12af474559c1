package arena

import (
	"github.com/flier/mozalloc/pkg/rbtree"
	"github.com/flier/mozalloc/pkg/sizeclass"
)

// Bin manages allocation for one small size class: it carves runs from the
// arena into fixed-size regions and tracks which regions are free via a
// bitmap, matching arena_bin_t.
type Bin struct {
	RegionSize int
	RunPages   int // pages per run this bin carves.
	NRegions   int // regions per run.

	divisor sizeclass.FastDivisor

	current *Run // the run currently being carved from; nil if none.

	// nonfull holds every run that has at least one free region and is not
	// current, keyed by address (spec.md §4.6's bin.nonfull_runs tree,
	// testable property §8.6: "0 < r.free < regions_per_run"). A full run
	// is tracked nowhere until a free() makes it non-full again.
	nonfull *rbtree.Tree[Run]
}

// runByAddr orders runs purely by address, the bin.nonfull_runs ordering
// (spec.md §4.6: "insert into nonfull_runs... it may become the new
// current_run" picks the lowest-address entry).
type runByAddr struct{}

func (runByAddr) Link(r *Run) *rbtree.Linkage[Run] { return &r.Link }

func (runByAddr) Compare(a, b *Run) int {
	switch {
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	default:
		return 0
	}
}

// buildBins constructs the bin table for every small size class the
// Geometry admits (tiny, quantum, quantum-wide, sub-page). Each bin takes
// the smallest run whose unusable tail (the bytes left over after the last
// whole region) is at most 3% of the run, or maxRunPages pages if no
// smaller run gets there; region bookkeeping lives in ordinary Go memory,
// so no in-run header enters the calculation.
func buildBins(g Geometry) []Bin {
	var sizes []int
	for s := sizeclass.MinTiny; s <= sizeclass.MaxTiny; s *= 2 {
		sizes = append(sizes, s)
	}
	for s := sizeclass.MinQuantum; s <= sizeclass.MaxQuantum; s += sizeclass.Quantum {
		sizes = append(sizes, s)
	}
	for s := sizeclass.MinQuantumWide; s <= sizeclass.MaxQuantumWide; s += sizeclass.QuantumWide {
		sizes = append(sizes, s)
	}
	for s := sizeclass.MinSubPage; s <= g.MaxSubPage(); s *= 2 {
		sizes = append(sizes, s)
	}

	bins := make([]Bin, len(sizes))
	for i, size := range sizes {
		bins[i] = newBin(g, size)
	}
	return bins
}

const maxBinOverheadNum, maxBinOverheadDen = 3, 100 // tail waste bound: 3% of the run, one formula for every class.

// maxRunPages bounds how many pages a bin run may grow to while chasing
// the waste bound; on 4 KiB pages every size class in the lattice reaches
// it at or below this (3840 bytes is the last, fitting exactly in 15).
const maxRunPages = 16

func newBin(g Geometry, size int) Bin {
	runPages := 1
	for {
		runBytes := runPages * g.PageSize
		regions := runBytes / size
		if regions == 0 {
			runPages++
			continue
		}
		waste := runBytes - regions*size
		if waste*maxBinOverheadDen <= runBytes*maxBinOverheadNum || runPages >= maxRunPages {
			return Bin{
				RegionSize: size,
				RunPages:   runPages,
				NRegions:   regions,
				divisor:    sizeclass.NewFastDivisor(size, runBytes),
				nonfull:    rbtree.New[Run](runByAddr{}),
			}
		}
		runPages++
	}
}

func wordsFor(n int) int { return (n + 63) / 64 }

// allocRegion returns one free region from b's current run. When the
// current run is full or absent, it is replaced first from the lowest-
// address entry in the nonfull tree and only failing that by carving a
// fresh run from the arena (spec.md §4.6 step 3).
func (a *Arena) allocRegion(b *Bin) *byte {
	if b.current == nil || b.current.Free == 0 {
		if next := b.nonfull.Min(); next != nil {
			b.nonfull.Remove(next)
			next.inNonfull = false
			b.current = next
		} else {
			r := a.allocRun(b.RunPages)
			if r == nil {
				return nil
			}
			r.Bin = b
			r.Free = b.NRegions
			r.Bitmap = make([]uint64, wordsFor(b.NRegions))
			r.NextFree = 0
			b.current = r
		}
	}

	r := b.current
	idx := a.findFreeRegion(r, b)
	r.Bitmap[idx/64] |= 1 << uint(idx%64)
	r.Free--

	if r.Free == 0 {
		b.current = nil
	}

	addr := r.Addr + uintptr(idx*b.RegionSize)
	return addrToBytePtr(addr)
}

// findFreeRegion returns the index of a free region in r, using the
// arena's PRNG for a randomized first-fit when randomization is enabled:
// the scan then starts from a fresh random index on every allocation
// rather than from the run's NextFree hint.
func (a *Arena) findFreeRegion(r *Run, b *Bin) int {
	start := r.NextFree
	if a.randomize == RandomizeOn {
		start = int(a.prngUint32()) % b.NRegions
	}

	for i := 0; i < b.NRegions; i++ {
		idx := (start + i) % b.NRegions
		if r.Bitmap[idx/64]&(1<<uint(idx%64)) == 0 {
			if a.randomize != RandomizeOn {
				r.NextFree = idx + 1
			}
			return idx
		}
	}

	// Unreachable: caller only gets here when r.Free > 0.
	return 0
}

// freeRegion returns region p to its run (spec.md §4.6 "free_small"): the
// region index is computed via the bin's fast divisor rather than a plain
// division, double-frees crash loudly, and the run's membership in
// current/nonfull/untracked is updated per the state machine in §4.6 step
// 4 — a run that becomes non-full gets tracked in nonfull, is promoted to
// current if it is now the lowest-address candidate, and a run that
// empties completely is always returned to the arena.
func (a *Arena) freeRegion(b *Bin, r *Run, p *byte) {
	addr := addrOfBytePtr(p)
	idx := b.divisor.Div(int(addr - r.Addr))

	word := idx / 64
	mask := uint64(1) << uint(idx%64)
	if r.Bitmap[word]&mask == 0 {
		panic("arena: double free or invalid pointer")
	}
	r.Bitmap[word] &^= mask
	r.Free++
	if idx < r.NextFree {
		r.NextFree = idx
	}

	if r.Free == b.NRegions {
		if b.current == r {
			b.current = nil
		} else if r.inNonfull {
			b.nonfull.Remove(r)
			r.inNonfull = false
		}
		a.deallocRun(r)
		return
	}

	if b.current == r {
		return
	}

	if b.current == nil {
		if r.inNonfull {
			b.nonfull.Remove(r)
			r.inNonfull = false
		}
		b.current = r
		return
	}

	if !r.inNonfull {
		b.nonfull.Insert(r)
		r.inNonfull = true
	}

	if low := b.nonfull.Min(); low != nil && low.Addr < b.current.Addr {
		b.nonfull.Remove(low)
		low.inNonfull = false
		b.nonfull.Insert(b.current)
		b.current.inNonfull = true
		b.current = low
	}
}
