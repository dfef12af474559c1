// Package phc implements the probabilistic heap checker collaborator: a
// low-rate sampler that diverts a small fraction of page-sized-or-smaller
// allocations onto their own guard-paged single-page slot, so a buggy
// overflow, underflow, or use-after-free on a sampled allocation crashes
// immediately instead of silently corrupting an arena run.
//
// It is grounded on original_source/memory/build/PHC.cpp's slot table and
// per-thread reentry/disable-flag discipline, built on pkg/vm for the
// guard-page mappings this package owns independently of any arena.
package phc

import (
	"math/rand/v2"
	"sync"

	"github.com/flier/mozalloc/pkg/vm"
)

// slotState mirrors one of PHC's slot lifecycle states.
type slotState uint8

const (
	slotFree slotState = iota
	slotAllocated
)

type slot struct {
	addr  uintptr // usable single page; a guard page immediately precedes and follows it.
	state slotState
	size  int // bytes actually requested, <= page size.
}

// Collaborator owns a fixed table of guard-paged slots and a tight
// virtual-address range covering them, so Owns is a cheap range check on
// every free() before falling through to the arena/huge address lookup.
type Collaborator struct {
	mu    sync.Mutex
	slots []slot
	free  []int // indices of currently-free slots, for randomized reuse.

	lo, hi uintptr // the address range every slot's usable page falls within.

	pageSize int

	// sampleEvery is the average number of eligible allocations between
	// two PHC diversions; 0 disables PHC entirely.
	sampleEvery uint32
}

// New maps nSlots guard-paged single-page slots (spec.md §6 "64-4096
// single-page slots, depending on page size") and returns a disabled
// (sampleEvery == 0) Collaborator; call SetSampleRate to enable it.
func New(pageSize, nSlots int) *Collaborator {
	// Each slot needs guard | page | guard; adjacent slots share the guard
	// between them, so the whole table is 2*nSlots+1 alternating pages and
	// lo/hi bound it in one range check. Every usable page still has a
	// PROT_NONE neighbour on both sides.
	total := (2*nSlots + 1) * pageSize
	r := vm.Map(0, total)
	if r.IsErr() {
		return &Collaborator{pageSize: pageSize}
	}
	base := r.Unwrap()

	c := &Collaborator{
		slots:    make([]slot, nSlots),
		pageSize: pageSize,
		lo:       base,
		hi:       base + uintptr(total),
	}

	for i := range c.slots {
		addr := base + uintptr((2*i+1)*pageSize)
		c.slots[i].addr = addr
		c.free = append(c.free, i)
	}
	// Decommit every page; Alloc commits a slot's usable page on demand,
	// so an unused slot costs no resident memory and a guard page is
	// never anything but PROT_NONE.
	vm.Decommit(base, total)

	return c
}

// SetSampleRate sets the average number of eligible allocations between
// two diversions. A rate of 0 disables PHC.
func (c *Collaborator) SetSampleRate(n uint32) {
	c.mu.Lock()
	c.sampleEvery = n
	c.mu.Unlock()
}

// Eligible reports whether a request of n bytes is small enough for PHC
// to consider (spec.md §8 "requests of exactly page_size are still
// eligible; page_size+1 are not").
func (c *Collaborator) Eligible(n int) bool {
	return n > 0 && n <= c.pageSize
}

// ShouldSample rolls the dice for one eligible allocation. It must not be
// called while the calling goroutine is inside MozStackWalk-equivalent
// unwinding or already inside PHC (disabled/reentryGuard handles both via
// reentry.go), matching spec.md §5's re-entrancy rule.
func (c *Collaborator) ShouldSample() bool {
	c.mu.Lock()
	rate := c.sampleEvery
	c.mu.Unlock()
	if rate == 0 {
		return false
	}
	return rand.Uint32N(rate) == 0
}

// Alloc reserves and commits a free slot for a request of n bytes,
// returning its usable address, or ok=false if PHC has no free slots
// left (callers must fall back to the ordinary arena/huge path).
func (c *Collaborator) Alloc(n int) (uintptr, bool) {
	if !beginReentryGuard() {
		return 0, false
	}
	defer endReentryGuard()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		return 0, false
	}
	// Randomized reuse: a use-after-free on a quarantined slot shouldn't
	// be maskable by a predictable reallocation order.
	pick := rand.IntN(len(c.free))
	idx := c.free[pick]
	c.free[pick] = c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]

	s := &c.slots[idx]
	vm.Commit(s.addr, c.pageSize)
	s.state = slotAllocated
	s.size = n

	return s.addr, true
}

// Owns reports whether addr falls within PHC's slot table range, the
// cheap range check spec.md §6 describes free() performing before
// routing into PHC proper.
func (c *Collaborator) Owns(addr uintptr) bool {
	return addr >= c.lo && addr < c.hi
}

// Free releases the slot at addr back to the quarantined free list,
// decommitting its usable page so a subsequent use-after-free faults
// immediately (spec.md §6 "crashes on guard-page access or
// use-after-free").
func (c *Collaborator) Free(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if c.slots[i].addr == addr {
			if c.slots[i].state != slotAllocated {
				panic("phc: double free of a PHC-owned slot")
			}
			c.slots[i].state = slotFree
			vm.Decommit(addr, c.pageSize)
			c.free = append(c.free, i)
			return
		}
	}
	panic("phc: free of an address not matching any slot's base page")
}

// Size returns the originally requested size of the allocation at addr,
// for malloc_usable_size.
func (c *Collaborator) Size(addr uintptr) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i].addr == addr && c.slots[i].state == slotAllocated {
			return c.slots[i].size, true
		}
	}
	return 0, false
}
