// Package base is the allocator's base allocator: a cacheline-aligned bump
// allocator that services the allocator's own metadata (extent nodes, arena
// structs, radix tree nodes, PRNG state) and nothing else.
//
// It is grounded on mozjemalloc's base_alloc/base_calloc (see
// _examples/original_source/memory/build/BaseAlloc.cpp and
// BaseAlloc.h) and, for the Go
// shape of a bump allocator with an escape-resistant block list, on the
// teacher's own pkg/arena/arena.go. The one deliberate departure from the
// teacher: instead of pulling blocks from the Go heap via reflect.New, this
// Arena maps whole chunks directly through pkg/vm, matching
// base_alloc's "get memory via chunk_alloc(..., /* aBase = */ true)" path.
// It cannot go through pkg/chunk.Manager itself (chunk -> extent -> base
// would become a Go import cycle), but base allocations never participate
// in chunk recycling or radix registration anyway (chunk_alloc's aBase
// branch skips both), so talking to pkg/vm directly is behaviourally
// identical to that branch, just without the layer in between.
package base

import (
	"github.com/flier/mozalloc/internal/debug"
	"github.com/flier/mozalloc/pkg/vm"
	"github.com/flier/mozalloc/pkg/xunsafe"
	"github.com/flier/mozalloc/pkg/xunsafe/layout"
)

// Align is the alignment of every base allocation: one cacheline, matching
// mozjemalloc's kCacheLineSize rather than the Go runtime's pointer
// alignment, since this memory is never scanned by the Go GC.
const Align = 64

// chunkSize is the granularity base.Arena requests from pkg/vm. It mirrors
// pkg/chunk.Size (1 MiB) but is not imported from there to avoid the import
// cycle noted above; both constants must be kept in sync by hand.
const chunkSize = 1 << 20

// Allocator is the interface wrapping the base allocator's two operations.
// Both [Arena] and [Recycled] implement it, so generic helpers like [New]
// and [Free] work with either.
type Allocator interface {
	// Alloc returns size bytes of zeroed, cacheline-aligned memory.
	Alloc(size int) *byte

	// Release returns a previously allocated block back to the allocator.
	// [Arena.Release] is a no-op; [Recycled.Release] threads it onto a
	// per-size-class free list for reuse.
	Release(p *byte, size int)
}

// Arena is a bump allocator over OS-mapped memory. The zero Arena is empty
// and ready to use. It is not safe for concurrent use without external
// synchronization; [Recycled] adds its own lock.
type Arena struct {
	_ xunsafe.NoCopy

	next, end xunsafe.Addr[byte]

	// mapped is the running total of bytes mapped via pkg/vm, for
	// telemetry; it never decreases, since base memory is never unmapped.
	mapped int64
}

var _ Allocator = (*Arena)(nil)

// New allocates a value of type T from a, copies value into it, and returns
// a pointer to the copy.
func New[T any](a Allocator, value T) *T {
	p := Alloc[T](a)
	*p = value
	return p
}

// Alloc allocates space for one T from a, zeroed, without initializing it
// to any particular value.
func Alloc[T any](a Allocator) *T {
	l := layout.Of[T]()
	if l.Align > Align {
		panic("base: over-aligned object")
	}
	return xunsafe.Cast[T](a.Alloc(l.Size))
}

// Free releases a value of type T previously obtained from [New] or
// [Alloc] back to a. With an [Arena] this is a no-op; with a [Recycled]
// it makes the memory available for a future allocation of the same size.
func Free[T any](a Allocator, p *T) {
	a.Release(xunsafe.Cast[byte](p), layout.Of[T]().Size)
}

// Alloc returns size bytes of cacheline-aligned memory, bumping the
// pointer within the current chunk or mapping a fresh one via pkg/vm.
func (a *Arena) Alloc(size int) *byte {
	size = alignUp(size)

	if a.next != 0 && a.next.Add(size) <= a.end {
		p := a.next.AssertValid()
		a.next = a.next.Add(size)
		debug.Log(nil, "base.alloc", "%v:%v, %d", p, a.next, size)
		return p
	}

	a.grow(size)
	p := a.next.AssertValid()
	a.next = a.next.Add(size)
	debug.Log(nil, "base.alloc", "%v:%v, %d", p, a.next, size)
	return p
}

// Release is a no-op: base memory is never returned to the OS, matching
// mozjemalloc's base allocator (it has no base_dealloc).
func (a *Arena) Release(*byte, int) {}

// Mapped returns the total number of bytes this Arena has mapped from the
// OS so far, for telemetry.
func (a *Arena) Mapped() int64 { return a.mapped }

// grow maps a fresh chunk (or more, if size exceeds one chunk) to satisfy
// the next allocation.
func (a *Arena) grow(size int) {
	n := int(layout.RoundUp(uintptr(max(size, chunkSize)), uintptr(chunkSize)))

	r := vm.Map(0, n)
	if r.IsErr() {
		debug.Assert(false, "base: out of address space mapping %d bytes", n)
	}

	addr := r.Unwrap()
	a.next = xunsafe.Addr[byte](addr)
	a.end = a.next.Add(n)
	a.mapped += int64(n)

	debug.Log(nil, "base.grow", "%v:%v:%d", a.next, a.end, n)
}
