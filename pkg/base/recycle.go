package base

import (
	"math/bits"
	"sync"

	"github.com/flier/mozalloc/pkg/xunsafe"
)

// Recycled layers per-size-class free lists on top of an embedded [Arena],
// the TypedPool<T> wrapper spec.md §4.4 describes: "alloc pops the list or
// falls back to base-alloc(sizeof T); dealloc pushes without ever
// returning memory to base". This is the mechanism by which freed extent
// nodes, freed arena structs, and freed radix nodes survive beyond their
// use without ever touching the general allocator they support.
//
// Size class k holds released blocks of at least 1<<k and less than
// 1<<(k+1) Align-rounded bytes: Release files a block under the floor of
// its size's log2, and Alloc pops from the class at the ceiling of the
// request's log2, so a popped block is never smaller than the request.
// Released blocks thread themselves into a singly-linked list using the
// block's own first machine word as the "next" pointer, so the free list
// costs no extra memory of its own.
//
// A Recycled is safe for concurrent use, holding the one mutex spec.md §5
// assigns to the base allocator; the teacher's embedded-Arena shape is
// kept, but Arena itself stays lock-free so a caller that already holds
// some other lock (e.g. the chunk manager's) is never made to pay for a
// second one.
type Recycled struct {
	mu   sync.Mutex
	base Arena
	free []xunsafe.Addr[byte]
}

var _ Allocator = (*Recycled)(nil)

// freeListClasses is large enough to cover every size class this module's
// metadata types will ever ask for (up to 1<<(freeListClasses-1) bytes).
const freeListClasses = 32

// Alloc returns size bytes, first attempting to pop a recycled block from
// the matching size class before falling back to the embedded [Arena].
// Recycled blocks are zeroed before being handed back out, so callers
// never observe a previous occupant's data. A size of zero (or negative)
// is delegated straight to the embedded Arena.
func (r *Recycled) Alloc(size int) *byte {
	if size <= 0 {
		return r.base.Alloc(size)
	}

	rounded := alignUp(size)
	log := sizeClassIndex(rounded)
	if 1<<log < rounded {
		log++
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if log < len(r.free) {
		if p := r.free[log].AssertValid(); p != nil {
			r.free[log] = xunsafe.Addr[byte](*xunsafe.Cast[uintptr](p))
			xunsafe.Clear(p, 1<<log)
			return p
		}
	}

	return r.base.Alloc(size)
}

// Release threads p back onto the free list for its size class, for reuse
// by a future [Recycled.Alloc] whose rounded-up size is at most that
// class's power of two. Blocks smaller
// than [Align] are dropped rather than tracked, since the singly-linked
// free list needs at least one pointer's worth of space to thread through.
func (r *Recycled) Release(p *byte, size int) {
	if size < Align || p == nil {
		return
	}

	log := sizeClassIndex(alignUp(size))

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureFreeList(log)

	*xunsafe.Cast[uintptr](p) = uintptr(r.free[log])
	r.free[log] = xunsafe.AddrOf(p)
}

// Mapped returns the total bytes mapped from the OS by the embedded
// [Arena], for telemetry.
func (r *Recycled) Mapped() int64 { return r.base.Mapped() }

func (r *Recycled) ensureFreeList(log int) {
	if log >= len(r.free) {
		grown := make([]xunsafe.Addr[byte], max(freeListClasses, log+1))
		copy(grown, r.free)
		r.free = grown
	}
}

// alignUp rounds size up to the base allocator's cacheline alignment.
func alignUp(size int) int {
	size = max(size, 1)
	size += Align - 1
	size &^= Align - 1
	return size
}

// sizeClassIndex computes the size-class index (the floor of log2) for a
// positive, Align-aligned size.
func sizeClassIndex(size int) int {
	log := bits.Len(uint(size) - 1)
	if 1<<log > size {
		log--
	}
	return log
}
