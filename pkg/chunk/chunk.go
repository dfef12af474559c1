// Package chunk is the allocator's chunk manager: it reserves, recycles,
// and releases 1 MiB (by default) aligned regions of address space, the
// unit every arena and huge allocation is built out of.
//
// It is grounded directly on mozjemalloc's chunk_alloc/chunk_recycle/
// chunk_record/chunk_dealloc quartet (see
// _examples/original_source/memory/build/mozjemalloc.cpp, lines
// ~2183-2474): chunk_alloc_mmap's optimistic-then-trim strategy for
// obtaining an aligned mapping, chunk_recycle's lowest-size-that-fits
// search with lead/trail splitting, and chunk_record/chunk_dealloc's
// forward-and-backward coalescing of freed chunks by address, all
// expressed over pkg/rbtree + pkg/extent instead of mozjemalloc's rb.h +
// extent_node_t.
package chunk

import (
	"sync"
	"sync/atomic"

	"github.com/flier/mozalloc/pkg/extent"
	"github.com/flier/mozalloc/pkg/radix"
	"github.com/flier/mozalloc/pkg/rbtree"
	"github.com/flier/mozalloc/pkg/vm"
)

// Size is the default chunk size: 1 MiB, aligned, matching kChunkSize.
const Size = 1 << 20

// SizeLog2 is log2(Size), the shift that turns an address into a chunk
// index for the ownership radix tree.
const SizeLog2 = 20

// alignmentCeiling returns the smallest multiple of alignment that is >= s.
func alignmentCeiling(s, alignment uintptr) uintptr {
	return (s + alignment - 1) &^ (alignment - 1)
}

// Manager owns the process-wide chunk recycling trees, the address radix
// tree used to answer "do I own this address", and the recycled-size
// budget, exactly the gChunksBySize/gChunksByAddress/gChunkRTree/
// gRecycledSize/gRecycleLimit globals in mozjemalloc.cpp, but scoped to a
// value so tests (and, eventually, multiple independent mozalloc
// instances) don't share global state.
type Manager struct {
	mu        sync.Mutex
	bySize    *rbtree.Tree[extent.Node]
	byAddr    *rbtree.Tree[extent.Node]
	pool      extent.Pool
	ownership *radix.Tree[struct{}]

	recycledSize atomic.Int64
	recycleLimit int64
}

// New constructs a Manager. significantAddrBits sizes the ownership radix
// tree (see pkg/radix); recycleLimit bounds how many bytes of freed chunks
// are kept around for reuse before being unmapped outright, matching
// gRecycleLimit.
func New(significantAddrBits uint, recycleLimit int64) *Manager {
	m := &Manager{
		bySize:       rbtree.New[extent.Node](extent.BySize()),
		byAddr:       rbtree.New[extent.Node](extent.ByAddr()),
		ownership:    radix.New[struct{}](significantAddrBits),
		recycleLimit: recycleLimit,
	}
	return m
}

// Owns reports whether addr falls within a chunk this Manager has handed
// out (and not yet released back to the OS). base allocations are
// deliberately never registered here, mirroring chunk_alloc's aBase
// parameter.
func (m *Manager) Owns(addr uintptr) bool {
	_, ok := m.ownership.Get(addr >> SizeLog2)
	return ok
}

// Alloc reserves size bytes aligned to alignment, preferring a recycled
// chunk over a fresh mapping. isBase suppresses both recycling and radix
// registration, since the base allocator itself may be invoked while
// chunks_mtx-equivalent state is being set up and must not recurse into
// this Manager.
func (m *Manager) Alloc(size, alignment uintptr, isBase bool) (uintptr, bool) {
	var addr uintptr
	var ok bool

	if canRecycle(size) && !isBase {
		addr, ok = m.recycle(size, alignment)
	}
	if !ok {
		addr, ok = m.allocMapped(size, alignment)
	}
	if ok && !isBase {
		// Register every constituent Size-aligned chunk, not just the base
		// address, so Owns answers correctly for any page within a
		// multi-chunk (huge) allocation, matching gChunkRTree.Set's use at
		// every GetChunkOffsetForPtr(ret)==0 boundary the allocation spans.
		for off := uintptr(0); off < size; off += Size {
			m.ownership.Set((addr+off)>>SizeLog2, struct{}{})
		}
	}
	return addr, ok
}

// canRecycle reports whether a chunk of this size is eligible for the
// recycle trees. Unlike Windows's VirtualAlloc/VirtualFree pairing
// requirement (CAN_RECYCLE in mozjemalloc.cpp), POSIX mmap/munmap impose
// no such restriction, so every size is recyclable here.
func canRecycle(uintptr) bool { return true }

func (m *Manager) recycle(size, alignment uintptr) (uintptr, bool) {
	allocSize := size + alignment - Size
	if allocSize < size {
		return 0, false // overflow
	}

	m.mu.Lock()

	key := &extent.Node{Size: allocSize}
	node := m.bySize.First(key)
	if node == nil {
		m.mu.Unlock()
		return 0, false
	}

	leadSize := alignmentCeiling(node.Addr, alignment) - node.Addr
	trailSize := node.Size - leadSize - size
	ret := node.Addr + leadSize

	m.bySize.Remove(node)
	m.byAddr.Remove(node)

	if leadSize != 0 {
		node.Size = leadSize
		m.bySize.Insert(node)
		m.byAddr.Insert(node)
		node = nil
	}

	if trailSize != 0 {
		if node == nil {
			node = m.pool.New()
		}
		node.Addr = ret + size
		node.Size = trailSize
		node.ChunkType = extent.Zeroed
		m.bySize.Insert(node)
		m.byAddr.Insert(node)
		node = nil
	}

	m.recycledSize.Add(-int64(size))
	m.mu.Unlock()

	if node != nil {
		m.pool.Free(node)
	}

	if r := vm.Commit(ret, int(size)); r.IsErr() {
		return 0, false
	}

	return ret, true
}

// allocMapped obtains a fresh, aligned mapping from the OS, first trying
// an exact-size map and only falling back to the over-allocate-then-trim
// strategy when the optimistic attempt comes back misaligned, exactly
// chunk_alloc_mmap / chunk_alloc_mmap_slow's two-tier approach.
func (m *Manager) allocMapped(size, alignment uintptr) (uintptr, bool) {
	r := vm.Map(0, int(size))
	if r.IsErr() {
		return 0, false
	}
	addr := r.Unwrap()

	offset := addr & (alignment - 1)
	if offset == 0 {
		return addr, true
	}

	vm.Unmap(addr, int(size))
	return m.allocMappedSlow(size, alignment)
}

func (m *Manager) allocMappedSlow(size, alignment uintptr) (uintptr, bool) {
	allocSize := size + alignment - vm.Page
	if allocSize < size {
		return 0, false // overflow
	}

	// On POSIX, pages_trim always succeeds (unlike the Windows map/unmap/
	// remap dance chunk_alloc_mmap_slow must retry), so a single pass
	// suffices here.
	r := vm.Map(0, int(allocSize))
	if r.IsErr() {
		return 0, false
	}
	pages := r.Unwrap()

	leadSize := alignmentCeiling(pages, alignment) - pages
	trailSize := allocSize - leadSize - size

	if leadSize != 0 {
		vm.Unmap(pages, int(leadSize))
	}
	if trailSize != 0 {
		vm.Unmap(pages+leadSize+size, int(trailSize))
	}

	return pages + leadSize, true
}

// Dealloc releases a chunk back to the Manager: it is purged, recorded
// into the recycle trees (coalescing with address-adjacent neighbours),
// and kept there up to recycleLimit bytes total; anything beyond that
// budget is unmapped outright, matching chunk_dealloc's trim-to-limit
// behaviour.
func (m *Manager) Dealloc(addr, size uintptr, typ extent.Type) {
	for off := uintptr(0); off < size; off += Size {
		m.ownership.Unset((addr + off) >> SizeLog2)
	}

	recycledSoFar := m.recycledSize.Load()
	if recycledSoFar < m.recycleLimit {
		remaining := m.recycleLimit - recycledSoFar
		toRecycle := size
		if int64(size) > remaining {
			toRecycle = uintptr(remaining)
			// Drop the pages that would overflow the recycle limit.
			trailing := size - toRecycle
			vm.Unmap(addr+toRecycle, int(trailing))
		}
		m.record(addr, toRecycle, typ)
		return
	}

	vm.Unmap(addr, int(size))
}

func (m *Manager) record(addr, size uintptr, typ extent.Type) {
	zeroed, err := vm.Purge(addr, int(size), typ == extent.Huge)
	if err == nil && zeroed {
		typ = extent.Zeroed
	}

	node := m.pool.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := &extent.Node{Addr: addr + size}
	next := m.byAddr.First(key)

	if next != nil && next.Addr == addr+size {
		// Coalesce forward: next absorbs this region without moving in
		// byAddr, so only reposition it in bySize.
		m.bySize.Remove(next)
		next.Addr = addr
		next.Size += size
		if next.ChunkType != typ {
			next.ChunkType = extent.Recycled
		}
		m.bySize.Insert(next)
		m.pool.Free(node)
		node = next
	} else {
		node.Addr = addr
		node.Size = size
		node.ChunkType = typ
		m.byAddr.Insert(node)
		m.bySize.Insert(node)
	}

	if prev := m.byAddr.Prev(node); prev != nil && prev.End() == node.Addr {
		m.bySize.Remove(prev)
		m.byAddr.Remove(prev)
		m.bySize.Remove(node)

		node.Addr = prev.Addr
		node.Size += prev.Size
		if node.ChunkType != prev.ChunkType {
			node.ChunkType = extent.Recycled
		}
		m.bySize.Insert(node)

		m.pool.Free(prev)
	}

	m.recycledSize.Add(int64(size))
}

// RecycledSize returns the number of bytes currently parked in the
// recycle trees, for telemetry.
func (m *Manager) RecycledSize() int64 { return m.recycledSize.Load() }
