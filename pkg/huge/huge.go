// Package huge implements the allocator's huge layer: allocations larger
// than one chunk, each backed by its own whole-chunk-multiple mapping and
// tracked in an address-ordered extent tree rather than carved from any
// arena.
//
// It is grounded on mozjemalloc's huge_alloc/huge_dalloc/huge_ralloc (see
// _examples/original_source/memory/build/mozjemalloc.cpp) and, for the
// extent-tracking shape, on pkg/extent and pkg/chunk.Manager, which already
// implement the address-ordered tree and chunk mapping this layer reuses
// rather than re-implementing.
package huge

import (
	"sync"

	"github.com/flier/mozalloc/pkg/chunk"
	"github.com/flier/mozalloc/pkg/extent"
	"github.com/flier/mozalloc/pkg/rbtree"
	"github.com/flier/mozalloc/pkg/vm"
)

// Manager tracks every live huge allocation in the process, keyed by
// address, matching gHugeObjects in mozjemalloc.cpp.
type Manager struct {
	mu   sync.Mutex
	tree *rbtree.Tree[extent.Node]
	pool extent.Pool

	chunks   *chunk.Manager
	pageSize int

	allocated int64
}

// New constructs a Manager that maps huge allocations through chunks.
// pageSize is the runtime page size huge usable sizes are rounded to.
func New(chunks *chunk.Manager, pageSize int) *Manager {
	if pageSize == 0 {
		pageSize = vm.Page
	}
	return &Manager{
		tree:     rbtree.New[extent.Node](extent.ByAddr()),
		chunks:   chunks,
		pageSize: pageSize,
	}
}

// Alloc services a request of n bytes. The reserved span is the chunk
// ceiling of n plus one guard page, so the usable page-ceiled prefix is
// always followed by at least one decommitted page: an overflow write off
// the end of the allocation faults instead of corrupting a neighbouring
// chunk. align, if greater than one chunk, is passed straight through to
// the chunk manager.
func (m *Manager) Alloc(n int, align int, arenaID uint64) (uintptr, bool) {
	psize := m.pageCeil(uintptr(n))
	csize := roundToChunk(uintptr(n) + uintptr(m.pageSize))

	alignment := uintptr(chunk.Size)
	if uintptr(align) > alignment {
		alignment = uintptr(align)
	}

	addr, ok := m.chunks.Alloc(csize, alignment, false)
	if !ok {
		return 0, false
	}

	vm.Decommit(addr+psize, int(csize-psize))

	node := m.pool.New()
	node.Addr = addr
	node.Size = psize
	node.Mapped = csize
	node.ChunkType = extent.Huge
	node.ArenaID = arenaID

	m.mu.Lock()
	m.tree.Insert(node)
	m.allocated += int64(psize)
	m.mu.Unlock()

	return addr, true
}

// Free releases the huge allocation at addr. It panics (a release assert,
// spec.md §4.9) if addr does not name a currently tracked huge allocation,
// or if arenaID does not match the id recorded at Alloc time.
func (m *Manager) Free(addr uintptr, arenaID uint64) {
	m.mu.Lock()
	node := m.tree.Search(&extent.Node{Addr: addr})
	if node == nil {
		m.mu.Unlock()
		panic("huge: free of address not tracked as a huge allocation")
	}
	if node.ArenaID != arenaID {
		m.mu.Unlock()
		panic("huge: free from an arena that does not own this allocation")
	}
	m.tree.Remove(node)
	m.allocated -= int64(node.Size)
	m.mu.Unlock()

	m.chunks.Dealloc(node.Addr, node.Mapped, extent.Huge)
	m.pool.Free(node)
}

// Realloc resizes the huge allocation at addr to newN bytes without moving
// it, when possible: a shrink decommits the no-longer-needed tail pages in
// place, and a grow that still fits within the originally reserved span
// (guard page included) commits the delta in place. Anything else reports
// moved=true and the caller falls back to alloc-copy-free. oldN is
// accepted for interface symmetry with the arena's realloc; the tracked
// node's own size is authoritative.
func (m *Manager) Realloc(addr uintptr, oldN, newN int, arenaID uint64) (uintptr, bool, bool) {
	_ = oldN
	newPsize := m.pageCeil(uintptr(newN))

	m.mu.Lock()
	node := m.tree.Search(&extent.Node{Addr: addr})
	if node == nil || node.ArenaID != arenaID {
		m.mu.Unlock()
		return 0, false, true
	}
	oldPsize := node.Size

	switch {
	case newPsize == oldPsize:
		m.mu.Unlock()
		return addr, true, false

	case newPsize < oldPsize:
		node.Size = newPsize
		m.allocated -= int64(oldPsize - newPsize)
		m.mu.Unlock()
		vm.Decommit(addr+newPsize, int(oldPsize-newPsize))
		return addr, true, false

	case newPsize+uintptr(m.pageSize) <= node.Mapped:
		if r := vm.Commit(addr+oldPsize, int(newPsize-oldPsize)); r.IsErr() {
			m.mu.Unlock()
			return 0, false, true
		}
		node.Size = newPsize
		m.allocated += int64(newPsize - oldPsize)
		m.mu.Unlock()
		return addr, true, false

	default:
		m.mu.Unlock()
		return 0, false, true
	}
}

// Size returns the tracked usable size of the huge allocation at addr, for
// malloc_usable_size.
func (m *Manager) Size(addr uintptr) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.tree.Search(&extent.Node{Addr: addr})
	if node == nil {
		return 0, false
	}
	return int(node.Size), true
}

// Allocated returns the total bytes currently tracked as huge allocations.
func (m *Manager) Allocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// AllocatedFor returns the total bytes of huge allocations currently
// tagged with arenaID, the check moz_dispose_arena needs to release-assert
// that a private arena being disposed has no huge allocation still
// referencing it (spec.md §3 Arena lifecycle: "destruction asserts no huge
// allocations reference it").
func (m *Manager) AllocatedFor(arenaID uint64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for n := m.tree.Min(); n != nil; n = m.tree.Next(n) {
		if n.ArenaID == arenaID {
			total += int64(n.Size)
		}
	}
	return total
}

func (m *Manager) pageCeil(n uintptr) uintptr {
	p := uintptr(m.pageSize)
	return (n + p - 1) &^ (p - 1)
}

func roundToChunk(n uintptr) uintptr {
	return (n + chunk.Size - 1) &^ (chunk.Size - 1)
}
