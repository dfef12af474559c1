// Package extent is the allocator's extent-node bookkeeping: the address,
// size, and type tuple attached to every chunk-sized region the allocator
// has reserved, whether it backs an arena's runs, a huge allocation, or sits
// in the recycled-chunk free list.
//
// It is grounded on mozjemalloc's extent_node_t and its two trait structs
// (see _examples/original_source/memory/build/Extent.h): the same Node can
// be linked into a size-ordered tree and an address-ordered tree
// simultaneously, using pkg/rbtree's multi-Linkage support, and Nodes
// themselves come from a typed free list (pkg/base's TypedPool analogue)
// rather than the general heap, so that tracking an allocation never
// recurses into the allocator it is tracking.
package extent

import (
	"github.com/flier/mozalloc/pkg/base"
	"github.com/flier/mozalloc/pkg/rbtree"
)

// Type records why a chunk-sized extent exists, mirroring ChunkType in
// Chunk.h.
type Type int

const (
	// Unknown is the zero value; a live Node should never have this type.
	Unknown Type = iota
	// Zeroed marks a chunk known to contain only zero bytes.
	Zeroed
	// Arena marks a chunk backing an arena's runs.
	Arena
	// Huge marks a chunk backing a single huge allocation.
	Huge
	// Recycled marks a chunk parked in chunk_recycle's free list.
	Recycled
)

func (t Type) String() string {
	switch t {
	case Zeroed:
		return "zeroed"
	case Arena:
		return "arena"
	case Huge:
		return "huge"
	case Recycled:
		return "recycled"
	default:
		return "unknown"
	}
}

// Node describes one address/size/type tuple. A Node is either parked in
// the chunk recycling trees (BySize and ByAddr both populated, ArenaID
// unused) or registered as a huge allocation's bookkeeping (ByAddr
// populated, ArenaID set to the owning arena), never both at once, the
// same discipline the C++ union enforces between mLinkBySize and
// mArenaId.
type Node struct {
	BySize rbtree.Linkage[Node]
	ByAddr rbtree.Linkage[Node]

	Addr uintptr
	Size uintptr

	// Mapped is the full reserved span backing a huge allocation,
	// including the chunk-ceiling slack and the trailing guard; Size
	// tracks only the page-ceiled usable prefix and shrinks/grows on
	// in-place realloc while Mapped never changes. Unused for nodes
	// parked in the chunk recycle trees.
	Mapped uintptr

	ChunkType Type
	ArenaID   uint64
}

// Contains reports whether addr falls within this extent's [Addr, Addr+Size)
// range.
func (n *Node) Contains(addr uintptr) bool {
	return n.Addr <= addr && addr < n.Addr+n.Size
}

// End returns the address one past the end of this extent.
func (n *Node) End() uintptr { return n.Addr + n.Size }

type bySizeTrait struct{}

func (bySizeTrait) Link(n *Node) *rbtree.Linkage[Node] { return &n.BySize }

// Compare orders by size first and address second, exactly
// ExtentTreeSzTrait::Compare, so a first-fit search over ties between
// equally sized extents still yields a deterministic, address-ordered
// choice.
func (bySizeTrait) Compare(a, b *Node) int {
	if a.Size != b.Size {
		if a.Size < b.Size {
			return -1
		}
		return 1
	}
	return compareAddr(a.Addr, b.Addr)
}

type byAddrTrait struct{}

func (byAddrTrait) Link(n *Node) *rbtree.Linkage[Node] { return &n.ByAddr }
func (byAddrTrait) Compare(a, b *Node) int             { return compareAddr(a.Addr, b.Addr) }

func compareAddr(a, b uintptr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BySize returns a Trait ordering Nodes by (size, address), for the
// recycled-chunk "find a region at least this big" search.
func BySize() rbtree.Trait[Node] { return bySizeTrait{} }

// ByAddr returns a Trait ordering Nodes purely by address, for coalescing
// adjacent extents and for bounds lookups.
func ByAddr() rbtree.Trait[Node] { return byAddrTrait{} }

// Pool is a typed free list of Nodes, so bookkeeping allocations never
// touch the general-purpose heap they describe. It is grounded directly
// on pkg/base.Recycled's typed-free-list mechanism.
type Pool struct {
	arena base.Recycled
}

// New allocates a zeroed Node from the pool.
func (p *Pool) New() *Node {
	return base.New(&p.arena, Node{})
}

// Free returns n to the pool.
func (p *Pool) Free(n *Node) {
	base.Free(&p.arena, n)
}
