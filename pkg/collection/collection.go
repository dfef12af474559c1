// Package collection is the allocator's arena collection: the process-wide
// registry of every live [arena.Arena], keyed by id, that moz_create_arena,
// moz_dispose_arena, and jemalloc_thread_local_arena all go through.
//
// It is grounded on mozjemalloc's gArenas (ArenaCollection in
// mozjemalloc.cpp) and, for the Go shape of a locked collection of
// id-keyed trees, on the teacher's pkg/collection/index Swiss-table map.
// Three separate red-black trees track public, private, and
// main-thread-only arenas exactly as ArenaCollection does, since each has
// a different locking and lookup discipline (spec.md §4.4): public and
// private arenas are looked up under mu; main-thread-only arenas are
// looked up without any lock at all, since by construction only the
// owning goroutine ever touches them.
package collection

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/flier/mozalloc/pkg/arena"
	"github.com/flier/mozalloc/pkg/base"
	"github.com/flier/mozalloc/pkg/collection/index"
	"github.com/flier/mozalloc/pkg/opt"
	"github.com/flier/mozalloc/pkg/rbtree"
)

// entry is one collection member: an id-keyed node wrapping an *arena.Arena,
// the intrusive linkage this package's trees need.
type entry struct {
	ID    uint64
	Arena *arena.Arena
	link  rbtree.Linkage[entry]
}

type byID struct{}

func (byID) Link(e *entry) *rbtree.Linkage[entry] { return &e.link }
func (byID) Compare(a, b *entry) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// Collection is the process-wide registry of arenas, ArenaCollection's
// equivalent.
type Collection struct {
	mu sync.Mutex

	public  *rbtree.Tree[entry]
	private *rbtree.Tree[entry]

	// mainThreadOnly is read and written without mu, relying on the
	// invariant that only the main goroutine ever calls into it (spec.md
	// §4.4's "read without locking since only accessed from the main
	// goroutine/thread").
	mainThreadOnly *rbtree.Tree[entry]

	nextPublicID     uint64
	nextMainThreadID uint64

	// byAny indexes every registered arena by id regardless of which of
	// the three trees it lives in, an O(1) hash lookup the id-ordered
	// trees above can't offer on their own; wired onto the teacher's
	// Swiss-table map so Lookup avoids a tree descent on the common path
	// (dispatching a moz_arena_malloc(arenaId, ...) call).
	byAny *index.Map[uint64, *arena.Arena]

	base *base.Arena
}

// New constructs an empty Collection. base supplies the collection's own
// bookkeeping memory (the index map's backing arrays); arenas registered
// into it are allocated by their own callers.
func New(b *base.Arena) *Collection {
	return &Collection{
		public:           rbtree.New[entry](byID{}),
		private:          rbtree.New[entry](byID{}),
		mainThreadOnly:   rbtree.New[entry](byID{}),
		nextPublicID:     1,
		nextMainThreadID: 1,
		byAny:            index.NewMap[uint64, *arena.Arena](b, 64),
		base:             b,
	}
}

// Create registers a, assigning it a fresh id per its kind (sequential for
// public arenas, random 64-bit non-zero for private ones, spec.md §4.4),
// and returns the id.
func (c *Collection) Create(a *arena.Arena, private bool, mainThreadOnly bool) uint64 {
	if mainThreadOnly {
		// Only the tree itself is lock-free by contract (it is touched by
		// one goroutine only); the id counter and byAny are shared with
		// concurrent creations and lookups, so both mutate under mu.
		c.mu.Lock()
		id := c.newMainThreadID()
		c.byAny.Put(id, a)
		c.mu.Unlock()

		c.mainThreadOnly.Insert(&entry{ID: id, Arena: a})
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint64
	var tree *rbtree.Tree[entry]
	if private {
		id = c.newPrivateID()
		tree = c.private
	} else {
		id = c.nextPublicID
		c.nextPublicID++
		tree = c.public
	}

	tree.Insert(&entry{ID: id, Arena: a})
	c.byAny.Put(id, a)
	return id
}

// mainThreadBit distinguishes a main-thread-only arena's id from a public
// or private one at a glance, matching spec.md §4.4's "a bit distinguishing
// main-thread-only ids".
const mainThreadBit = uint64(1) << 63

// newMainThreadID hands out the next sequential main-thread-only id with
// the distinguishing bit set. Caller must hold c.mu.
func (c *Collection) newMainThreadID() uint64 {
	id := c.nextMainThreadID | mainThreadBit
	c.nextMainThreadID++
	return id
}

// newPrivateID draws a crypto-random non-zero 64-bit id, regenerating on
// collision with an existing private arena id (spec.md §4.4). Caller must
// hold c.mu.
func (c *Collection) newPrivateID() uint64 {
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		id := binary.LittleEndian.Uint64(b[:])
		if id == 0 || id&mainThreadBit != 0 {
			continue
		}
		if c.private.Search(&entry{ID: id}) != nil {
			continue
		}
		return id
	}
}

// Lookup returns the arena registered under id, if any. Main-thread-only
// ids are resolved without taking mu.
func (c *Collection) Lookup(id uint64) opt.Option[*arena.Arena] {
	if id&mainThreadBit != 0 {
		if e := c.mainThreadOnly.Search(&entry{ID: id}); e != nil {
			return opt.Some(e.Arena)
		}
		return opt.None[*arena.Arena]()
	}

	c.mu.Lock()
	a, ok := c.byAny.Get(id)
	c.mu.Unlock()
	if ok {
		return opt.Some(a)
	}
	return opt.None[*arena.Arena]()
}

// Dispose unregisters id, the moz_dispose_arena surface. It returns false
// if id names a still-default or unknown arena (spec.md §4.4 "disposing
// the default arena is always rejected").
func (c *Collection) Dispose(id uint64, isDefault func(uint64) bool) bool {
	if isDefault(id) {
		return false
	}

	if id&mainThreadBit != 0 {
		e := c.mainThreadOnly.Search(&entry{ID: id})
		if e == nil {
			return false
		}
		c.mainThreadOnly.Remove(e)
		c.mu.Lock()
		c.byAny.Delete(id)
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.public.Search(&entry{ID: id}); e != nil {
		c.public.Remove(e)
		c.byAny.Delete(id)
		return true
	}
	if e := c.private.Search(&entry{ID: id}); e != nil {
		c.private.Remove(e)
		c.byAny.Delete(id)
		return true
	}
	return false
}

// Each calls f for every registered arena, public arenas first, then
// private, then main-thread-only; used by jemalloc_purge_freed_pages and
// stats collection to sweep every arena in the process.
func (c *Collection) Each(f func(id uint64, a *arena.Arena)) {
	c.mu.Lock()
	for e := c.public.Min(); e != nil; e = c.public.Next(e) {
		f(e.ID, e.Arena)
	}
	for e := c.private.Min(); e != nil; e = c.private.Next(e) {
		f(e.ID, e.Arena)
	}
	c.mu.Unlock()

	for e := c.mainThreadOnly.Min(); e != nil; e = c.mainThreadOnly.Next(e) {
		f(e.ID, e.Arena)
	}
}
