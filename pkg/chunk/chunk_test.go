package chunk_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"

	"github.com/flier/mozalloc/pkg/chunk"
	"github.com/flier/mozalloc/pkg/extent"
	"github.com/flier/mozalloc/pkg/vm"
)

func TestAllocOwnsAndDealloc(t *testing.T) {
	Convey("Given a fresh chunk manager", t, func() {
		m := chunk.New(48, 8*chunk.Size)

		Convey("Alloc returns a chunk-aligned, owned address", func() {
			addr, ok := m.Alloc(chunk.Size, chunk.Size, false)
			So(ok, ShouldBeTrue)
			So(addr%chunk.Size, ShouldEqual, 0)
			So(m.Owns(addr), ShouldBeTrue)

			Convey("Dealloc releases ownership and parks it for recycling", func() {
				m.Dealloc(addr, chunk.Size, extent.Arena)
				So(m.Owns(addr), ShouldBeFalse)
				So(m.RecycledSize(), ShouldEqual, chunk.Size)
			})
		})

		Convey("a base allocation is never registered in the ownership tree", func() {
			addr, ok := m.Alloc(chunk.Size, chunk.Size, true)
			So(ok, ShouldBeTrue)
			So(m.Owns(addr), ShouldBeFalse)

			vm.Unmap(addr, chunk.Size)
		})
	})
}

func TestDeallocThenAllocRecycles(t *testing.T) {
	m := chunk.New(48, 8*chunk.Size)

	addr1, ok := m.Alloc(chunk.Size, chunk.Size, false)
	assert.True(t, ok)

	m.Dealloc(addr1, chunk.Size, extent.Arena)
	assert.Equal(t, int64(chunk.Size), m.RecycledSize())

	addr2, ok := m.Alloc(chunk.Size, chunk.Size, false)
	assert.True(t, ok)
	assert.Equal(t, addr1, addr2, "the recycled chunk should be reused verbatim")
	assert.Equal(t, int64(0), m.RecycledSize())
}

func TestDeallocCoalescesAdjacentChunks(t *testing.T) {
	m := chunk.New(48, 8*chunk.Size)

	// A single mapping of two chunks guarantees lo and hi are genuinely
	// address-adjacent, rather than relying on the OS happening to place
	// two independent mmap calls next to each other.
	base, ok := m.Alloc(2*chunk.Size, chunk.Size, false)
	assert.True(t, ok)

	lo, hi := base, base+chunk.Size

	// Free the upper half first, then the lower half, so the lower half's
	// Dealloc exercises the forward-coalescing path.
	m.Dealloc(hi, chunk.Size, extent.Arena)
	m.Dealloc(lo, chunk.Size, extent.Arena)

	assert.Equal(t, int64(2*chunk.Size), m.RecycledSize())

	// A single allocation spanning both chunks should now be satisfiable
	// straight from the recycle tree without a fresh mapping.
	addr3, ok := m.Alloc(2*chunk.Size, chunk.Size, false)
	assert.True(t, ok)
	assert.Equal(t, lo, addr3)
}

func TestRecycleLimitUnmapsOverflow(t *testing.T) {
	m := chunk.New(48, chunk.Size) // room for exactly one chunk

	a1, _ := m.Alloc(chunk.Size, chunk.Size, false)
	a2, _ := m.Alloc(chunk.Size, chunk.Size, false)

	m.Dealloc(a1, chunk.Size, extent.Arena)
	assert.Equal(t, int64(chunk.Size), m.RecycledSize())

	m.Dealloc(a2, chunk.Size, extent.Arena)
	assert.Equal(t, int64(chunk.Size), m.RecycledSize(), "the budget must not grow past recycleLimit")
}

func TestOwnsInteriorAddress(t *testing.T) {
	m := chunk.New(48, 8*chunk.Size)

	addr, ok := m.Alloc(chunk.Size, chunk.Size, false)
	assert.True(t, ok)

	assert.True(t, m.Owns(addr+chunk.Size/2), "any address inside an owned chunk is owned")
	assert.False(t, m.Owns(addr+chunk.Size), "the first address past the chunk is not")

	m.Dealloc(addr, chunk.Size, extent.Arena)
}
