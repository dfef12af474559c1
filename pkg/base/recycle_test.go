//go:build go1.22

package base_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/mozalloc/pkg/base"
)

func TestRecycled_Alloc(t *testing.T) {
	Convey("Given a Recycled arena", t, func() {
		r := &base.Recycled{}

		Convey("When allocating different sizes", func() {
			sizes := []int{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}
			ptrs := make([]*byte, len(sizes))
			for i, size := range sizes {
				ptrs[i] = r.Alloc(size)
			}

			Convey("Every allocation is aligned and writable", func() {
				for i, p := range ptrs {
					So(p, ShouldNotBeNil)
					So(uintptr(unsafe.Pointer(p))%uintptr(base.Align), ShouldEqual, 0)
					*p = byte(i)
					So(*p, ShouldEqual, byte(i))
				}
			})
		})

		Convey("When a released block is requested again at the same class", func() {
			p1 := r.Alloc(64)
			*p1 = 0xAB
			r.Release(p1, 64)

			p2 := r.Alloc(64)

			Convey("The block is reused and zeroed", func() {
				So(p2, ShouldEqual, p1)
				So(*p2, ShouldEqual, byte(0))
			})
		})

		Convey("When releasing a block smaller than Align", func() {
			p := r.Alloc(8)

			Convey("Release does not panic and the block is simply dropped", func() {
				So(func() { r.Release(p, 8) }, ShouldNotPanic)
			})
		})

		Convey("When allocating zero bytes", func() {
			Convey("It is delegated to the embedded Arena without panicking", func() {
				So(func() { r.Alloc(0) }, ShouldNotPanic)
			})
		})
	})
}

func TestRecycled_MultipleClassesDoNotCollide(t *testing.T) {
	Convey("Given a Recycled arena with blocks released across several classes", t, func() {
		r := &base.Recycled{}
		sizes := []int{64, 128, 256, 512}

		var released []*byte
		for _, size := range sizes {
			p := r.Alloc(size)
			released = append(released, p)
		}
		for i, p := range released {
			r.Release(p, sizes[i])
		}

		Convey("Reallocating each size returns the matching recycled block", func() {
			for i, size := range sizes {
				p := r.Alloc(size)
				So(p, ShouldEqual, released[i])
			}
		})
	})
}
