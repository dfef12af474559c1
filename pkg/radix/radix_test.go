package radix_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"

	"github.com/flier/mozalloc/pkg/radix"
)

func TestGetSetUnset(t *testing.T) {
	Convey("Given a radix tree over 20 significant bits", t, func() {
		tr := radix.New[int](20)

		Convey("an unset address reports not found", func() {
			_, ok := tr.Get(0x12345)
			So(ok, ShouldBeFalse)
		})

		Convey("Set then Get round-trips the value", func() {
			So(tr.Set(0x12345, 42), ShouldBeTrue)
			v, ok := tr.Get(0x12345)
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 42)
		})

		Convey("Unset removes a previously set value", func() {
			tr.Set(0xabcd, 7)
			So(tr.Unset(0xabcd), ShouldBeTrue)
			_, ok := tr.Get(0xabcd)
			So(ok, ShouldBeFalse)
		})

		Convey("distinct addresses do not collide", func() {
			tr.Set(0x0001, 1)
			tr.Set(0x0002, 2)
			tr.Set(0xfffff, 3)

			v1, _ := tr.Get(0x0001)
			v2, _ := tr.Get(0x0002)
			v3, _ := tr.Get(0xfffff)
			So(v1, ShouldEqual, 1)
			So(v2, ShouldEqual, 2)
			So(v3, ShouldEqual, 3)
		})
	})
}

func TestManyAddresses(t *testing.T) {
	tr := radix.New[int](32)

	for i := 0; i < 5000; i++ {
		addr := uintptr(i) * 4096
		assert.True(t, tr.Set(addr, i))
	}

	for i := 0; i < 5000; i++ {
		addr := uintptr(i) * 4096
		v, ok := tr.Get(addr)
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestUnsetIsIdempotent(t *testing.T) {
	tr := radix.New[struct{}](16)
	assert.True(t, tr.Unset(0x1234))
}
