//go:build go1.23

package res_test

import (
	"io"
	"slices"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/flier/mozalloc/pkg/res"
)

func TestIter(t *testing.T) {
	Convey("Given ok results", t, func() {
		ok := Ok(123)
		err := Err[int](io.EOF)

		Convey("Then iterate the result", func() {
			So(slices.Collect(ok.Iter()), ShouldResemble, []int{123})
			So(slices.Collect(err.Iter()), ShouldBeEmpty)
		})
	})
}
