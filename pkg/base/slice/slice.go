// Package slice is a raw slice type backed by the base allocator.
//
// Unlike an ordinary Go slice, a Slice carries no Go pointer the garbage
// collector tracks: its backing memory comes from a [base.Allocator] and
// lives for the lifetime of that allocator. It exists for bookkeeping
// structures (the arena-collection index, most prominently) whose storage
// must not route through the heap the allocator itself serves.
package slice

import (
	"unsafe"

	"github.com/flier/mozalloc/pkg/base"
	"github.com/flier/mozalloc/pkg/xunsafe"
	"github.com/flier/mozalloc/pkg/xunsafe/layout"
)

// Slice is a fixed-capacity slice pointing into base-allocated memory. It
// must be kept alive no longer than its owning allocator.
type Slice[T any] struct {
	ptr      *T
	len, cap uint32
}

// FromParts assembles a Slice from its raw components.
func FromParts[T any](ptr *T, len, cap uint32) Slice[T] {
	return Slice[T]{ptr, len, cap}
}

// Make allocates a zeroed slice of n elements of T from a.
func Make[T any](a base.Allocator, n int) Slice[T] {
	size := layout.Size[T]()
	p := xunsafe.Cast[T](a.Alloc(n * size))
	return FromParts(p, uint32(n), uint32(n))
}

// Of allocates a slice holding copies of the given values.
func Of[T any](a base.Allocator, values ...T) Slice[T] {
	s := Make[T](a, len(values))
	copy(s.Raw(), values)
	return s
}

// Release returns the slice's backing memory to a.
func (s Slice[T]) Release(a base.Allocator) {
	if s.ptr == nil {
		return
	}
	a.Release(xunsafe.Cast[byte](s.ptr), s.Cap()*layout.Size[T]())
}

// Len returns the number of elements in s.
func (s Slice[T]) Len() int { return int(s.len) }

// Cap returns the capacity of s.
func (s Slice[T]) Cap() int { return int(s.cap) }

// Ptr returns the address of the first element, or nil for an empty slice.
func (s Slice[T]) Ptr() *T { return s.ptr }

// Get returns a pointer to the i-th element.
func (s Slice[T]) Get(i int) *T {
	if uint32(i) >= s.len {
		panic("slice: index out of range")
	}
	return (*T)(unsafe.Add(unsafe.Pointer(s.ptr), uintptr(i)*uintptr(layout.Size[T]())))
}

// Load returns a copy of the i-th element.
func (s Slice[T]) Load(i int) T { return *s.Get(i) }

// Store overwrites the i-th element with v.
func (s Slice[T]) Store(i int, v T) { *s.Get(i) = v }

// Raw views the slice as an ordinary Go slice over the same memory.
func (s Slice[T]) Raw() []T {
	if s.ptr == nil {
		return nil
	}
	return unsafe.Slice(s.ptr, s.len)
}
