//go:build go1.20

package xunsafe

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/flier/mozalloc/pkg/xunsafe/layout"
)

// Addr is a typed, GC-opaque address: the numeric value of a *T without
// holding the GC-visible pointer itself. It is how pkg/base and the arena
// layer track bump pointers and chunk boundaries over raw, OS-mapped
// memory that the Go garbage collector must never scan.
//
// Arithmetic on an Addr[T] is scaled by sizeof(T), exactly like pointer
// arithmetic in C; ByteAdd is the untyped (byte-granular) escape hatch.
type Addr[T any] uintptr

// AddrOf returns the address of p without retaining p itself as a live GC
// root beyond this call.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address one past the last element of s.
func EndOf[T any](s []T) Addr[T] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid converts the address back into a pointer. It returns nil for
// the zero address, matching the "null is a valid not-found sentinel"
// convention used throughout pkg/base's free lists.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add adds n elements (not bytes) to the address.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](uintptr(n)*uintptr(layout.Size[T]()))
}

// ByteAdd adds n raw bytes to the address, ignoring T's size.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of elements of T between b and a (a-b)/sizeof(T).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(uintptr(a)-uintptr(b)) / layout.Size[T]()
}

// Padding returns the number of bytes needed to round a up to align.
func (a Addr[T]) Padding(align int) int {
	return int(layout.Padding(uintptr(a), uintptr(align)))
}

// RoundUpTo rounds a up to the nearest multiple of align.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}

// SignBit reports whether the most significant bit of the address is set.
func (a Addr[T]) SignBit() bool {
	return uintptr(a)>>(bits.UintSize-1)&1 != 0
}

// SignBitMask returns all-ones if SignBit is set, else zero; useful for
// branchless masking, mirroring the C idiom `(intptr_t)a >> (width-1)`.
func (a Addr[T]) SignBitMask() Addr[T] {
	if a.SignBit() {
		return Addr[T](^uintptr(0))
	}
	return 0
}

// ClearSignBit returns a with its most significant bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (bits.UintSize - 1))
}

// Format implements fmt.Formatter so Addr values print as hex addresses
// regardless of verb, matching how the rest of this module logs pointers.
func (a Addr[T]) Format(f fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(f, "%x", uintptr(a))
	case 'X':
		fmt.Fprintf(f, "%X", uintptr(a))
	default:
		fmt.Fprintf(f, "0x%x", uintptr(a))
	}
}
