// Package vm is the allocator's OS page facade: the only place that calls
// into the kernel's virtual-memory primitives.
//
// Every other package talks to pages through here, never through
// golang.org/x/sys/unix directly, so that the commit/decommit/purge
// semantics described in spec.md §4.1 are centralised in one place. The
// retry/backoff shape mirrors mozjemalloc's MozVirtualAlloc wrapper (see
// _examples/original_source/memory/build/mozjemalloc.cpp).
package vm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flier/mozalloc/internal/debug"
	"github.com/flier/mozalloc/pkg/res"
	"github.com/flier/mozalloc/pkg/xerrors"
)

// ErrorKind distinguishes the two failure modes spec.md §4.1/§7 call out:
// address space exhaustion (map itself fails) versus backing-store
// exhaustion (the pages can't be committed).
type ErrorKind int

const (
	// OutOfAddressSpace means Map could not reserve a range at all.
	OutOfAddressSpace ErrorKind = iota
	// OutOfBackingStore means Commit could not back an already-reserved range.
	OutOfBackingStore
)

func (k ErrorKind) String() string {
	if k == OutOfBackingStore {
		return "out of backing store"
	}
	return "out of address space"
}

// Error is the typed error every vm operation that can fail returns. Callers
// use [xerrors.AsA] to recover the Kind, matching spec.md §7's error
// taxonomy table.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// KindOf recovers the ErrorKind from an error returned by this package, if
// any. This is the canonical use of [xerrors.AsA] in this module.
func KindOf(err error) (ErrorKind, bool) {
	e, ok := xerrors.AsA[*Error](err)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}

// Page is the default page size assumed before any runtime override (the
// "P" option in spec.md §6 can multiply it).
const Page = 4096

// Map reserves and commits size bytes of fresh virtual memory.
//
// hint is accepted for parity with spec.md §4.1 ("reserve+commit size
// bytes at or above hint if possible") but golang.org/x/sys/unix's Mmap
// wrapper has no address-hint parameter on any platform it supports, so a
// hint is always treated as "anywhere" here; callers (the chunk manager)
// are already required to tolerate a misaligned result and trim, which is
// exactly the fallback spec.md's chunk_alloc algorithm describes for a
// hint that could not be honored.
func Map(hint uintptr, size int) res.Result[uintptr] {
	_ = hint

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return res.Err[uintptr](&Error{OutOfAddressSpace, "map", err})
	}

	return res.Ok(addrOf(b))
}

// Unmap releases a range previously returned by Map.
func Unmap(addr uintptr, size int) {
	if err := unix.Munmap(viewOf(addr, size)); err != nil {
		debug.Log(nil, "vm.Unmap", "munmap(%#x, %d) failed: %v", addr, size, err)
	}
}

// Commit makes a range readable and writable, backing it with physical
// storage. On platforms with explicit commit semantics the caller is
// expected to have rounded addr/size to page granularity already; this
// facade does it again defensively.
func Commit(addr uintptr, size int) res.Result[struct{}] {
	addr, size = roundToPages(addr, size)
	if err := unix.Mprotect(viewOf(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return res.Err[struct{}](&Error{OutOfBackingStore, "commit", err})
	}
	return res.Ok(struct{}{})
}

// Decommit makes a range inaccessible; on POSIX this is implemented as an
// overwrite with PROT_NONE, exactly as spec.md §4.1 specifies, rather than
// an actual unmap, so the address range stays reserved.
func Decommit(addr uintptr, size int) res.Result[struct{}] {
	addr, size = roundToPages(addr, size)
	if err := unix.Mprotect(viewOf(addr, size), unix.PROT_NONE); err != nil {
		return res.Err[struct{}](&Error{OutOfBackingStore, "decommit", err})
	}
	return res.Ok(struct{}{})
}

// Purge is a best-effort hint that the OS may reclaim the physical pages
// backing a range without changing its protection or reservation. It
// returns whether the platform guarantees the pages read back as zero.
//
// Linux's MADV_DONTNEED guarantees zeroed re-reads (unlike Darwin's
// MADV_FREE, which mozjemalloc's Constants.h notes is why
// MALLOC_DOUBLE_PURGE exists there; see pkg/arena's HardPurge for the
// double-purge equivalent this module always carries).
func Purge(addr uintptr, size int, forceZero bool) (guaranteesZeroed bool, err error) {
	_ = forceZero
	addr, size = roundToPages(addr, size)
	if err := unix.Madvise(viewOf(addr, size), unix.MADV_DONTNEED); err != nil {
		return false, &Error{OutOfBackingStore, "purge", err}
	}
	return true, nil
}

// StallAndRetry wraps op in a bounded retry loop for platforms whose VM
// subsystem may transiently fail a commit while growing its page file
// (spec.md §4.1). attempts should be 10 for the main process and 5
// otherwise. Each retry sleeps 50ms. If op eventually succeeds, the error
// state observed on earlier attempts is discarded, matching the spec's
// requirement that a successful retry not pollute process-wide telemetry.
func StallAndRetry(attempts int, op func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := op(); err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

func roundToPages(addr uintptr, size int) (uintptr, int) {
	base := addr &^ (Page - 1)
	end := (addr + uintptr(size) + Page - 1) &^ (Page - 1)
	return base, int(end - base)
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func viewOf(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
