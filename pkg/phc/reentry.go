package phc

import "github.com/timandy/routine"

// reentryFlags is the per-goroutine state spec.md §5 requires: a
// re-entrancy guard (PHC must never recurse into itself, e.g. if its own
// bookkeeping allocation were somehow routed back through PHC) and a
// disable flag a stack-walker equivalent can set to keep PHC off the hot
// path while it is unwinding this goroutine's stack.
type reentryFlags struct {
	inPHC    bool
	disabled bool
}

var tls = routine.NewThreadLocal[*reentryFlags]()

func flags() *reentryFlags {
	f := tls.Get()
	if f == nil {
		f = &reentryFlags{}
		tls.Set(f)
	}
	return f
}

// beginReentryGuard reports whether the calling goroutine may enter PHC
// right now: it must not already be inside PHC, and must not have asked
// to be disabled (the MozStackWalk-equivalent case, spec.md §5).
func beginReentryGuard() bool {
	f := flags()
	if f.inPHC || f.disabled {
		return false
	}
	f.inPHC = true
	return true
}

func endReentryGuard() {
	flags().inPHC = false
}

// Disable prevents the calling goroutine from entering PHC until Enable
// is called, for use around stack-walking that must not recurse into an
// allocator it might itself trigger.
func Disable() { flags().disabled = true }

// Enable re-allows the calling goroutine to enter PHC.
func Enable() { flags().disabled = false }
