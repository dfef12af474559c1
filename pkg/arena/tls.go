package arena

import (
	"github.com/timandy/routine"

	"github.com/flier/mozalloc/pkg/sizeclass"
)

// pinned is the goroutine-local arena pin installed by jemalloc_thread_local_arena
// (spec.md §4.3's "arena selection"): once a goroutine pins an arena, every
// quantum-class allocation it makes with no explicit arena goes there
// instead of to the default arena (see Select).
var pinned = routine.NewThreadLocal[*Arena]()

// Pin pins the calling goroutine to a, so subsequent unqualified
// allocations from it are served by a rather than its assigned default
// arena. Passing nil unpins.
func Pin(a *Arena) {
	if a == nil {
		pinned.Remove()
		return
	}
	pinned.Set(a)
}

// Pinned returns the calling goroutine's pinned arena, or nil if none.
func Pinned() *Arena {
	return pinned.Get()
}

// Select returns the arena an unqualified allocation from the calling
// goroutine should use: its pin if one is set, otherwise fallback.
// Requests above the largest quantum-class size always go to fallback
// regardless of pinning (spec.md §4.3 "larger-than-quantum requests
// always route to the default arena", since per-goroutine arenas exist to
// reduce contention on small, hot allocations, not on Large/Huge ones).
func Select(n int, fallback *Arena) *Arena {
	if n > sizeclass.MaxQuantum {
		return fallback
	}
	if a := Pinned(); a != nil {
		return a
	}
	return fallback
}
