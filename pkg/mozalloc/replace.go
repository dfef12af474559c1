package mozalloc

// Table is the replace-malloc dispatch point: a plain table of function
// pointers, initialised once, that every call to the package-level
// Malloc/Free/Realloc/... functions indirects through. It exists to let a
// third-party tool (a leak checker, a sampling profiler) swap in its own
// implementation ahead of the canonical one; the allocator core neither
// knows nor cares whether it is installed. Building out actual replacement
// tooling itself is out of scope here.
type Table struct {
	Malloc           func(size int) *byte
	Calloc           func(n, size int) *byte
	Realloc          func(ptr *byte, oldSize, newSize int) *byte
	Free             func(ptr *byte, size int)
	Memalign         func(alignment, size int) *byte
	MallocUsableSize func(ptr *byte) int
}

// defaultTable points every entry at the given Allocator's own methods, the
// table's state prior to any replace-malloc tool installing itself.
func defaultTable(a *Allocator) *Table {
	return &Table{
		Malloc:           a.Malloc,
		Calloc:           a.Calloc,
		Realloc:          a.Realloc,
		Free:             a.Free,
		Memalign:         a.Memalign,
		MallocUsableSize: a.MallocUsableSize,
	}
}

var activeTable *Table

// SetTable installs t as the table every package-level entry point (Malloc,
// Free, ...) dispatches through. Passing nil restores Default()'s own
// table. Only one table is active process-wide, matching the original's
// single global function-pointer table.
func SetTable(t *Table) {
	if t == nil {
		t = defaultTable(Default())
		activeTable = t
		return
	}
	activeTable = t
}

func table() *Table {
	if activeTable == nil {
		activeTable = defaultTable(Default())
	}
	return activeTable
}

// Malloc dispatches to the active replace-malloc table's Malloc, the
// package-level convenience wrapper over Default().
func Malloc(size int) *byte { return table().Malloc(size) }

// Calloc dispatches to the active table's Calloc.
func Calloc(n, size int) *byte { return table().Calloc(n, size) }

// Realloc dispatches to the active table's Realloc.
func Realloc(ptr *byte, oldSize, newSize int) *byte {
	return table().Realloc(ptr, oldSize, newSize)
}

// Free dispatches to the active table's Free.
func Free(ptr *byte, size int) { table().Free(ptr, size) }

// Memalign dispatches to the active table's Memalign.
func Memalign(alignment, size int) *byte { return table().Memalign(alignment, size) }

// MallocUsableSize dispatches to the active table's MallocUsableSize.
func MallocUsableSize(ptr *byte) int { return table().MallocUsableSize(ptr) }
