package mozalloc

import "github.com/flier/mozalloc/pkg/arena"

// PurgeFreedPages implements jemalloc_purge_freed_pages: a hard-purge pass
// (the MALLOC_DOUBLE_PURGE behavior) across every arena in the process. On
// platforms whose ordinary purge is lazy this is the only way to force
// pages actually out of residency; elsewhere it is a cheap no-op per arena
// with an empty double-purge list.
func (m *Allocator) PurgeFreedPages() {
	m.purgeAll("jemalloc_purge_freed_pages", func(a *arena.Arena) { a.HardPurge() })
}

// FreeDirtyPages implements jemalloc_free_dirty_pages: an ordinary purge
// sweep with maxDirty pinned to 1, driving every arena's dirty count as
// close to zero as a single sweep allows.
func (m *Allocator) FreeDirtyPages() {
	m.purgeAll("jemalloc_free_dirty_pages", func(a *arena.Arena) { a.Purge(1) })
}

// SetMaxDirtyPageModifier implements moz_set_max_dirty_page_modifier: a
// process-wide signed shift applied to every arena's effective max-dirty
// threshold, clamped per-arena by whichever ModifierSign each arena was
// created with.
func SetMaxDirtyPageModifier(m int32) {
	arena.SetMaxDirtyPageModifier(m)
}

type purgeReport struct {
	id     uint64
	before arena.Stats
}

// purgeAll sweeps every arena with op, then reports to the profiler
// observer. Reports are gathered during the sweep but delivered only after
// it, so no allocator lock (the collection's included) is held across the
// callback.
func (m *Allocator) purgeAll(caller string, op func(*arena.Arena)) {
	var reports []purgeReport
	m.col.Each(func(id uint64, a *arena.Arena) {
		before := a.Stats()
		op(a)
		if before.Dirty > 0 {
			reports = append(reports, purgeReport{id, before})
		}
	})
	for _, r := range reports {
		m.notifyPurge(PurgeStats{
			ArenaID:     r.id,
			ArenaLabel:  arenaLabel(r.id, m.defaultID),
			Caller:      caller,
			Pages:       r.before.Dirty,
			SystemCalls: r.before.Dirty, // one madvise/decommit per maximal range, worst case one per page.
		})
	}
}

func arenaLabel(id, defaultID uint64) string {
	if id == defaultID {
		return "default"
	}
	return "private"
}
