package feed

import (
	"sync"

	"orafinite.ai/cli/internal/core/buffer"
	"orafinite.ai/cli/internal/core/event"
)

// Filters narrows the historical query. A filter change invalidates the
// live feed's applicability, so applying one resets all live state.
type Filters struct {
	Status      string // "", "safe", "threat"
	RequestType string // "", or a backend request type such as "prompt"
}

// Reconciler merges a live, append-only event feed with a bounded,
// server-paginated historical query into one consistent activity view.
//
// On page 1 the visible list is the deduplicated concatenation of live
// events and the historical page, truncated to perPage; the historical
// copy wins on id collision since it carries richer fields. On any other
// page live events never touch the visible list; they only increment the
// pending counter behind the "N new events" affordance.
type Reconciler struct {
	mu         sync.Mutex
	perPage    int
	page       int
	filters    Filters
	historical []event.GuardLogEvent
	serverInfo PaginationInfo
	live       *buffer.EventBuffer
	pending    int
}

// NewReconciler creates a reconciler for pages of perPage items backed by
// a live buffer capped at maxLive events.
func NewReconciler(perPage, maxLive int) *Reconciler {
	if perPage < 1 {
		perPage = 1
	}
	return &Reconciler{
		perPage:    perPage,
		page:       1,
		live:       buffer.New(maxLive),
		serverInfo: NewPaginationInfo(1, perPage, 0),
	}
}

// ApplyPage installs a freshly fetched historical page. Any fresh page
// load resets the pending counter; a page-1 load is the reconciliation
// point and additionally clears the live buffer.
func (r *Reconciler) ApplyPage(page int, items []event.GuardLogEvent, info PaginationInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if page < 1 {
		page = 1
	}
	r.page = page
	r.historical = append([]event.GuardLogEvent(nil), items...)
	r.serverInfo = info
	r.pending = 0
	if page == 1 {
		r.live.Clear()
	}
}

// LiveEvent feeds one event from the push stream into the view. While
// page 1 is displayed the event joins the live buffer; on any other page
// it only bumps the pending counter so page contents stay stable.
func (r *Reconciler) LiveEvent(e event.GuardLogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.page == 1 {
		r.live.Push(e)
		return
	}
	r.pending++
}

// Visible returns the items to display for the current page, newest
// first, truncated to perPage.
func (r *Reconciler) Visible() []event.GuardLogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.page != 1 {
		items := append([]event.GuardLogEvent(nil), r.historical...)
		if len(items) > r.perPage {
			items = items[:r.perPage]
		}
		return items
	}

	merged := r.mergedPageOne()
	if len(merged) > r.perPage {
		merged = merged[:r.perPage]
	}
	return merged
}

// Pagination returns the metadata to display. On page 1 the totals are
// adjusted upward by the live events the server has not counted yet, so
// the page count never silently disagrees with the live feed.
func (r *Reconciler) Pagination() PaginationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.page != 1 {
		return r.serverInfo
	}
	extra := r.uniqueLiveCount() + r.pending
	if extra == 0 {
		return r.serverInfo
	}
	return NewPaginationInfo(r.page, r.perPage, r.serverInfo.TotalItems+extra)
}

// PendingCount reports how many live events arrived while the viewer was
// away from page 1 since the last fresh page load.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Page reports the page currently displayed.
func (r *Reconciler) Page() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page
}

// Filters returns the active historical-query filters.
func (r *Reconciler) Filters() Filters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filters
}

// JumpToLatest resets the view to page 1, zeroes the pending counter and
// drops all live state. The caller must re-fetch page 1 and install it
// via ApplyPage; this is the drift-reconciliation point.
func (r *Reconciler) JumpToLatest() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.page = 1
	r.pending = 0
	r.live.Clear()
}

// SetFilters installs new query filters, resetting to page 1 and clearing
// every piece of live and historical state accumulated under the old
// query.
func (r *Reconciler) SetFilters(f Filters) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.filters = f
	r.page = 1
	r.pending = 0
	r.historical = nil
	r.serverInfo = NewPaginationInfo(1, r.perPage, 0)
	r.live.Clear()
}

// mergedPageOne joins live and historical events, suppressing live
// duplicates of ids already present in the historical page. Callers hold
// r.mu.
func (r *Reconciler) mergedPageOne() []event.GuardLogEvent {
	seen := make(map[string]struct{}, len(r.historical))
	for _, h := range r.historical {
		seen[h.ID] = struct{}{}
	}

	liveSnap := r.live.Snapshot()
	merged := make([]event.GuardLogEvent, 0, len(liveSnap)+len(r.historical))
	for _, e := range liveSnap {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	return append(merged, r.historical...)
}

// uniqueLiveCount counts live events not already covered by the
// historical page. Callers hold r.mu.
func (r *Reconciler) uniqueLiveCount() int {
	seen := make(map[string]struct{}, len(r.historical))
	for _, h := range r.historical {
		seen[h.ID] = struct{}{}
	}

	n := 0
	for _, e := range r.live.Snapshot() {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		n++
	}
	return n
}
