package services

import (
	"context"
	"log/slog"
	"sync"

	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/feed"
	"orafinite.ai/cli/internal/infrastructure/api"
	"orafinite.ai/cli/internal/infrastructure/sse"
)

// GuardHistory serves paginated guard log history and aggregate stats.
type GuardHistory interface {
	GuardLogs(ctx context.Context, q api.GuardLogQuery) (api.GuardLogPage, error)
	GuardStats(ctx context.Context, hours int) (api.GuardStats, error)
}

// LiveFeedService drives the guard log dashboard: it keeps the push
// stream connected through the reconnection controller, reconciles live
// events against paginated history, and tracks the rolling stats banner.
// Every externally visible change funnels through a single onChange
// notification so a UI can re-render from the accessors.
type LiveFeedService struct {
	history GuardHistory
	ctrl    *sse.Controller
	rec     *feed.Reconciler
	perPage int
	logger  *slog.Logger

	mu        sync.Mutex
	stats     api.GuardStats
	connState sse.ConnState
	attempt   int
	onChange  func()
}

// NewLiveFeedService wires the feed against the backend. streamURL is
// the full guard events stream URL; tickets supplies one-time stream
// tickets and may be the API gateway itself.
func NewLiveFeedService(history GuardHistory, streamURL string, tickets sse.TicketSource, perPage, maxLive int, logger *slog.Logger) *LiveFeedService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LiveFeedService{
		history: history,
		rec:     feed.NewReconciler(perPage, maxLive),
		perPage: perPage,
		logger:  logger,
	}
	s.ctrl = sse.NewController(streamURL, tickets, sse.Events{
		OnGuardLog:    s.liveEvent,
		OnStatsUpdate: s.statsUpdate,
	}, s.stateChanged, logger)
	return s
}

// SetOnChange registers the re-render hook. Call before Start; the hook
// may fire from stream goroutines.
func (s *LiveFeedService) SetOnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start connects the stream and loads the first history page. A history
// load failure is returned but the stream stays up; live events still
// flow into page one.
func (s *LiveFeedService) Start(ctx context.Context) error {
	s.ctrl.Connect()
	return s.LoadPage(ctx, 1)
}

// Stop disconnects the stream. History state is kept so a UI can keep
// rendering the last known view.
func (s *LiveFeedService) Stop() {
	s.ctrl.Disconnect()
}

// Reconnect restarts the stream after a manual disconnect or auth fix.
func (s *LiveFeedService) Reconnect() {
	s.ctrl.Connect()
}

// LoadPage fetches one history page and reconciles it into the view.
func (s *LiveFeedService) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	resp, err := s.history.GuardLogs(ctx, api.GuardLogQuery{
		Page:    page,
		PerPage: s.perPage,
		Filters: s.rec.Filters(),
	})
	if err != nil {
		return err
	}
	s.rec.ApplyPage(page, resp.Logs, resp.Pagination)
	s.notify()
	return nil
}

// NextPage and PrevPage move through history, clamped to the known
// bounds.
func (s *LiveFeedService) NextPage(ctx context.Context) error {
	if !s.rec.Pagination().HasNext {
		return nil
	}
	return s.LoadPage(ctx, s.rec.Page()+1)
}

func (s *LiveFeedService) PrevPage(ctx context.Context) error {
	if !s.rec.Pagination().HasPrev {
		return nil
	}
	return s.LoadPage(ctx, s.rec.Page()-1)
}

// JumpToLatest returns to page one, clears the pending counter, and
// refetches so the newest events are visible.
func (s *LiveFeedService) JumpToLatest(ctx context.Context) error {
	s.rec.JumpToLatest()
	return s.LoadPage(ctx, 1)
}

// SetFilters replaces the active filters and reloads from page one.
func (s *LiveFeedService) SetFilters(ctx context.Context, f feed.Filters) error {
	s.rec.SetFilters(f)
	return s.LoadPage(ctx, 1)
}

// RefreshStats fetches the aggregate stats banner over REST, used at
// startup before the first stats_update frame arrives.
func (s *LiveFeedService) RefreshStats(ctx context.Context, hours int) error {
	stats, err := s.history.GuardStats(ctx, hours)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	s.notify()
	return nil
}

// Visible returns the events for the current page, newest first on page
// one.
func (s *LiveFeedService) Visible() []event.GuardLogEvent {
	return s.rec.Visible()
}

// Pagination returns the adjusted pagination for the current view.
func (s *LiveFeedService) Pagination() feed.PaginationInfo {
	return s.rec.Pagination()
}

// PendingCount reports live events held back while browsing history.
func (s *LiveFeedService) PendingCount() int {
	return s.rec.PendingCount()
}

// Page returns the current history page.
func (s *LiveFeedService) Page() int {
	return s.rec.Page()
}

// Filters returns the active filters.
func (s *LiveFeedService) Filters() feed.Filters {
	return s.rec.Filters()
}

// Stats returns the latest stats banner values.
func (s *LiveFeedService) Stats() api.GuardStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ConnectionState reports the stream state and, when reconnecting, the
// attempt the current delay was computed from.
func (s *LiveFeedService) ConnectionState() (sse.ConnState, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState, s.attempt
}

func (s *LiveFeedService) liveEvent(e event.GuardLogEvent) {
	if !s.matchesFilters(e) {
		return
	}
	s.rec.LiveEvent(e)
	s.notify()
}

// matchesFilters applies the active filters to a live event, mirroring
// the server-side filtering of the history endpoint.
func (s *LiveFeedService) matchesFilters(e event.GuardLogEvent) bool {
	f := s.rec.Filters()
	if f.Status != "" {
		safe := f.Status == "safe"
		if e.IsSafe != safe {
			return false
		}
	}
	if f.RequestType != "" && e.RequestType != f.RequestType {
		return false
	}
	return true
}

func (s *LiveFeedService) statsUpdate(u event.StatsUpdate) {
	s.mu.Lock()
	s.stats.TotalRequests = u.TotalScans
	s.stats.ThreatsBlocked = u.ThreatsBlocked
	s.stats.SafeRequests = u.SafePrompts
	s.stats.AvgLatencyMS = u.AvgLatency
	s.mu.Unlock()
	s.notify()
}

// stateChanged runs with the controller lock held; it must only record
// and notify, never call back into the controller.
func (s *LiveFeedService) stateChanged(state sse.ConnState, attempt int) {
	s.mu.Lock()
	s.connState = state
	s.attempt = attempt
	s.mu.Unlock()
	s.notify()
}

func (s *LiveFeedService) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
