package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/scan"
	"orafinite.ai/cli/internal/infrastructure/sse"
)

// DefaultPollInterval is the scan status poll cadence when the caller
// does not override it.
const DefaultPollInterval = 2500 * time.Millisecond

// ScanPoller fetches the current status snapshot for a scan.
type ScanPoller interface {
	ScanStatus(ctx context.Context, scanID string) (scan.Update, error)
}

// StreamHandle is a live scan event subscription owned by the monitor.
type StreamHandle interface {
	Close()
}

// ScanSubscriber opens the push stream for one scan.
type ScanSubscriber interface {
	Subscribe(ctx context.Context, scanID string, ev sse.Events) (StreamHandle, error)
}

// NewScanSubscriber adapts an sse.ScanStreamDialer to the ScanSubscriber
// port.
func NewScanSubscriber(d *sse.ScanStreamDialer) ScanSubscriber {
	return dialerSubscriber{d: d}
}

type dialerSubscriber struct {
	d *sse.ScanStreamDialer
}

func (a dialerSubscriber) Subscribe(ctx context.Context, scanID string, ev sse.Events) (StreamHandle, error) {
	client, err := a.d.Subscribe(ctx, scanID, ev)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ScanMonitorEvents receives scan lifecycle notifications. OnComplete
// fires exactly once, no matter which transport reports the terminal
// state first or how many times it is reported. Nil callbacks are
// skipped.
type ScanMonitorEvents struct {
	OnUpdate        func(scan.Snapshot)
	OnVulnerability func(event.LiveVulnerability)
	OnComplete      func(scan.Snapshot)
}

// ScanMonitor follows one scan over two transports at once: a polling
// loop against the status endpoint and a best-effort push stream.
// Updates from both funnel through a single tracker, so partial stream
// frames and full poll snapshots merge field-wise and a terminal status
// freezes the state for good. A dead stream is not retried; polling
// alone is enough to reach completion.
type ScanMonitor struct {
	scanID   string
	poller   ScanPoller
	streams  ScanSubscriber
	interval time.Duration
	events   ScanMonitorEvents
	logger   *slog.Logger

	tracker *scan.Tracker

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	stream    StreamHandle
	seenVulns map[string]bool

	done chan struct{}
}

// NewScanMonitor creates a monitor for scanID. streams may be nil to run
// on polling alone; interval <= 0 selects DefaultPollInterval.
func NewScanMonitor(scanID string, poller ScanPoller, streams ScanSubscriber, interval time.Duration, ev ScanMonitorEvents, logger *slog.Logger) *ScanMonitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanMonitor{
		scanID:    scanID,
		poller:    poller,
		streams:   streams,
		interval:  interval,
		events:    ev,
		logger:    logger,
		tracker:   scan.NewTracker(scanID),
		seenVulns: make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// Start begins monitoring: an immediate poll, the push stream (best
// effort), then the poll ticker. It returns once monitoring is running;
// progress is delivered through the configured callbacks.
func (m *ScanMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	mctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if m.streams != nil {
		handle, err := m.streams.Subscribe(mctx, m.scanID, sse.Events{
			OnScanProgress:  func(u scan.Update) { m.apply(u) },
			OnScanDone:      func(_ scan.Status, u scan.Update) { m.apply(u) },
			OnVulnerability: m.vulnerability,
			OnError: func(err error) {
				m.logger.Debug("scan stream dropped, polling continues", "scan_id", m.scanID, "error", err)
			},
		})
		if err != nil {
			m.logger.Debug("scan stream unavailable, polling only", "scan_id", m.scanID, "error", err)
		} else {
			m.mu.Lock()
			m.stream = handle
			m.mu.Unlock()
		}
	}

	go m.pollLoop(mctx)
}

// Stop tears the monitor down without waiting for a terminal status.
// Safe to call more than once, and after completion.
func (m *ScanMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the scan reaches a terminal status or the monitor
// is stopped.
func (m *ScanMonitor) Done() <-chan struct{} {
	return m.done
}

// Snapshot returns the current merged view of the scan.
func (m *ScanMonitor) Snapshot() scan.Snapshot {
	return m.tracker.Snapshot()
}

func (m *ScanMonitor) pollLoop(ctx context.Context) {
	defer close(m.done)

	if m.pollOnce(ctx) {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.pollOnce(ctx) {
				return
			}
		}
	}
}

// pollOnce fetches and applies one status snapshot. It reports whether
// the scan is now terminal. Poll failures are transient by assumption;
// the next tick retries.
func (m *ScanMonitor) pollOnce(ctx context.Context) bool {
	upd, err := m.poller.ScanStatus(ctx, m.scanID)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Debug("scan status poll failed", "scan_id", m.scanID, "error", err)
		}
		return false
	}
	return m.apply(upd)
}

// apply merges one update from either transport. The tracker hands back
// becameTerminal exactly once, which gates OnComplete.
func (m *ScanMonitor) apply(u scan.Update) bool {
	snap, becameTerminal := m.tracker.Apply(u)

	if becameTerminal {
		m.Stop()
		if m.events.OnComplete != nil {
			m.events.OnComplete(snap)
		}
		return true
	}

	if !snap.Status.Terminal() && m.events.OnUpdate != nil {
		m.events.OnUpdate(snap)
	}
	return snap.Status.Terminal()
}

func (m *ScanMonitor) vulnerability(v event.LiveVulnerability) {
	m.mu.Lock()
	if m.seenVulns[v.ID] {
		m.mu.Unlock()
		return
	}
	m.seenVulns[v.ID] = true
	m.mu.Unlock()

	if m.events.OnVulnerability != nil {
		m.events.OnVulnerability(v)
	}
}
