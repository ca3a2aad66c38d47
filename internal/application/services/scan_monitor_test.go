package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/scan"
	"orafinite.ai/cli/internal/infrastructure/sse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func statusOf(s scan.Status) *scan.Status { return &s }
func intOf(n int) *int                    { return &n }

// scriptedPoller serves a fixed sequence of poll responses, repeating
// the last one forever.
type scriptedPoller struct {
	mu      sync.Mutex
	script  []scan.Update
	errs    []error
	calls   int
	release chan struct{} // optional gate, one receive per call
}

func (p *scriptedPoller) ScanStatus(ctx context.Context, scanID string) (scan.Update, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return scan.Update{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return scan.Update{}, p.errs[i]
	}
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i], nil
}

type fakeStream struct {
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream { return &fakeStream{closed: make(chan struct{})} }

func (s *fakeStream) Close() { s.once.Do(func() { close(s.closed) }) }

// fakeSubscriber hands the monitor a fake stream and captures the event
// callbacks so tests can inject frames.
type fakeSubscriber struct {
	mu     sync.Mutex
	ev     sse.Events
	stream *fakeStream
	err    error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, scanID string, ev sse.Events) (StreamHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.ev = ev
	f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeSubscriber) events() sse.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func waitDone(t *testing.T, m *ScanMonitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("monitor never finished")
	}
}

func TestScanMonitorCompletesByPollingAlone(t *testing.T) {
	poller := &scriptedPoller{script: []scan.Update{
		{Status: statusOf(scan.StatusQueued)},
		{Status: statusOf(scan.StatusRunning), Progress: intOf(40)},
		{Status: statusOf(scan.StatusCompleted), Progress: intOf(100), VulnerabilitiesFound: intOf(2)},
	}}

	var completions atomic.Int32
	var final scan.Snapshot
	m := NewScanMonitor("scan-1", poller, nil, 5*time.Millisecond, ScanMonitorEvents{
		OnComplete: func(s scan.Snapshot) {
			completions.Add(1)
			final = s
		},
	}, testLogger())

	m.Start(context.Background())
	waitDone(t, m)

	require.Equal(t, int32(1), completions.Load())
	require.Equal(t, scan.StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, 2, final.VulnerabilitiesFound)
}

func TestScanMonitorMergesBothTransports(t *testing.T) {
	// Poll ticks are gated so the test controls interleaving: poll sees
	// queued, then running at 40; the stream pushes 55 in between; the
	// final poll reports completed at 100. Exactly one completion.
	release := make(chan struct{})
	poller := &scriptedPoller{
		release: release,
		script: []scan.Update{
			{Status: statusOf(scan.StatusQueued)},
			{Status: statusOf(scan.StatusRunning), Progress: intOf(40)},
			{Status: statusOf(scan.StatusCompleted), Progress: intOf(100)},
		},
	}
	subs := &fakeSubscriber{stream: newFakeStream()}

	updates := make(chan scan.Snapshot, 16)
	var completions atomic.Int32
	doneSnap := make(chan scan.Snapshot, 1)

	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{
		OnUpdate: func(s scan.Snapshot) { updates <- s },
		OnComplete: func(s scan.Snapshot) {
			completions.Add(1)
			doneSnap <- s
		},
	}, testLogger())
	m.Start(context.Background())

	release <- struct{}{} // queued
	release <- struct{}{} // running, 40

	// Wait until the 40% snapshot is visible, then push 55 via stream.
	require.Eventually(t, func() bool {
		return m.Snapshot().Progress == 40
	}, 2*time.Second, time.Millisecond)

	subs.events().OnScanProgress(scan.Update{Progress: intOf(55)})
	snap := m.Snapshot()
	require.Equal(t, scan.StatusRunning, snap.Status, "partial frame must not clear status")
	require.Equal(t, 55, snap.Progress)

	release <- struct{}{} // completed, 100
	waitDone(t, m)

	require.Equal(t, int32(1), completions.Load())
	final := <-doneSnap
	require.Equal(t, scan.StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
}

func TestScanMonitorCompletionIsExactlyOnce(t *testing.T) {
	poller := &scriptedPoller{script: []scan.Update{
		{Status: statusOf(scan.StatusCompleted), Progress: intOf(100)},
	}}
	subs := &fakeSubscriber{stream: newFakeStream()}

	var completions atomic.Int32
	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{
		OnComplete: func(scan.Snapshot) { completions.Add(1) },
	}, testLogger())
	m.Start(context.Background())
	waitDone(t, m)

	// The stream reports the same terminal state late; it must be a
	// no-op.
	done := scan.StatusCompleted
	subs.events().OnScanDone(done, scan.Update{Status: &done, Progress: intOf(100)})
	subs.events().OnScanProgress(scan.Update{Progress: intOf(10)})

	require.Equal(t, int32(1), completions.Load())
	require.Equal(t, 100, m.Snapshot().Progress, "frozen state must ignore late frames")

	select {
	case <-subs.stream.closed:
	case <-time.After(time.Second):
		t.Fatal("stream not closed after terminal status")
	}
}

func TestScanMonitorStreamTerminalWinsOverPolling(t *testing.T) {
	// Polling never reports terminal; the stream does.
	release := make(chan struct{})
	poller := &scriptedPoller{
		release: release,
		script:  []scan.Update{{Status: statusOf(scan.StatusRunning), Progress: intOf(10)}},
	}
	subs := &fakeSubscriber{stream: newFakeStream()}

	var completions atomic.Int32
	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{
		OnComplete: func(scan.Snapshot) { completions.Add(1) },
	}, testLogger())
	m.Start(context.Background())

	release <- struct{}{}
	require.Eventually(t, func() bool {
		return m.Snapshot().Status == scan.StatusRunning
	}, 2*time.Second, time.Millisecond)

	failed := scan.StatusFailed
	msg := "provider unreachable"
	subs.events().OnScanDone(failed, scan.Update{Status: &failed, ErrorMessage: &msg})

	waitDone(t, m)
	require.Equal(t, int32(1), completions.Load())
	snap := m.Snapshot()
	require.Equal(t, scan.StatusFailed, snap.Status)
	require.Equal(t, "provider unreachable", snap.ErrorMessage)
}

func TestScanMonitorFallsBackWhenStreamUnavailable(t *testing.T) {
	poller := &scriptedPoller{script: []scan.Update{
		{Status: statusOf(scan.StatusRunning), Progress: intOf(50)},
		{Status: statusOf(scan.StatusCompleted), Progress: intOf(100)},
	}}
	subs := &fakeSubscriber{err: errors.New("stream transport unavailable")}

	var completions atomic.Int32
	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{
		OnComplete: func(scan.Snapshot) { completions.Add(1) },
	}, testLogger())
	m.Start(context.Background())
	waitDone(t, m)

	require.Equal(t, int32(1), completions.Load())
	require.Equal(t, scan.StatusCompleted, m.Snapshot().Status)
}

func TestScanMonitorToleratesPollErrors(t *testing.T) {
	poller := &scriptedPoller{
		errs: []error{errors.New("502"), errors.New("timeout")},
		script: []scan.Update{
			{}, {},
			{Status: statusOf(scan.StatusCompleted), Progress: intOf(100)},
		},
	}

	var completions atomic.Int32
	m := NewScanMonitor("scan-1", poller, nil, 5*time.Millisecond, ScanMonitorEvents{
		OnComplete: func(scan.Snapshot) { completions.Add(1) },
	}, testLogger())
	m.Start(context.Background())
	waitDone(t, m)

	require.Equal(t, int32(1), completions.Load())
}

func TestScanMonitorDeduplicatesVulnerabilities(t *testing.T) {
	release := make(chan struct{})
	poller := &scriptedPoller{
		release: release,
		script:  []scan.Update{{Status: statusOf(scan.StatusRunning)}},
	}
	subs := &fakeSubscriber{stream: newFakeStream()}

	vulns := make(chan event.LiveVulnerability, 8)
	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{
		OnVulnerability: func(v event.LiveVulnerability) { vulns <- v },
	}, testLogger())
	m.Start(context.Background())
	defer m.Stop()

	release <- struct{}{}
	v := event.LiveVulnerability{ID: "v-1", ProbeName: "prompt_injection", Severity: "high"}
	subs.events().OnVulnerability(v)
	subs.events().OnVulnerability(v)
	subs.events().OnVulnerability(event.LiveVulnerability{ID: "v-2", Severity: "low"})

	require.Equal(t, "v-1", (<-vulns).ID)
	require.Equal(t, "v-2", (<-vulns).ID)
	require.Empty(t, vulns, "duplicate vulnerability IDs must be delivered once")
}

func TestScanMonitorStop(t *testing.T) {
	release := make(chan struct{})
	poller := &scriptedPoller{
		release: release,
		script:  []scan.Update{{Status: statusOf(scan.StatusRunning)}},
	}
	subs := &fakeSubscriber{stream: newFakeStream()}

	m := NewScanMonitor("scan-1", poller, subs, 5*time.Millisecond, ScanMonitorEvents{}, testLogger())
	m.Start(context.Background())

	m.Stop()
	m.Stop() // idempotent
	waitDone(t, m)

	select {
	case <-subs.stream.closed:
	case <-time.After(time.Second):
		t.Fatal("stream not closed on Stop")
	}
}
