package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/scan"
)

// ErrTransportUnavailable marks a stream connect or read failure. It is
// always recovered locally, by reconnection backoff or by falling back
// to polling, and never surfaced as a user-fatal error.
var ErrTransportUnavailable = errors.New("stream transport unavailable")

// ErrAuthDenied marks a stream connection rejected by the backend after
// both ticket and ambient credentials were tried. The UI surfaces it as
// "disconnected" with a reconnect affordance.
var ErrAuthDenied = errors.New("stream authentication denied")

// TicketSource issues one-time stream tickets. A false return means "no
// ticket available, connect with ambient credentials alone".
type TicketSource interface {
	StreamTicket(ctx context.Context) (string, bool)
}

// Events receives demultiplexed frames from one stream subscription.
// Nil callbacks are skipped. OnOpen and OnError form the lifecycle pair
// consumed by the reconnection controller; the client itself carries no
// retry policy.
type Events struct {
	OnOpen          func()
	OnConnected     func(event.ConnectedEvent)
	OnGuardLog      func(event.GuardLogEvent)
	OnStatsUpdate   func(event.StatsUpdate)
	OnScanProgress  func(scan.Update)
	OnVulnerability func(event.LiveVulnerability)
	OnScanDone      func(status scan.Status, upd scan.Update)
	OnError         func(error)
}

// StreamClient owns exactly one push-stream connection. Connect fetches
// a fresh one-time ticket (when a source is configured), dials, fires
// OnOpen, and reads frames until the connection drops or Close is
// called. Malformed payloads are logged and dropped; they never kill the
// subscription. Unknown frame tags are ignored.
type StreamClient struct {
	url        string
	tickets    TicketSource
	events     Events
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	connected bool
	closed    bool

	done chan struct{}
}

// NewStreamClient creates a client for streamURL. tickets may be nil,
// in which case the connection relies on ambient credentials only.
func NewStreamClient(streamURL string, tickets TicketSource, ev Events, logger *slog.Logger) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		url:     streamURL,
		tickets: tickets,
		events:  ev,
		// No overall timeout: the response body is a long-lived stream.
		httpClient: &http.Client{},
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Connect dials the stream. On success it fires OnOpen and starts the
// read loop; the returned error covers dial-time failures only. Later
// drops are reported through OnError. A client carries at most one
// connection: after a successful Connect it cannot be dialed again, so
// reconnection means building a fresh client.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client already closed", ErrTransportUnavailable)
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("%w: client already connected", ErrTransportUnavailable)
	}
	c.connected = true
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	u := c.url
	if c.tickets != nil {
		if ticket, ok := c.tickets.StreamTicket(cctx); ok {
			sep := "?"
			if strings.Contains(u, "?") {
				sep = "&"
			}
			// The ticket is consumed by this single attempt and never
			// reused; the value must stay out of logs.
			u += sep + "ticket=" + url.QueryEscape(ticket)
		}
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, u, nil)
	if err != nil {
		c.abortDial(cancel)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.abortDial(cancel)
		// url.Error echoes the full request URL, ticket included; report
		// only the underlying cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		c.abortDial(cancel)
		return fmt.Errorf("%w (status %d)", ErrAuthDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		c.abortDial(cancel)
		return fmt.Errorf("%w: unexpected status %d", ErrTransportUnavailable, resp.StatusCode)
	}

	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}
	go c.readLoop(cctx, resp.Body)
	return nil
}

// abortDial undoes a failed dial so the client may be dialed again.
func (c *StreamClient) abortDial(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Close tears down the connection. The read loop exits without firing
// OnError; Done is closed once it has.
func (c *StreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Done is closed when the read loop has exited.
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

func (c *StreamClient) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(c.done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frameType string
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if frameType != "" {
				c.dispatch(frameType, append([]byte(nil), data.Bytes()...))
			}
			frameType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			frameType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if ctx.Err() != nil {
		// Deliberate teardown.
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream closed by server")
	}
	if c.events.OnError != nil {
		c.events.OnError(fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
	}
}

func (c *StreamClient) dispatch(frameType string, payload []byte) {
	evt := event.StreamEvent{Type: event.FrameType(frameType), Data: payload}

	switch evt.Type {
	case event.FrameConnected:
		decoded, err := evt.DecodeConnected()
		if err != nil {
			c.logger.Warn("dropping malformed stream frame", "type", frameType, "error", err)
			return
		}
		if c.events.OnConnected != nil {
			c.events.OnConnected(decoded)
		}

	case event.FrameGuardLog:
		decoded, err := evt.DecodeGuardLog()
		if err != nil {
			c.logger.Warn("dropping malformed stream frame", "type", frameType, "error", err)
			return
		}
		if c.events.OnGuardLog != nil {
			c.events.OnGuardLog(decoded)
		}

	case event.FrameStatsUpdate:
		decoded, err := evt.DecodeStatsUpdate()
		if err != nil {
			c.logger.Warn("dropping malformed stream frame", "type", frameType, "error", err)
			return
		}
		if c.events.OnStatsUpdate != nil {
			c.events.OnStatsUpdate(decoded)
		}

	case event.FrameScanProgress:
		var upd scan.Update
		if err := json.Unmarshal(payload, &upd); err != nil {
			c.logger.Warn("dropping malformed stream frame", "type", frameType, "error", err)
			return
		}
		if c.events.OnScanProgress != nil {
			c.events.OnScanProgress(upd)
		}

	case event.FrameVulnerability:
		decoded, err := evt.DecodeVulnerability()
		if err != nil {
			c.logger.Warn("dropping malformed stream frame", "type", frameType, "error", err)
			return
		}
		if c.events.OnVulnerability != nil {
			c.events.OnVulnerability(decoded)
		}

	case event.FrameScanCompleted, event.FrameScanFailed, event.FrameScanCancelled:
		var upd scan.Update
		if len(payload) > 0 {
			// Terminal frames may carry a final status payload; the
			// frame tag alone is authoritative if they don't.
			if err := json.Unmarshal(payload, &upd); err != nil {
				upd = scan.Update{}
			}
		}
		status := scan.Status(evt.Type)
		upd.Status = &status
		if c.events.OnScanDone != nil {
			c.events.OnScanDone(status, upd)
		}

	default:
		c.logger.Debug("ignoring unknown stream frame", "type", frameType)
	}
}
