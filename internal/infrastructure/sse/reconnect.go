package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the lifecycle state of the managed stream connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Backoff returns the reconnect delay for the given attempt:
// min(1s·2^attempt, 30s). The attempt counter has no upper bound;
// reconnection is indefinite until a manual disconnect.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Second << uint(attempt)
}

// StateFunc is notified on every connection state transition. attempt is
// meaningful only for StateReconnecting. The callback runs with the
// controller lock held and must not call back into the controller.
type StateFunc func(state ConnState, attempt int)

// Controller wraps StreamClient with automatic retry. It exclusively
// owns the client's lifecycle: Connect tears down any prior handle
// before dialing so no two subscriptions are ever live for the same
// logical stream, and Disconnect synchronously cancels the pending
// backoff timer and closes the transport. A timer or stream callback
// firing after teardown is a no-op, guarded by a connection generation
// counter.
//
// Each dial constructs a fresh StreamClient, which fetches a fresh
// one-time ticket; tickets are never reused across attempts.
type Controller struct {
	streamURL string
	tickets   TicketSource
	events    Events
	onState   StateFunc
	logger    *slog.Logger
	backoff   func(int) time.Duration

	mu      sync.Mutex
	state   ConnState
	attempt int
	gen     int
	timer   *time.Timer
	client  *StreamClient
}

// NewController creates a controller for streamURL. onState may be nil.
func NewController(streamURL string, tickets TicketSource, ev Events, onState StateFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		streamURL: streamURL,
		tickets:   tickets,
		events:    ev,
		onState:   onState,
		logger:    logger,
		backoff:   Backoff,
		state:     StateDisconnected,
	}
}

// Connect starts (or restarts) the managed connection. An existing
// connection or pending reconnect is torn down first.
func (c *Controller) Connect() {
	c.mu.Lock()
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect force-transitions to Disconnected: the pending reconnect
// timer is cancelled and the transport closed synchronously. The state
// is terminal until Connect is called again.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.teardownLocked()
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
}

// State returns the current connection state and, when reconnecting,
// the attempt the pending delay was computed from.
func (c *Controller) State() (ConnState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempt
}

func (c *Controller) dial(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	client := NewStreamClient(c.streamURL, c.tickets, c.wrapEvents(gen), c.logger)
	c.client = client
	c.mu.Unlock()

	if err := client.Connect(context.Background()); err != nil {
		if errors.Is(err, ErrAuthDenied) {
			// Retrying cannot fix bad credentials; surface as
			// disconnected and wait for a manual reconnect.
			c.logger.Warn("stream authentication denied", "error", err)
			c.mu.Lock()
			if gen == c.gen && c.state != StateDisconnected {
				c.teardownLocked()
				c.setStateLocked(StateDisconnected)
			}
			c.mu.Unlock()
			return
		}
		c.logger.Warn("stream connect failed", "error", err)
		c.scheduleReconnect(gen)
	}
}

// wrapEvents intercepts the lifecycle pair so the controller tracks
// state and schedules retries; all other callbacks pass through.
func (c *Controller) wrapEvents(gen int) Events {
	ev := c.events
	userOpen := ev.OnOpen
	userError := ev.OnError

	ev.OnOpen = func() {
		c.mu.Lock()
		if gen != c.gen || c.state == StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.attempt = 0
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		if userOpen != nil {
			userOpen()
		}
	}

	ev.OnError = func(err error) {
		if userError != nil {
			userError(err)
		}
		c.scheduleReconnect(gen)
	}

	return ev
}

func (c *Controller) scheduleReconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state == StateDisconnected {
		return
	}

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	// At most one pending timer: replace, never stack.
	if c.timer != nil {
		c.timer.Stop()
	}

	delay := c.backoff(c.attempt)
	c.setStateLocked(StateReconnecting)
	c.logger.Info("stream reconnect scheduled", "attempt", c.attempt, "delay", delay)

	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.gen || c.state == StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.attempt++
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		c.dial(gen)
	})
}

// teardownLocked stops the pending timer and closes the current client.
// Callers hold c.mu.
func (c *Controller) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// setStateLocked updates the state and notifies. Callers hold c.mu.
func (c *Controller) setStateLocked(state ConnState) {
	c.state = state
	if c.onState != nil {
		c.onState(state, c.attempt)
	}
}
