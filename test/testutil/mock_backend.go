// Package testutil provides an in-process fake of the Orafinite API for
// integration-style tests: ticket issuance, guard and scan event streams,
// scan status polling, and paginated guard log history.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockBackend is a scriptable stand-in for the Orafinite API. Tests push
// frames with the Emit* methods and mutate poll/history responses through
// the setters; every method is safe for concurrent use.
type MockBackend struct {
	Server *httptest.Server

	mu sync.Mutex

	ticketSeq    int
	ticketStatus int
	issued       map[string]bool
	redeemed     []string

	guardSubs map[*subscriber]struct{}
	scanSubs  map[string]map[*subscriber]struct{}

	scanStatus map[string]json.RawMessage
	guardPages map[int]json.RawMessage

	streamStatus int
}

// subscriber is one live SSE connection. drop is closed to sever the
// connection from the server side.
type subscriber struct {
	frames chan []byte
	drop   chan struct{}
}

// NewMockBackend starts the fake server. Callers must Close it.
func NewMockBackend() *MockBackend {
	b := &MockBackend{
		ticketStatus: http.StatusOK,
		streamStatus: http.StatusOK,
		issued:       make(map[string]bool),
		guardSubs:    make(map[*subscriber]struct{}),
		scanSubs:     make(map[string]map[*subscriber]struct{}),
		scanStatus:   make(map[string]json.RawMessage),
		guardPages:   make(map[int]json.RawMessage),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/guard/events/ticket", b.handleTicket)
	mux.HandleFunc("GET /v1/guard/events", b.handleGuardStream)
	mux.HandleFunc("GET /v1/guard/logs", b.handleGuardLogs)
	mux.HandleFunc("GET /v1/scan/{id}/events", b.handleScanStream)
	mux.HandleFunc("GET /v1/scan/{id}", b.handleScanStatus)

	b.Server = httptest.NewServer(mux)
	return b
}

// URL returns the base URL of the fake server.
func (b *MockBackend) URL() string { return b.Server.URL }

// Close shuts down the server and disconnects all live streams.
func (b *MockBackend) Close() { b.Server.Close() }

// SetTicketStatus makes subsequent ticket requests answer with the given
// HTTP status. Pass http.StatusOK to restore normal issuance.
func (b *MockBackend) SetTicketStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticketStatus = code
}

// SetStreamStatus makes subsequent stream connects answer with the given
// HTTP status instead of opening a stream.
func (b *MockBackend) SetStreamStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = code
}

// TicketsIssued returns how many tickets the backend has handed out.
func (b *MockBackend) TicketsIssued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticketSeq
}

// RedeemedTickets returns the ticket values presented on stream connects,
// in order. An empty string records a connect with no ticket parameter.
func (b *MockBackend) RedeemedTickets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.redeemed))
	copy(out, b.redeemed)
	return out
}

// SetScanStatus sets the JSON body served for GET /v1/scan/{id}.
func (b *MockBackend) SetScanStatus(scanID string, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanStatus[scanID] = json.RawMessage(body)
}

// SetGuardLogPage sets the JSON body served for the given guard log page.
func (b *MockBackend) SetGuardLogPage(page int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guardPages[page] = json.RawMessage(body)
}

// EmitGuardFrame broadcasts an SSE frame to all connected guard streams.
func (b *MockBackend) EmitGuardFrame(event, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame := encodeFrame(event, data)
	for sub := range b.guardSubs {
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

// EmitScanFrame broadcasts an SSE frame to streams subscribed to scanID.
func (b *MockBackend) EmitScanFrame(scanID, event, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame := encodeFrame(event, data)
	for sub := range b.scanSubs[scanID] {
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

// DropGuardStreams severs all live guard streams from the server side,
// simulating a network drop. The server itself stays up.
func (b *MockBackend) DropGuardStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.guardSubs {
		close(sub.drop)
		delete(b.guardSubs, sub)
	}
}

// GuardStreamCount reports how many guard streams are currently connected.
func (b *MockBackend) GuardStreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.guardSubs)
}

func encodeFrame(event, data string) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

func (b *MockBackend) handleTicket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status := b.ticketStatus
	var ticket string
	if status == http.StatusOK {
		b.ticketSeq++
		ticket = fmt.Sprintf("tkt-%04d", b.ticketSeq)
		b.issued[ticket] = true
	}
	b.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "ticket unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ticket":%q,"expires_in":30}`, ticket)
}

func (b *MockBackend) handleGuardStream(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")

	b.mu.Lock()
	b.redeemed = append(b.redeemed, ticket)
	status := b.streamStatus
	if ticket != "" {
		if !b.issued[ticket] {
			b.mu.Unlock()
			http.Error(w, "invalid or reused ticket", http.StatusUnauthorized)
			return
		}
		// Single use.
		delete(b.issued, ticket)
	}
	b.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "stream unavailable", status)
		return
	}

	sub := &subscriber{frames: make(chan []byte, 64), drop: make(chan struct{})}
	b.mu.Lock()
	b.guardSubs[sub] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.guardSubs, sub)
		b.mu.Unlock()
	}()

	b.serveStream(w, r, sub, `{"status":"connected","timestamp":"2026-01-01T00:00:00Z"}`)
}

func (b *MockBackend) handleScanStream(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	ticket := r.URL.Query().Get("ticket")

	b.mu.Lock()
	b.redeemed = append(b.redeemed, ticket)
	if ticket != "" {
		if !b.issued[ticket] {
			b.mu.Unlock()
			http.Error(w, "invalid or reused ticket", http.StatusUnauthorized)
			return
		}
		delete(b.issued, ticket)
	}
	subs := b.scanSubs[scanID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		b.scanSubs[scanID] = subs
	}
	sub := &subscriber{frames: make(chan []byte, 64), drop: make(chan struct{})}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.scanSubs[scanID], sub)
		b.mu.Unlock()
	}()

	b.serveStream(w, r, sub, fmt.Sprintf(`{"status":"connected","scan_id":%q}`, scanID))
}

func (b *MockBackend) serveStream(w http.ResponseWriter, r *http.Request, sub *subscriber, connected string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(encodeFrame("connected", connected))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.drop:
			return
		case frame := <-sub.frames:
			w.Write(frame)
			flusher.Flush()
		}
	}
}

func (b *MockBackend) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	b.mu.Lock()
	body, ok := b.scanStatus[scanID]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (b *MockBackend) handleGuardLogs(w http.ResponseWriter, r *http.Request) {
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		fmt.Sscanf(strings.TrimSpace(p), "%d", &page)
	}
	b.mu.Lock()
	body, ok := b.guardPages[page]
	b.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"logs":[],"pagination":{"page":%d,"per_page":50,"total_items":0,"total_pages":1,"has_next":false,"has_prev":false}}`, page)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
