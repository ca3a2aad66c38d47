package sse

import (
	"context"
	"log/slog"
	"net/url"
)

// ScanStreamDialer opens scan-scoped event streams. Unlike the guard
// feed, a scan subscription is not retried on failure: the dual-transport
// monitor already runs a polling loop as insurance, so a dead stream
// simply leaves polling in charge.
type ScanStreamDialer struct {
	baseURL string
	tickets TicketSource
	logger  *slog.Logger
}

// NewScanStreamDialer creates a dialer against the backend base URL.
func NewScanStreamDialer(baseURL string, tickets TicketSource, logger *slog.Logger) *ScanStreamDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanStreamDialer{baseURL: baseURL, tickets: tickets, logger: logger}
}

// Subscribe opens the event stream for one scan. The caller owns the
// returned client and must Close it on teardown.
func (d *ScanStreamDialer) Subscribe(ctx context.Context, scanID string, ev Events) (*StreamClient, error) {
	streamURL := d.baseURL + "/v1/scan/" + url.PathEscape(scanID) + "/events"
	client := NewStreamClient(streamURL, d.tickets, ev, d.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
