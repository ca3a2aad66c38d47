package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/feed"
	"orafinite.ai/cli/internal/core/scan"
)

// ErrAuthDenied is returned when the backend rejects the session
// credential. Callers surface it as "disconnected" with a reconnect
// affordance rather than as a fatal error.
var ErrAuthDenied = errors.New("authentication denied")

// Gateway is the HTTP client for the Orafinite backend API.
type Gateway struct {
	baseURL      string
	sessionToken string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewGateway creates a gateway for the given backend. The session token
// may be empty; the backend then relies on ambient cookie auth, which
// only works for same-origin browser clients, so most calls will fail
// with ErrAuthDenied.
func NewGateway(baseURL, sessionToken string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL:      baseURL,
		sessionToken: sessionToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Ticket is a short-lived, single-use stream credential. The value is
// embedded once as a query parameter on the connection attempt it was
// fetched for, then discarded. It must never be logged or reused.
type Ticket struct {
	Value     string
	ExpiresIn int
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expires_in"`
}

// AcquireTicket requests a one-time stream ticket. Any failure (network
// error, non-2xx status, malformed body) yields nil, which callers must
// treat as "connect with ambient credentials instead", never as fatal.
func (g *Gateway) AcquireTicket(ctx context.Context) *Ticket {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/guard/events/ticket", nil)
	if err != nil {
		return nil
	}
	g.setAuth(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Debug("ticket request failed, falling back to ambient auth", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Debug("ticket endpoint refused, falling back to ambient auth", "status", resp.StatusCode)
		return nil
	}

	var body ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Ticket == "" {
		g.logger.Debug("ticket response malformed, falling back to ambient auth")
		return nil
	}

	return &Ticket{Value: body.Ticket, ExpiresIn: body.ExpiresIn}
}

// ScanStatus fetches the point-in-time progress of one scan. The result
// is a partial update so it can be merged last-write-wins with stream
// frames.
func (g *Gateway) ScanStatus(ctx context.Context, scanID string) (scan.Update, error) {
	var upd scan.Update
	err := g.getJSON(ctx, "/v1/scan/"+url.PathEscape(scanID), nil, &upd)
	if err != nil {
		return scan.Update{}, fmt.Errorf("failed to fetch scan status: %w", err)
	}
	return upd, nil
}

// StartScanRequest configures a new vulnerability scan.
type StartScanRequest struct {
	ModelConfig ScanModelConfig `json:"model_config"`
	ScanType    string          `json:"scan_type"`
	Probes      []string        `json:"probes,omitempty"`
}

// ScanModelConfig identifies the model under test.
type ScanModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// StartScanResponse is the backend's acknowledgement of a new scan.
type StartScanResponse struct {
	ScanID                   string `json:"scan_id"`
	Status                   string `json:"status"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds"`
	CreatedAt                string `json:"created_at"`
}

// StartScan submits a new vulnerability scan.
func (g *Gateway) StartScan(ctx context.Context, req StartScanRequest) (StartScanResponse, error) {
	var out StartScanResponse
	if err := g.postJSON(ctx, "/v1/scan/start", req, &out); err != nil {
		return StartScanResponse{}, fmt.Errorf("failed to start scan: %w", err)
	}
	return out, nil
}

// CancelScan asks the backend to cancel a running scan. Cancellation is
// observed through the usual transports as a terminal status.
func (g *Gateway) CancelScan(ctx context.Context, scanID string) error {
	if err := g.postJSON(ctx, "/v1/scan/"+url.PathEscape(scanID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel scan: %w", err)
	}
	return nil
}

// ScanListItem is one row of the scan listing.
type ScanListItem struct {
	ID                   string `json:"id"`
	ScanType             string `json:"scan_type"`
	Status               string `json:"status"`
	Progress             int    `json:"progress"`
	VulnerabilitiesFound int    `json:"vulnerabilities_found"`
	CreatedAt            string `json:"created_at"`
}

type scanListResponse struct {
	Scans []ScanListItem `json:"scans"`
}

// ListScans fetches the caller's scans, newest first.
func (g *Gateway) ListScans(ctx context.Context) ([]ScanListItem, error) {
	var out scanListResponse
	if err := g.getJSON(ctx, "/v1/scan/list", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return out.Scans, nil
}

// ScanVulnerability is one confirmed finding from a finished scan,
// with the full probe transcript the live stream frames omit.
type ScanVulnerability struct {
	ID             string `json:"id"`
	ProbeName      string `json:"probe_name"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	AttackPrompt   string `json:"attack_prompt"`
	ModelResponse  string `json:"model_response"`
	Recommendation string `json:"recommendation"`
}

// SeverityBreakdown counts findings per severity across the whole scan,
// not just the returned page.
type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// ScanSummary aggregates a finished scan's outcome.
type ScanSummary struct {
	TotalProbes       int               `json:"total_probes"`
	Passed            int               `json:"passed"`
	Failed            int               `json:"failed"`
	RiskScore         float64           `json:"risk_score"`
	SeverityBreakdown SeverityBreakdown `json:"severity_breakdown"`
}

// ScanResults is one page of a finished scan's findings plus the
// scan-wide summary.
type ScanResults struct {
	ScanID          string              `json:"scan_id"`
	Status          string              `json:"status"`
	Summary         ScanSummary         `json:"summary"`
	Vulnerabilities []ScanVulnerability `json:"vulnerabilities"`
	Pagination      feed.PaginationInfo `json:"pagination"`
	CompletedAt     string              `json:"completed_at"`
}

// ScanResults fetches one page of a finished scan's findings. The
// backend refuses the call while the scan is still queued or running.
func (g *Gateway) ScanResults(ctx context.Context, scanID string, page, perPage int) (ScanResults, error) {
	params := url.Values{}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		params.Set("per_page", strconv.Itoa(perPage))
	}

	var out ScanResults
	if err := g.getJSON(ctx, "/v1/scan/"+url.PathEscape(scanID)+"/results", params, &out); err != nil {
		return ScanResults{}, fmt.Errorf("failed to fetch scan results: %w", err)
	}
	return out, nil
}

// GuardLogQuery selects one page of the guard log history.
type GuardLogQuery struct {
	Page    int
	PerPage int
	Filters feed.Filters
}

// GuardLogPage is one page of guard log history plus its pagination
// metadata.
type GuardLogPage struct {
	Logs       []event.GuardLogEvent `json:"logs"`
	Pagination feed.PaginationInfo   `json:"pagination"`
}

// GuardLogs fetches one page of the historical guard log query.
func (g *Gateway) GuardLogs(ctx context.Context, q GuardLogQuery) (GuardLogPage, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Filters.Status != "" {
		params.Set("status", q.Filters.Status)
	}
	if q.Filters.RequestType != "" {
		params.Set("request_type", q.Filters.RequestType)
	}

	var out GuardLogPage
	if err := g.getJSON(ctx, "/v1/guard/logs", params, &out); err != nil {
		return GuardLogPage{}, fmt.Errorf("failed to fetch guard logs: %w", err)
	}
	return out, nil
}

// GuardStats is the aggregate summary for the stats bar.
type GuardStats struct {
	TotalRequests  int64            `json:"total_requests"`
	ThreatsBlocked int64            `json:"threats_blocked"`
	SafeRequests   int64            `json:"safe_requests"`
	AvgLatencyMS   int64            `json:"avg_latency_ms"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	ByCategory     map[string]int64 `json:"threats_by_category,omitempty"`
	ByRequestType  map[string]int64 `json:"requests_by_type,omitempty"`
}

// GuardStats fetches the aggregate guard summary for the last N hours.
func (g *Gateway) GuardStats(ctx context.Context, hours int) (GuardStats, error) {
	params := url.Values{}
	if hours > 0 {
		params.Set("hours", strconv.Itoa(hours))
	}

	var out GuardStats
	if err := g.getJSON(ctx, "/v1/guard/stats", params, &out); err != nil {
		return GuardStats{}, fmt.Errorf("failed to fetch guard stats: %w", err)
	}
	return out, nil
}

// StreamTicket adapts AcquireTicket to the stream client's ticket source
// contract.
func (g *Gateway) StreamTicket(ctx context.Context) (string, bool) {
	t := g.AcquireTicket(ctx)
	if t == nil {
		return "", false
	}
	return t.Value, true
}

// BaseURL returns the backend base URL the gateway talks to.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

func (g *Gateway) setAuth(req *http.Request) {
	if g.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.sessionToken)
	}
}

func (g *Gateway) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := g.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	g.setAuth(req)

	return g.do(req, out)
}

func (g *Gateway) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	g.setAuth(req)

	return g.do(req, out)
}

func (g *Gateway) do(req *http.Request, out any) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", ErrAuthDenied, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
