package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orafinite.ai/cli/internal/core/feed"
	"orafinite.ai/cli/internal/core/scan"
)

// TestGateway_AcquireTicket_Success tests the happy path of ticket issuance
func TestGateway_AcquireTicket_Success(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/guard/events/ticket", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"ticket": "t-abc123", "expires_in": 30})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	ticket := g.AcquireTicket(context.Background())

	require.NotNil(t, ticket)
	assert.Equal(t, "t-abc123", ticket.Value)
	assert.Equal(t, 30, ticket.ExpiresIn)
	assert.Equal(t, "Bearer session-token", gotAuth, "Ticket issuance uses the ambient session credential")
}

// TestGateway_AcquireTicket_FailureModes tests that every failure yields nil, never an error
func TestGateway_AcquireTicket_FailureModes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "Forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		},
		{
			name: "ServerError",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "MalformedBody",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
		{
			name: "EmptyTicket",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"ticket": "", "expires_in": 30})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			g := NewGateway(server.URL, "session-token", nil)
			assert.Nil(t, g.AcquireTicket(context.Background()),
				"Ticket failures must degrade to ambient auth, not error")
		})
	}
}

// TestGateway_AcquireTicket_NetworkFailure tests nil on unreachable backend
func TestGateway_AcquireTicket_NetworkFailure(t *testing.T) {
	g := NewGateway("http://127.0.0.1:1", "session-token", nil)
	assert.Nil(t, g.AcquireTicket(context.Background()))
}

// TestGateway_ScanStatus_DecodesUpdate tests the poll endpoint decoding
func TestGateway_ScanStatus_DecodesUpdate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/scan/scan-42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"scan_id":               "scan-42",
			"status":                "running",
			"progress":              40,
			"probes_completed":      4,
			"probes_total":          10,
			"vulnerabilities_found": 1,
		})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	upd, err := g.ScanStatus(context.Background(), "scan-42")
	require.NoError(t, err)

	require.NotNil(t, upd.Status)
	assert.Equal(t, scan.StatusRunning, *upd.Status)
	require.NotNil(t, upd.Progress)
	assert.Equal(t, 40, *upd.Progress)
	require.NotNil(t, upd.VulnerabilitiesFound)
	assert.Equal(t, 1, *upd.VulnerabilitiesFound)
}

// TestGateway_ScanResults_Decode tests the finished-scan results endpoint
func TestGateway_ScanResults_Decode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/scan/scan-42/results", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("per_page"))

		json.NewEncoder(w).Encode(map[string]any{
			"scan_id": "scan-42",
			"status":  "completed",
			"summary": map[string]any{
				"total_probes": 20, "passed": 17, "failed": 3, "risk_score": 6.4,
				"severity_breakdown": map[string]any{"critical": 1, "high": 2},
			},
			"vulnerabilities": []map[string]any{
				{
					"id": "v-1", "probe_name": "prompt_injection", "category": "injection",
					"severity": "critical", "description": "System prompt override accepted",
					"attack_prompt": "ignore previous instructions", "model_response": "ok",
					"recommendation": "Harden the system prompt",
				},
			},
			"pagination":   map[string]any{"page": 2, "per_page": 10, "total_items": 3, "total_pages": 1},
			"completed_at": "2026-08-01T10:30:00Z",
		})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	results, err := g.ScanResults(context.Background(), "scan-42", 2, 10)
	require.NoError(t, err)

	assert.Equal(t, "scan-42", results.ScanID)
	assert.Equal(t, "completed", results.Status)
	assert.Equal(t, 20, results.Summary.TotalProbes)
	assert.Equal(t, 3, results.Summary.Failed)
	assert.InDelta(t, 6.4, results.Summary.RiskScore, 0.0001)
	assert.Equal(t, 1, results.Summary.SeverityBreakdown.Critical)
	assert.Equal(t, 2, results.Summary.SeverityBreakdown.High)
	require.Len(t, results.Vulnerabilities, 1)
	assert.Equal(t, "prompt_injection", results.Vulnerabilities[0].ProbeName)
	assert.Equal(t, "Harden the system prompt", results.Vulnerabilities[0].Recommendation)
	assert.Equal(t, "2026-08-01T10:30:00Z", results.CompletedAt)
}

// TestGateway_ScanResults_NotComplete tests the error for a still-running scan
func TestGateway_ScanResults_NotComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"Scan is still running. Results are only available for completed scans.","code":"SCAN_NOT_COMPLETE"}`)
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	_, err := g.ScanResults(context.Background(), "scan-42", 1, 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCAN_NOT_COMPLETE")
}

// TestGateway_GuardLogs_QueryAndDecode tests pagination params and response mapping
func TestGateway_GuardLogs_QueryAndDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/guard/logs", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "25", q.Get("per_page"))
		assert.Equal(t, "blocked", q.Get("status"))
		assert.Equal(t, "scan", q.Get("request_type"))

		json.NewEncoder(w).Encode(map[string]any{
			"logs": []map[string]any{
				{"id": "gl-1", "is_safe": false, "risk_score": 0.9, "created_at": "2026-08-01T10:00:00Z"},
				{"id": "gl-2", "is_safe": true, "risk_score": 0.1, "created_at": "2026-08-01T09:59:00Z"},
			},
			"pagination": map[string]any{
				"page": 2, "per_page": 25, "total_items": 60,
				"total_pages": 3, "has_next": true, "has_prev": true,
			},
		})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	page, err := g.GuardLogs(context.Background(), GuardLogQuery{
		Page:    2,
		PerPage: 25,
		Filters: feed.Filters{Status: "blocked", RequestType: "scan"},
	})
	require.NoError(t, err)

	require.Len(t, page.Logs, 2)
	assert.Equal(t, "gl-1", page.Logs[0].ID)
	assert.Equal(t, feed.PaginationInfo{
		Page: 2, PerPage: 25, TotalItems: 60, TotalPages: 3, HasNext: true, HasPrev: true,
	}, page.Pagination)
}

// TestGateway_GuardLogs_AuthDenied tests the sentinel error on 401
func TestGateway_GuardLogs_AuthDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	g := NewGateway(server.URL, "bad-token", nil)
	_, err := g.GuardLogs(context.Background(), GuardLogQuery{Page: 1, PerPage: 50})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthDenied)
}

// TestGateway_StartScan_RoundTrip tests scan submission
func TestGateway_StartScan_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/scan/start", r.URL.Path)

		var req StartScanRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "quick", req.ScanType)
		assert.Equal(t, "openai", req.ModelConfig.Provider)

		json.NewEncoder(w).Encode(StartScanResponse{
			ScanID: "scan-7", Status: "queued", EstimatedDurationSeconds: 60,
		})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	resp, err := g.StartScan(context.Background(), StartScanRequest{
		ModelConfig: ScanModelConfig{Provider: "openai", Model: "gpt-4o"},
		ScanType:    "quick",
	})
	require.NoError(t, err)
	assert.Equal(t, "scan-7", resp.ScanID)
	assert.Equal(t, "queued", resp.Status)
}

// TestGateway_GuardStats_Decode tests the stats endpoint
func TestGateway_GuardStats_Decode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/guard/stats", r.URL.Path)
		assert.Equal(t, "24", r.URL.Query().Get("hours"))
		json.NewEncoder(w).Encode(map[string]any{
			"total_requests": 500, "threats_blocked": 40, "safe_requests": 460,
			"avg_latency_ms": 37, "cache_hit_rate": 0.25,
		})
	}))
	defer server.Close()

	g := NewGateway(server.URL, "session-token", nil)
	stats, err := g.GuardStats(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stats.TotalRequests)
	assert.Equal(t, int64(40), stats.ThreatsBlocked)
	assert.InDelta(t, 0.25, stats.CacheHitRate, 0.0001)
}
