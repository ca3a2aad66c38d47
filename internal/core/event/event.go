package event

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a typed frame on the push stream. Every frame
// carries exactly one tag; dispatch is by tag only.
type FrameType string

const (
	// Frames on the guard event stream.
	FrameConnected   FrameType = "connected"
	FrameGuardLog    FrameType = "guard_log"
	FrameStatsUpdate FrameType = "stats_update"

	// Frames on a scan-scoped event stream.
	FrameScanProgress  FrameType = "progress"
	FrameVulnerability FrameType = "vulnerability"
	FrameScanCompleted FrameType = "completed"
	FrameScanFailed    FrameType = "failed"
	FrameScanCancelled FrameType = "cancelled"
)

// StreamEvent is a raw frame received from the push stream: the tag plus
// the undecoded JSON payload. Unknown tags are carried through so callers
// can ignore them without failing.
type StreamEvent struct {
	Type FrameType
	Data json.RawMessage
}

// ConnectedEvent is the initial confirmation frame sent when a stream
// subscription is established.
type ConnectedEvent struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

// GuardLogEvent is a single guard scan result pushed over the stream or
// returned from the history endpoint.
type GuardLogEvent struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id,omitempty"`
	IsSafe           bool            `json:"is_safe"`
	RiskScore        float64         `json:"risk_score"`
	ThreatsDetected  json.RawMessage `json:"threats_detected,omitempty"`
	ThreatCategories []string        `json:"threat_categories,omitempty"`
	LatencyMS        int             `json:"latency_ms"`
	Cached           bool            `json:"cached"`
	IPAddress        string          `json:"ip_address,omitempty"`
	RequestType      string          `json:"request_type,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// StatsUpdate is the periodic organization-wide summary pushed over the
// guard event stream.
type StatsUpdate struct {
	TotalScans     int64 `json:"total_scans"`
	ThreatsBlocked int64 `json:"threats_blocked"`
	SafePrompts    int64 `json:"safe_prompts"`
	AvgLatency     int64 `json:"avg_latency"`
}

// LiveVulnerability is a vulnerability finding pushed over a scan-scoped
// stream while the scan is still running. Findings are keyed by backend
// id; consumers deduplicate on insert.
type LiveVulnerability struct {
	ID          string `json:"id"`
	ProbeName   string `json:"probe_name"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
}

// DecodeConnected decodes the payload of a connected frame.
func (e StreamEvent) DecodeConnected() (ConnectedEvent, error) {
	var out ConnectedEvent
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return ConnectedEvent{}, fmt.Errorf("malformed connected payload: %w", err)
	}
	return out, nil
}

// DecodeGuardLog decodes the payload of a guard_log frame.
func (e StreamEvent) DecodeGuardLog() (GuardLogEvent, error) {
	var out GuardLogEvent
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return GuardLogEvent{}, fmt.Errorf("malformed guard_log payload: %w", err)
	}
	if out.ID == "" {
		return GuardLogEvent{}, fmt.Errorf("guard_log payload missing id")
	}
	return out, nil
}

// DecodeStatsUpdate decodes the payload of a stats_update frame.
func (e StreamEvent) DecodeStatsUpdate() (StatsUpdate, error) {
	var out StatsUpdate
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return StatsUpdate{}, fmt.Errorf("malformed stats_update payload: %w", err)
	}
	return out, nil
}

// DecodeVulnerability decodes the payload of a vulnerability frame.
func (e StreamEvent) DecodeVulnerability() (LiveVulnerability, error) {
	var out LiveVulnerability
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return LiveVulnerability{}, fmt.Errorf("malformed vulnerability payload: %w", err)
	}
	if out.ID == "" {
		return LiveVulnerability{}, fmt.Errorf("vulnerability payload missing id")
	}
	return out, nil
}
