package scan

import "sync"

// Status is the lifecycle state of a vulnerability scan as reported by
// the backend.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one the scan cannot leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a status the backend can emit.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Snapshot is the point-in-time progress of one scan.
type Snapshot struct {
	ScanID               string
	Status               Status
	Progress             int
	ProbesCompleted      int
	ProbesTotal          int
	VulnerabilitiesFound int
	ErrorMessage         string
}

// Update is a partial progress report from one transport. Only non-nil
// fields overwrite the tracked snapshot, so a stream frame carrying just
// {"progress": 55} does not clobber the status a poll reported earlier.
type Update struct {
	Status               *Status `json:"status,omitempty"`
	Progress             *int    `json:"progress,omitempty"`
	ProbesCompleted      *int    `json:"probes_completed,omitempty"`
	ProbesTotal          *int    `json:"probes_total,omitempty"`
	VulnerabilitiesFound *int    `json:"vulnerabilities_found,omitempty"`
	ErrorMessage         *string `json:"error_message,omitempty"`
}

// AsUpdate converts a full snapshot into an update touching every field.
func (s Snapshot) AsUpdate() Update {
	return Update{
		Status:               &s.Status,
		Progress:             &s.Progress,
		ProbesCompleted:      &s.ProbesCompleted,
		ProbesTotal:          &s.ProbesTotal,
		VulnerabilitiesFound: &s.VulnerabilitiesFound,
		ErrorMessage:         &s.ErrorMessage,
	}
}

// Tracker owns the shared snapshot for one scan. Updates from either
// transport are applied last-write-wins; once a terminal status lands the
// snapshot is frozen and further updates are ignored. No ordering is
// assumed between transports, so progress may step backwards by small
// amounts before the terminal state.
type Tracker struct {
	mu     sync.Mutex
	snap   Snapshot
	frozen bool
}

// NewTracker creates a tracker for scanID starting at queued / 0%.
func NewTracker(scanID string) *Tracker {
	return &Tracker{snap: Snapshot{ScanID: scanID, Status: StatusQueued}}
}

// Apply merges u into the snapshot and returns the result. The second
// return value is true only for the single call that moved the snapshot
// into a terminal state; updates after freezing are no-ops.
func (t *Tracker) Apply(u Update) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return t.snap, false
	}

	if u.Status != nil && u.Status.Valid() {
		t.snap.Status = *u.Status
	}
	if u.Progress != nil {
		t.snap.Progress = clampProgress(*u.Progress)
	}
	if u.ProbesCompleted != nil {
		t.snap.ProbesCompleted = *u.ProbesCompleted
	}
	if u.ProbesTotal != nil {
		t.snap.ProbesTotal = *u.ProbesTotal
	}
	if u.VulnerabilitiesFound != nil {
		t.snap.VulnerabilitiesFound = *u.VulnerabilitiesFound
	}
	if u.ErrorMessage != nil && *u.ErrorMessage != "" {
		t.snap.ErrorMessage = *u.ErrorMessage
	}

	if t.snap.Status.Terminal() {
		t.frozen = true
		return t.snap, true
	}
	return t.snap, false
}

// Snapshot returns a copy of the current snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
