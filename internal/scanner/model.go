package scanner

import "time"

// Scan statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// ScanResult summarizes one scan pass.
type ScanResult struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Include          []string   `json:"include,omitempty"`
	Formats          []string   `json:"formats"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Discovered       int        `json:"discovered"`
	Probed           int        `json:"probed"`
	Skipped          int        `json:"skipped"`
	Failed           int        `json:"failed"`
	TimedOut         int        `json:"timed_out"`
	PrunedExclusions []string   `json:"pruned_exclusions,omitempty"`
	// AllFound is set for include scans: every requested name is now in the catalog.
	AllFound *bool  `json:"all_found,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Outcome classifies an isolated probe as seen by the parent.
type Outcome string

// Probe outcomes.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeStartFailed Outcome = "start_failed"
	OutcomeCanceled    Outcome = "canceled"
)

// ProbeResult is what the parent learns from one probe child.
type ProbeResult struct {
	Outcome  Outcome
	ExitCode int
	Duration time.Duration
	Err      error
}
