package entities

import "time"

// ReleaseState is a step of the per-release mirroring state machine
type ReleaseState string

// Release states
const (
	StateDiscovered ReleaseState = "discovered"
	StateBuilding   ReleaseState = "building"
	StatePublishing ReleaseState = "publishing"
	StateMirrored   ReleaseState = "mirrored"
	StateFailed     ReleaseState = "failed"
)

// OutcomeStatus is what a run reports for one release
type OutcomeStatus string

// Outcome statuses
const (
	OutcomeMirrored OutcomeStatus = "mirrored"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeSkipped  OutcomeStatus = "skipped"
)

// PlatformOutcome reports the build and publish result for one platform
type PlatformOutcome struct {
	Platform       string `json:"platform"`
	Filename       string `json:"filename,omitempty"`
	Built          bool   `json:"built"`
	Published      bool   `json:"published"`
	AlreadyExisted bool   `json:"already_existed,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ReleaseOutcome reports how a release ended in a run
type ReleaseOutcome struct {
	Version   string            `json:"version"`
	Status    OutcomeStatus     `json:"status"`
	State     ReleaseState      `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Platforms []PlatformOutcome `json:"platforms,omitempty"`
}

// RunReport is the result of one pipeline run
type RunReport struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Outcomes   []ReleaseOutcome `json:"outcomes"`
	Error      string           `json:"error,omitempty"`
}

// Failed reports whether the run must signal failure to operators
func (r *RunReport) Failed() bool {
	if r.Error != "" {
		return true
	}
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed {
			return true
		}
	}
	return false
}

// Count returns how many outcomes have the given status
func (r *RunReport) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
