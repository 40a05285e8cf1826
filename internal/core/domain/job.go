package domain

import "time"

type JobID string

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one benchmark run across an ordered set of scenarios.
type Job struct {
	ID          JobID          `json:"id"`
	ScenarioIDs []string       `json:"scenario_ids"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	State       JobState       `json:"state"`
	Error       *string        `json:"error,omitempty"`
	Results     []SignedResult `json:"results,omitempty"` // populated only when State == completed
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunRequest is the validated input for a benchmark submission.
type RunRequest struct {
	ScenarioIDs []string `json:"scenario_ids"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	APIKey      string   `json:"api_key,omitempty"` // passed through to the scorer, never persisted
}
