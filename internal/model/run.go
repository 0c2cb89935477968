package model

import "time"

// Stage names a pipeline component in the run log.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageReshape   Stage = "reshape"
	StageAggregate Stage = "aggregate"
)

// RunStatus represents the state of a recorded run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunEntry represents a row in the run log.
type RunEntry struct {
	ID          int64          `json:"id" yaml:"id"`
	Stage       Stage          `json:"stage" yaml:"stage"`
	Status      RunStatus      `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Rows        int64          `json:"rows" yaml:"rows"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RunResult holds the outcome of a run, passed to CompleteRun.
type RunResult struct {
	Rows     int64          `json:"rows"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
