// Package monitoring exposes pipeline metrics and summarizes the run log.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/model"
)

// StageSummary counts runs of one stage inside the lookback window.
type StageSummary struct {
	Total       int        `json:"total" yaml:"total"`
	Complete    int        `json:"complete" yaml:"complete"`
	Failed      int        `json:"failed" yaml:"failed"`
	Running     int        `json:"running" yaml:"running"`
	Rows        int64      `json:"rows" yaml:"rows"`
	FailRate    float64    `json:"fail_rate" yaml:"fail_rate"`
	LastSuccess *time.Time `json:"last_success,omitempty" yaml:"last_success,omitempty"`
}

// Snapshot is a point-in-time view of pipeline health.
type Snapshot struct {
	Stages        map[model.Stage]*StageSummary `json:"stages" yaml:"stages"`
	LookbackHours int                           `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time                     `json:"collected_at" yaml:"collected_at"`
}

// RunLister abstracts the run-log query used by the collector.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error)
}

// Collector summarizes the run log.
type Collector struct {
	runs  RunLister
	limit int
	now   func() time.Time
}

// NewCollector creates a collector that reads at most 10000 run-log rows.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, limit: 10000, now: time.Now}
}

// Collect gathers per-stage counts over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		Stages: map[model.Stage]*StageSummary{
			model.StageIngest:    {},
			model.StageReshape:   {},
			model.StageAggregate: {},
		},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.runs.ListRuns(ctx, c.limit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, e := range entries {
		s, ok := snap.Stages[e.Stage]
		if !ok {
			s = &StageSummary{}
			snap.Stages[e.Stage] = s
		}
		if e.Status == model.RunStatusComplete && (s.LastSuccess == nil || e.StartedAt.After(*s.LastSuccess)) {
			started := e.StartedAt
			s.LastSuccess = &started
		}
		if e.StartedAt.Before(cutoff) {
			continue
		}
		s.Total++
		switch e.Status {
		case model.RunStatusComplete:
			s.Complete++
			s.Rows += e.Rows
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusRunning:
			s.Running++
		}
	}

	for _, s := range snap.Stages {
		if finished := s.Complete + s.Failed; finished > 0 {
			s.FailRate = float64(s.Failed) / float64(finished)
		}
	}
	return snap, nil
}
