// Package aggregate rolls silver hourly rows up into gold daily totals.
package aggregate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

// GoldWriter is the warehouse operation the aggregator runs.
type GoldWriter interface {
	AggregateGold(ctx context.Context, now time.Time) (int64, error)
}

// Result describes one aggregation pass.
type Result struct {
	Inserted int64     `json:"inserted"`
	RanAt    time.Time `json:"ran_at"`
}

// Aggregator inserts gold rows for (day, region) pairs that are not yet in
// gold. A day aggregated before all of its hours arrived keeps its partial
// totals.
type Aggregator struct {
	gold GoldWriter
	runs warehouse.RunLog
	now  func() time.Time
}

// New creates an Aggregator. runs may be nil.
func New(gold GoldWriter, runs warehouse.RunLog) *Aggregator {
	return &Aggregator{gold: gold, runs: runs, now: time.Now}
}

// Run performs one aggregation pass.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	now := a.now().UTC()
	log := zap.L().With(zap.String("component", "aggregate"))

	var runID int64
	if a.runs != nil {
		id, err := a.runs.StartRun(ctx, model.StageAggregate)
		if err != nil {
			log.Warn("aggregate: run log start failed", zap.Error(err))
		}
		runID = id
	}

	n, err := a.gold.AggregateGold(ctx, now)
	if err != nil {
		err = eris.Wrap(err, "aggregate: insert gold")
		log.Error("aggregate: failed", zap.Error(err))
		if runID != 0 {
			if ferr := a.runs.FailRun(ctx, runID, err.Error()); ferr != nil {
				log.Warn("aggregate: run log fail failed", zap.Error(ferr))
			}
		}
		monitoring.ObserveRun(model.StageAggregate, monitoring.OutcomeFailure, time.Since(started))
		return nil, err
	}

	monitoring.GoldRowsInserted.Add(float64(n))
	outcome := monitoring.OutcomeSuccess
	if n == 0 {
		outcome = monitoring.OutcomeNoop
	}
	if runID != 0 {
		if err := a.runs.CompleteRun(ctx, runID, &model.RunResult{Rows: n}); err != nil {
			log.Warn("aggregate: run log complete failed", zap.Error(err))
		}
	}
	monitoring.ObserveRun(model.StageAggregate, outcome, time.Since(started))

	log.Info("aggregate: gold rows inserted", zap.Int64("inserted", n))
	return &Result{Inserted: n, RanAt: now}, nil
}
