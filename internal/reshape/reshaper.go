// Package reshape turns bronze region-data responses into wide silver rows.
package reshape

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/objstore"
	"github.com/sells-group/grid-pipeline/internal/resilience"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

// Result describes one processed raw object.
type Result struct {
	Key     string `json:"key"`
	Records int    `json:"records"`
	Rows    int    `json:"rows"`
	Written int64  `json:"written"`
}

// Reshaper reads raw objects and hands their pivoted rows to a single sink.
type Reshaper struct {
	store objstore.Store
	sink  Sink
	runs  warehouse.RunLog
	now   func() time.Time
}

// New creates a Reshaper. runs may be nil.
func New(st objstore.Store, sink Sink, runs warehouse.RunLog) *Reshaper {
	return &Reshaper{store: st, sink: sink, runs: runs, now: time.Now}
}

// Process reshapes the raw object named by ref. It does not retry and keeps
// no checkpoint; reprocessing the same object produces the same silver state.
func (r *Reshaper) Process(ctx context.Context, ref model.RawObjectRef) (*Result, error) {
	started := time.Now()
	log := zap.L().With(zap.String("component", "reshape"), zap.String("key", ref.Key))

	runID := r.startRun(ctx, log)
	res, err := r.process(ctx, ref, log)
	if err != nil {
		log.Error("reshape: failed", zap.Error(err), zap.String("class", string(resilience.Classify(err))))
		r.failRun(ctx, runID, err, log)
		monitoring.ObserveRun(model.StageReshape, monitoring.OutcomeFailure, time.Since(started))
		return nil, err
	}

	outcome := monitoring.OutcomeSuccess
	if res.Records == 0 {
		outcome = monitoring.OutcomeEmpty
	}
	r.completeRun(ctx, runID, res, log)
	monitoring.ObserveRun(model.StageReshape, outcome, time.Since(started))
	return res, nil
}

func (r *Reshaper) process(ctx context.Context, ref model.RawObjectRef, log *zap.Logger) (*Result, error) {
	data, err := r.store.Get(ctx, ref.Key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "reshape: read %s", ref.Key))
		}
		return nil, eris.Wrapf(err, "reshape: read %s", ref.Key)
	}

	records, err := decode(data)
	if err != nil {
		return nil, eris.Wrapf(err, "reshape: decode %s", ref.Key)
	}

	res := &Result{Key: ref.Key, Records: len(records)}
	if len(records) == 0 {
		log.Warn("reshape: raw object has no records, nothing written")
		return res, nil
	}

	rows, err := Pivot(records, r.now())
	if err != nil {
		return nil, eris.Wrapf(err, "reshape: pivot %s", ref.Key)
	}
	res.Rows = len(rows)

	written, err := r.sink.Write(ctx, ref, rows)
	if err != nil {
		return nil, err
	}
	res.Written = written
	monitoring.SilverRows.WithLabelValues(r.sink.Kind()).Add(float64(len(rows)))

	log.Info("reshape: silver rows written",
		zap.String("sink", r.sink.Kind()),
		zap.Int("records", len(records)),
		zap.Int("rows", len(rows)),
	)
	return res, nil
}

// decode extracts response.data from a raw body. A body that is not JSON or
// has no response.data array is malformed; an empty array is not.
func decode(data []byte) ([]model.MeasurementRecord, error) {
	var p model.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if p.Response == nil {
		return nil, malformed("missing response")
	}
	if p.Response.Data == nil {
		return nil, malformed("missing response.data")
	}
	return p.Response.Data, nil
}

// BackfillResult summarizes a prefix reprocessing.
type BackfillResult struct {
	Objects int `json:"objects"`
	Failed  int `json:"failed"`
	Rows    int `json:"rows"`
}

// ProcessPrefix reprocesses every raw .json object under prefix in key order.
// A failing object is logged and skipped; the returned error reports how many
// failed.
func (r *Reshaper) ProcessPrefix(ctx context.Context, prefix string) (*BackfillResult, error) {
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "reshape: list %s", prefix)
	}

	out := &BackfillResult{}
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "reshape: backfill cancelled")
		}
		out.Objects++
		res, err := r.Process(ctx, RefFromKey(key))
		if err != nil {
			out.Failed++
			continue
		}
		out.Rows += res.Rows
	}

	if out.Failed > 0 {
		return out, eris.Errorf("reshape: %d of %d objects under %s failed", out.Failed, out.Objects, prefix)
	}
	return out, nil
}

// RefFromKey builds a reference for an existing raw object. The source is
// the path segment after "bronze/" when present.
func RefFromKey(key string) model.RawObjectRef {
	ref := model.RawObjectRef{Key: key}
	parts := strings.Split(key, "/")
	if len(parts) > 2 && parts[0] == "bronze" {
		ref.Source = parts[1]
	}
	return ref
}

func (r *Reshaper) startRun(ctx context.Context, log *zap.Logger) int64 {
	if r.runs == nil {
		return 0
	}
	id, err := r.runs.StartRun(ctx, model.StageReshape)
	if err != nil {
		log.Warn("reshape: run log start failed", zap.Error(err))
		return 0
	}
	return id
}

func (r *Reshaper) completeRun(ctx context.Context, id int64, res *Result, log *zap.Logger) {
	if r.runs == nil || id == 0 {
		return
	}
	meta := map[string]any{"key": res.Key, "records": res.Records, "sink": r.sink.Kind()}
	if err := r.runs.CompleteRun(ctx, id, &model.RunResult{Rows: int64(res.Rows), Metadata: meta}); err != nil {
		log.Warn("reshape: run log complete failed", zap.Error(err))
	}
}

func (r *Reshaper) failRun(ctx context.Context, id int64, cause error, log *zap.Logger) {
	if r.runs == nil || id == 0 {
		return
	}
	if err := r.runs.FailRun(ctx, id, cause.Error()); err != nil {
		log.Warn("reshape: run log fail failed", zap.Error(err))
	}
}
