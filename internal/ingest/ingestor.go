// Package ingest lands hourly upstream responses in the bronze tier and
// advances the ingestion checkpoint.
package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/eia"
	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/notify"
	"github.com/sells-group/grid-pipeline/internal/objstore"
	"github.com/sells-group/grid-pipeline/internal/resilience"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

// Status is the outcome of one ingestor run.
type Status string

const (
	// StatusAborted means the run was refused before doing anything (no API key).
	StatusAborted Status = "aborted"
	// StatusNoop means the checkpoint already covers the current hour.
	StatusNoop Status = "noop"
	// StatusEmpty means upstream returned no records; nothing was written.
	StatusEmpty Status = "empty"
	// StatusIngested means a bronze object was written and the checkpoint advanced.
	StatusIngested Status = "ingested"
)

// Fetcher requests one window of upstream data.
type Fetcher interface {
	Fetch(ctx context.Context, start, end time.Time) (*eia.Response, error)
}

// Options configures an Ingestor.
type Options struct {
	APIKey    string
	Source    string
	Bootstrap time.Duration
	Now       func() time.Time
}

// Result describes a finished run.
type Result struct {
	Status  Status `json:"status"`
	Window  Window `json:"window"`
	Key     string `json:"key,omitempty"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
}

// Ingestor runs one ingestion pass per Run call.
type Ingestor struct {
	fetcher     Fetcher
	store       objstore.Store
	checkpoints *CheckpointStore
	runs        warehouse.RunLog
	publisher   notify.Publisher
	opts        Options
}

// New creates an Ingestor. runs may be nil to skip run-log bookkeeping and
// publisher may be nil to skip notifications.
func New(f Fetcher, st objstore.Store, runs warehouse.RunLog, pub notify.Publisher, opts Options) *Ingestor {
	if opts.Source == "" {
		opts.Source = "eia"
	}
	if opts.Bootstrap == 0 {
		opts.Bootstrap = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &Ingestor{
		fetcher:     f,
		store:       st,
		checkpoints: NewCheckpointStore(st),
		runs:        runs,
		publisher:   pub,
		opts:        opts,
	}
}

// Run fetches every hour since the checkpoint and lands the response in
// bronze. Upstream or storage failures are returned and leave the checkpoint
// untouched. A missing API key is logged and reported as StatusAborted with a
// nil error.
func (in *Ingestor) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	log := zap.L().With(zap.String("component", "ingest"))

	if in.opts.APIKey == "" {
		log.Error("ingest: api key is not configured, skipping run")
		monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeAborted, time.Since(started))
		return &Result{Status: StatusAborted}, nil
	}

	now := in.opts.Now().UTC()

	cp, err := in.checkpoints.Load(ctx)
	if err != nil {
		monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeFailure, time.Since(started))
		return nil, err
	}

	w, ok := ComputeWindow(cp, now, in.opts.Bootstrap)
	if !ok {
		log.Info("ingest: checkpoint is current, nothing to fetch", zap.Time("now", now))
		monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeNoop, time.Since(started))
		return &Result{Status: StatusNoop}, nil
	}
	log = log.With(zap.Stringer("window", w))

	runID := in.startRun(ctx, log)
	fail := func(err error) (*Result, error) {
		in.failRun(ctx, runID, err, log)
		monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeFailure, time.Since(started))
		return nil, err
	}

	resp, err := in.fetcher.Fetch(ctx, w.Start, w.End)
	if err != nil {
		return fail(eris.Wrapf(err, "ingest: fetch %s", w))
	}

	records := resp.Records()
	if resp.Payload.Response != nil {
		// A short read would move the checkpoint past rows nobody fetched.
		if total := int(resp.Payload.Response.Total); total > len(records) {
			return fail(resilience.NewTransientError(
				eris.Errorf("ingest: upstream returned %d of %d rows for %s", len(records), total, w), 0))
		}
	}
	res := &Result{Window: w, Records: len(records)}
	if len(records) == 0 {
		log.Warn("ingest: upstream returned no records, checkpoint not advanced")
		in.completeRun(ctx, runID, 0, map[string]any{"window": w.String(), "empty": true}, log)
		monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeEmpty, time.Since(started))
		res.Status = StatusEmpty
		return res, nil
	}

	key := BronzeKey(in.opts.Source, now)
	if err := in.store.Put(ctx, key, resp.Body, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fail(eris.Wrapf(err, "ingest: write bronze %s", key))
	}
	monitoring.BronzeBytes.Add(float64(len(resp.Body)))

	if err := in.checkpoints.Save(ctx, model.Checkpoint{LastIngestedUTC: w.End}); err != nil {
		// The bronze object stays; the next run refetches the same window
		// under a new key and the silver merge absorbs the duplicate.
		return fail(err)
	}
	monitoring.CheckpointTimestamp.Set(float64(w.End.Unix()))

	ref := model.RawObjectRef{Key: key, Source: in.opts.Source, CreatedAt: now}
	if err := in.publisher.Publish(ctx, ref); err != nil {
		log.Warn("ingest: publish bronze-created event failed", zap.String("key", key), zap.Error(err))
	}

	res.Status = StatusIngested
	res.Key = key
	res.Bytes = len(resp.Body)

	in.completeRun(ctx, runID, int64(len(records)), map[string]any{
		"key":    key,
		"window": w.String(),
		"bytes":  len(resp.Body),
	}, log)
	monitoring.ObserveRun(model.StageIngest, monitoring.OutcomeSuccess, time.Since(started))

	log.Info("ingest: bronze object written",
		zap.String("key", key),
		zap.Int("records", len(records)),
		zap.Time("checkpoint", w.End),
	)
	return res, nil
}

// The run log is bookkeeping: its failures are logged, never fatal.

func (in *Ingestor) startRun(ctx context.Context, log *zap.Logger) int64 {
	if in.runs == nil {
		return 0
	}
	id, err := in.runs.StartRun(ctx, model.StageIngest)
	if err != nil {
		log.Warn("ingest: run log start failed", zap.Error(err))
		return 0
	}
	return id
}

func (in *Ingestor) completeRun(ctx context.Context, id, rows int64, meta map[string]any, log *zap.Logger) {
	if in.runs == nil || id == 0 {
		return
	}
	if err := in.runs.CompleteRun(ctx, id, &model.RunResult{Rows: rows, Metadata: meta}); err != nil {
		log.Warn("ingest: run log complete failed", zap.Error(err))
	}
}

func (in *Ingestor) failRun(ctx context.Context, id int64, cause error, log *zap.Logger) {
	log.Error("ingest: run failed", zap.Error(cause))
	if in.runs == nil || id == 0 {
		return
	}
	if err := in.runs.FailRun(ctx, id, cause.Error()); err != nil {
		log.Warn("ingest: run log fail failed", zap.Error(err))
	}
}
