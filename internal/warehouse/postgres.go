package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/db"
	"github.com/sells-group/grid-pipeline/internal/model"
)

// aggregateGoldSQL computes daily totals from silver and inserts only the
// (day, region) pairs gold does not hold yet. The unique constraint plus
// ON CONFLICT DO NOTHING covers two aggregators racing on the same day.
const aggregateGoldSQL = `
WITH daily AS (
	SELECT ("timestamp" AT TIME ZONE 'UTC')::date AS day,
	       region_code,
	       SUM(demand_mwh)         AS total_demand_mwh,
	       SUM(net_generation_mwh) AS total_net_generation_mwh
	FROM silver.hourly_region_metrics
	GROUP BY 1, 2
)
INSERT INTO gold.daily_region_totals (day, region_code, total_demand_mwh, total_net_generation_mwh, ingested_at)
SELECT d.day, d.region_code, d.total_demand_mwh, d.total_net_generation_mwh, $1
FROM daily d
WHERE NOT EXISTS (
	SELECT 1 FROM gold.daily_region_totals g
	WHERE g.day = d.day AND g.region_code = d.region_code
)
ON CONFLICT (day, region_code) DO NOTHING`

// Postgres implements Warehouse on a pgx pool.
type Postgres struct {
	pool  db.Pool
	close func()
}

// NewPostgres wraps pool. closeFn, when non-nil, runs on Close.
func NewPostgres(pool db.Pool, closeFn func()) *Postgres {
	return &Postgres{pool: pool, close: closeFn}
}

// Migrate applies the embedded migrations under an advisory lock.
func (p *Postgres) Migrate(ctx context.Context) error {
	return migrate(ctx, p.pool)
}

// UpsertSilver merges rows via a temp table and COPY.
func (p *Postgres) UpsertSilver(ctx context.Context, rows []model.SilverRow) (int64, error) {
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = silverValues(r)
	}
	n, err := db.BulkUpsert(ctx, p.pool, db.UpsertConfig{
		Table:        SilverTable,
		Columns:      silverColumns,
		ConflictKeys: silverKeys,
	}, values)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: upsert silver")
	}
	return n, nil
}

// AggregateGold runs the gold insert in a single transaction.
func (p *Postgres) AggregateGold(ctx context.Context, now time.Time) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: begin aggregate tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, aggregateGoldSQL, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: aggregate gold")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit aggregate tx")
	}
	return tag.RowsAffected(), nil
}

// ListGold returns up to limit gold rows, newest day first.
func (p *Postgres) ListGold(ctx context.Context, limit int) ([]model.GoldRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT day, region_code, total_demand_mwh, total_net_generation_mwh, ingested_at
		 FROM gold.daily_region_totals
		 ORDER BY day DESC, region_code
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list gold")
	}
	defer rows.Close()

	var out []model.GoldRow
	for rows.Next() {
		var g model.GoldRow
		if err := rows.Scan(&g.Day, &g.RegionCode, &g.TotalDemandMWh, &g.TotalNetGenerationMWh, &g.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan gold row")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// StartRun records the beginning of a run and returns its ID.
func (p *Postgres) StartRun(ctx context.Context, stage model.Stage) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO pipeline.sync_log (stage, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		string(stage),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: start %s run", stage)
	}
	return id, nil
}

// CompleteRun marks a run as complete.
func (p *Postgres) CompleteRun(ctx context.Context, id int64, result *model.RunResult) error {
	rowsWritten, metaJSON, err := encodeResult(result)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE pipeline.sync_log
		 SET status = 'complete', completed_at = now(), rows_written = $1, metadata = $2
		 WHERE id = $3`,
		rowsWritten, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: complete run %d", id)
	}
	return nil
}

// FailRun marks a run as failed.
func (p *Postgres) FailRun(ctx context.Context, id int64, errMsg string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE pipeline.sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse: fail run %d", id)
	}
	return nil
}

// ListRuns returns up to limit run-log entries, most recent first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, stage, status, started_at, completed_at, rows_written, error, metadata
		 FROM pipeline.sync_log ORDER BY started_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list runs")
	}
	defer rows.Close()

	var entries []model.RunEntry
	for rows.Next() {
		var (
			e         model.RunEntry
			stage     string
			status    string
			errStr    *string
			metaJSON  []byte
			completed *time.Time
		)
		if err := rows.Scan(&e.ID, &stage, &status, &e.StartedAt, &completed, &e.Rows, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan run entry")
		}
		e.Stage = model.Stage(stage)
		e.Status = model.RunStatus(status)
		e.CompletedAt = completed
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccess returns the start time of the most recent complete run of
// stage, or nil when there is none.
func (p *Postgres) LastSuccess(ctx context.Context, stage model.Stage) (*time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT started_at FROM pipeline.sync_log
		 WHERE stage = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		string(stage),
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "warehouse: last success for %s", stage)
	}
	return &t, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

func encodeResult(result *model.RunResult) (int64, []byte, error) {
	if result == nil {
		return 0, nil, nil
	}
	if result.Metadata == nil {
		return result.Rows, nil, nil
	}
	metaJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return 0, nil, eris.Wrap(err, "warehouse: marshal run metadata")
	}
	return result.Rows, metaJSON, nil
}
