package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grid-pipeline/internal/model"
)

// Timestamps are stored as TEXT so that lexical order is time order and the
// day is the first ten characters.
const (
	sqliteHourLayout    = "2006-01-02T15:04:05Z"
	sqliteDayLayout     = "2006-01-02"
	sqliteInstantLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLite has no schemas, so the qualified names are quoted as plain
// identifiers.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS "silver.hourly_region_metrics" (
	"timestamp"           TEXT    NOT NULL,
	region_code           TEXT    NOT NULL,
	region_name           TEXT    NOT NULL DEFAULT '',
	demand_mwh            INTEGER,
	demand_forecast_mwh   INTEGER,
	net_generation_mwh    INTEGER,
	total_interchange_mwh INTEGER,
	value_units           TEXT    NOT NULL DEFAULT '',
	ingested_at           TEXT    NOT NULL,
	PRIMARY KEY ("timestamp", region_code)
);

CREATE TABLE IF NOT EXISTS "gold.daily_region_totals" (
	day                      TEXT NOT NULL,
	region_code              TEXT NOT NULL,
	total_demand_mwh         INTEGER,
	total_net_generation_mwh INTEGER,
	ingested_at              TEXT NOT NULL,
	UNIQUE (day, region_code)
);

CREATE TABLE IF NOT EXISTS "pipeline.sync_log" (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	stage        TEXT    NOT NULL,
	status       TEXT    NOT NULL DEFAULT 'running',
	started_at   TEXT    NOT NULL,
	completed_at TEXT,
	rows_written INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_log_stage_started ON "pipeline.sync_log" (stage, started_at);
`

const sqliteUpsertSilverSQL = `
INSERT INTO "silver.hourly_region_metrics" (
	"timestamp", region_code, region_name, demand_mwh, demand_forecast_mwh,
	net_generation_mwh, total_interchange_mwh, value_units, ingested_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT ("timestamp", region_code) DO UPDATE SET
	region_name           = excluded.region_name,
	demand_mwh            = excluded.demand_mwh,
	demand_forecast_mwh   = excluded.demand_forecast_mwh,
	net_generation_mwh    = excluded.net_generation_mwh,
	total_interchange_mwh = excluded.total_interchange_mwh,
	value_units           = excluded.value_units,
	ingested_at           = excluded.ingested_at`

const sqliteAggregateGoldSQL = `
WITH daily AS (
	SELECT substr("timestamp", 1, 10) AS day,
	       region_code,
	       SUM(demand_mwh)         AS total_demand_mwh,
	       SUM(net_generation_mwh) AS total_net_generation_mwh
	FROM "silver.hourly_region_metrics"
	GROUP BY 1, 2
)
INSERT INTO "gold.daily_region_totals" (day, region_code, total_demand_mwh, total_net_generation_mwh, ingested_at)
SELECT d.day, d.region_code, d.total_demand_mwh, d.total_net_generation_mwh, ?
FROM daily d
WHERE NOT EXISTS (
	SELECT 1 FROM "gold.daily_region_totals" g
	WHERE g.day = d.day AND g.region_code = d.region_code
)
ON CONFLICT (day, region_code) DO NOTHING`

// SQLite implements Warehouse on a single-file modernc.org/sqlite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and configures WAL mode.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps ":memory:" databases coherent and serializes
	// writers the way a single-process CLI expects.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

// UpsertSilver merges rows one statement at a time inside a transaction.
func (s *SQLite) UpsertSilver(ctx context.Context, rows []model.SilverRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin silver tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSilverSQL)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare silver upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var total int64
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC().Format(sqliteHourLayout),
			r.RegionCode,
			r.RegionName,
			nullInt(r.DemandMWh),
			nullInt(r.DemandForecastMWh),
			nullInt(r.NetGenerationMWh),
			nullInt(r.TotalInterchangeMWh),
			r.ValueUnits,
			r.IngestedAt.UTC().Format(sqliteInstantLayout),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert silver %s/%s", r.RegionCode, r.Timestamp.UTC().Format(sqliteHourLayout))
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit silver tx")
	}
	return total, nil
}

// AggregateGold runs the gold insert in a single transaction.
func (s *SQLite) AggregateGold(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin aggregate tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, sqliteAggregateGoldSQL, now.UTC().Format(sqliteInstantLayout))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: aggregate gold")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: aggregate rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit aggregate tx")
	}
	return n, nil
}

// ListGold returns up to limit gold rows, newest day first.
func (s *SQLite) ListGold(ctx context.Context, limit int) ([]model.GoldRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, region_code, total_demand_mwh, total_net_generation_mwh, ingested_at
		 FROM "gold.daily_region_totals"
		 ORDER BY day DESC, region_code
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gold")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.GoldRow
	for rows.Next() {
		var (
			g              model.GoldRow
			day, ingested  string
			demand, netGen sql.NullInt64
		)
		if err := rows.Scan(&day, &g.RegionCode, &demand, &netGen, &ingested); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gold row")
		}
		if g.Day, err = time.Parse(sqliteDayLayout, day); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse gold day %q", day)
		}
		if g.IngestedAt, err = time.Parse(sqliteInstantLayout, ingested); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse gold ingested_at %q", ingested)
		}
		g.TotalDemandMWh = int64Ptr(demand)
		g.TotalNetGenerationMWh = int64Ptr(netGen)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListSilver returns every silver row ordered by key. Used by local runs and
// tests to inspect the table.
func (s *SQLite) ListSilver(ctx context.Context) ([]model.SilverRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "timestamp", region_code, region_name, demand_mwh, demand_forecast_mwh,
		        net_generation_mwh, total_interchange_mwh, value_units, ingested_at
		 FROM "silver.hourly_region_metrics"
		 ORDER BY "timestamp", region_code`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list silver")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SilverRow
	for rows.Next() {
		var (
			r             model.SilverRow
			ts, ingested  string
			d, df, ng, ti sql.NullInt64
		)
		if err := rows.Scan(&ts, &r.RegionCode, &r.RegionName, &d, &df, &ng, &ti, &r.ValueUnits, &ingested); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan silver row")
		}
		if r.Timestamp, err = time.Parse(sqliteHourLayout, ts); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse silver timestamp %q", ts)
		}
		if r.IngestedAt, err = time.Parse(sqliteInstantLayout, ingested); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse silver ingested_at %q", ingested)
		}
		r.DemandMWh = int64Ptr(d)
		r.DemandForecastMWh = int64Ptr(df)
		r.NetGenerationMWh = int64Ptr(ng)
		r.TotalInterchangeMWh = int64Ptr(ti)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartRun records the beginning of a run and returns its ID.
func (s *SQLite) StartRun(ctx context.Context, stage model.Stage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO "pipeline.sync_log" (stage, status, started_at) VALUES (?, 'running', ?)`,
		string(stage), time.Now().UTC().Format(sqliteInstantLayout),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start %s run", stage)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: run id")
	}
	return id, nil
}

// CompleteRun marks a run as complete.
func (s *SQLite) CompleteRun(ctx context.Context, id int64, result *model.RunResult) error {
	rowsWritten, metaJSON, err := encodeResult(result)
	if err != nil {
		return err
	}
	var meta any
	if metaJSON != nil {
		meta = string(metaJSON)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE "pipeline.sync_log"
		 SET status = 'complete', completed_at = ?, rows_written = ?, metadata = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(sqliteInstantLayout), rowsWritten, meta, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %d", id)
	}
	return nil
}

// FailRun marks a run as failed.
func (s *SQLite) FailRun(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE "pipeline.sync_log"
		 SET status = 'failed', completed_at = ?, error = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(sqliteInstantLayout), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %d", id)
	}
	return nil
}

// ListRuns returns up to limit run-log entries, most recent first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, status, started_at, completed_at, rows_written, error, metadata
		 FROM "pipeline.sync_log" ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.RunEntry
	for rows.Next() {
		var (
			e                       model.RunEntry
			stage, status, started  string
			completed, errStr, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &stage, &status, &started, &completed, &e.Rows, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run entry")
		}
		e.Stage = model.Stage(stage)
		e.Status = model.RunStatus(status)
		if e.StartedAt, err = time.Parse(sqliteInstantLayout, started); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse started_at %q", started)
		}
		if completed.Valid {
			t, err := time.Parse(sqliteInstantLayout, completed.String)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: parse completed_at %q", completed.String)
			}
			e.CompletedAt = &t
		}
		e.Error = errStr.String
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccess returns the start time of the most recent complete run of
// stage, or nil when there is none.
func (s *SQLite) LastSuccess(ctx context.Context, stage model.Stage) (*time.Time, error) {
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM "pipeline.sync_log"
		 WHERE stage = ? AND status = 'complete'
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		string(stage),
	).Scan(&started)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last success for %s", stage)
	}
	t, err := time.Parse(sqliteInstantLayout, started)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse started_at %q", started)
	}
	return &t, nil
}

// Close closes the database.
func (s *SQLite) Close() {
	_ = s.db.Close()
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return model.Int64Ptr(n.Int64)
}
