// Package warehouse holds the relational silver and gold tiers and the
// pipeline run log.
package warehouse

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/config"
	"github.com/sells-group/grid-pipeline/internal/model"
)

// Table names shared by both drivers.
const (
	SilverTable  = "silver.hourly_region_metrics"
	GoldTable    = "gold.daily_region_totals"
	SyncLogTable = "pipeline.sync_log"
)

// silverColumns is the column order used for every silver write.
var silverColumns = []string{
	"timestamp",
	"region_code",
	"region_name",
	"demand_mwh",
	"demand_forecast_mwh",
	"net_generation_mwh",
	"total_interchange_mwh",
	"value_units",
	"ingested_at",
}

var silverKeys = []string{"timestamp", "region_code"}

// RunLog records one row per component invocation.
type RunLog interface {
	StartRun(ctx context.Context, stage model.Stage) (int64, error)
	CompleteRun(ctx context.Context, id int64, result *model.RunResult) error
	FailRun(ctx context.Context, id int64, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error)
	LastSuccess(ctx context.Context, stage model.Stage) (*time.Time, error)
}

// Warehouse is the relational store behind the silver table sink and the
// aggregator.
type Warehouse interface {
	RunLog

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// UpsertSilver merges rows keyed on (timestamp, region_code). Existing
	// rows get every value column and ingested_at overwritten. All rows are
	// written in one transaction.
	UpsertSilver(ctx context.Context, rows []model.SilverRow) (int64, error)

	// AggregateGold inserts daily per-region totals for every (day, region)
	// pair not yet present in gold and returns the number of rows inserted.
	// Existing gold rows are never updated.
	AggregateGold(ctx context.Context, now time.Time) (int64, error)

	// ListGold returns the most recent gold rows, newest day first.
	ListGold(ctx context.Context, limit int) ([]model.GoldRow, error)

	Close()
}

// Open connects to the warehouse selected by cfg.Driver.
func Open(ctx context.Context, cfg config.WarehouseConfig) (Warehouse, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, eris.New("warehouse: postgres requires warehouse.database_url or warehouse.server/database")
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: parse database url")
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: connect")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "warehouse: ping")
		}
		return NewPostgres(pool, pool.Close), nil
	default:
		return nil, eris.Errorf("warehouse: unknown driver %q", cfg.Driver)
	}
}

// silverValues flattens a row in silverColumns order.
func silverValues(r model.SilverRow) []any {
	return []any{
		r.Timestamp.UTC(),
		r.RegionCode,
		r.RegionName,
		r.DemandMWh,
		r.DemandForecastMWh,
		r.NetGenerationMWh,
		r.TotalInterchangeMWh,
		r.ValueUnits,
		r.IngestedAt.UTC(),
	}
}
