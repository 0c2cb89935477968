package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/config"
	"github.com/sells-group/grid-pipeline/internal/notify"
	"github.com/sells-group/grid-pipeline/internal/objstore"
	"github.com/sells-group/grid-pipeline/internal/reshape"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

func initStore(ctx context.Context, c config.StorageConfig) (objstore.Store, error) {
	switch c.Driver {
	case "fs", "":
		st, err := objstore.NewFS(c.Root)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "minio":
		st, err := objstore.NewMinio(ctx, objstore.MinioOptions{
			Endpoint:  c.Endpoint,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			UseSSL:    c.UseSSL,
			Bucket:    c.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported storage driver: %s", c.Driver)
	}
}

// initWarehouse opens the warehouse and brings its schema up to date.
func initWarehouse(ctx context.Context, c config.WarehouseConfig) (warehouse.Warehouse, error) {
	wh, err := warehouse.Open(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := wh.Migrate(ctx); err != nil {
		wh.Close()
		return nil, err
	}
	return wh, nil
}

// warehouseConfigured reports whether enough settings exist to open a
// warehouse, for commands where the run log is optional.
func warehouseConfigured(c config.WarehouseConfig) bool {
	switch c.Driver {
	case "sqlite":
		return c.SQLitePath != ""
	case "postgres", "":
		return c.DSN() != ""
	default:
		return false
	}
}

// optionalRunLog opens the warehouse for run-log bookkeeping. A missing or
// unreachable warehouse only disables the run log.
func optionalRunLog(ctx context.Context, c config.WarehouseConfig) (warehouse.RunLog, func()) {
	if !warehouseConfigured(c) {
		return nil, func() {}
	}
	wh, err := initWarehouse(ctx, c)
	if err != nil {
		zap.L().Warn("run log unavailable, continuing without it", zap.Error(err))
		return nil, func() {}
	}
	return wh, wh.Close
}

func initPublisher(c config.QueueConfig) (notify.Publisher, error) {
	if c.URL == "" {
		return notify.NopPublisher{}, nil
	}
	pub, err := notify.DialPublisher(c.URL, notify.QueueOptions{
		Name:               c.Name,
		DeadLetterExchange: c.DeadLetterExchange,
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// initSink builds the silver sink selected by silver.mode. wh is only used
// in table mode.
func initSink(c config.SilverConfig, st objstore.Store, wh warehouse.Warehouse) (reshape.Sink, error) {
	switch c.Mode {
	case "table", "":
		if wh == nil {
			return nil, eris.New("table sink requires a warehouse")
		}
		return reshape.NewTableSink(wh), nil
	case "file":
		fs, err := reshape.NewFileSink(st, c.Format)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, eris.Errorf("unsupported silver mode: %s", c.Mode)
	}
}

// reshapeEnv holds what the reshape and watch commands share.
type reshapeEnv struct {
	Store     objstore.Store
	Warehouse warehouse.Warehouse
	Reshaper  *reshape.Reshaper
}

// Close releases the warehouse connection, if any.
func (e *reshapeEnv) Close() {
	if e.Warehouse != nil {
		e.Warehouse.Close()
	}
}

func initReshape(ctx context.Context, c *config.Config) (*reshapeEnv, error) {
	st, err := initStore(ctx, c.Storage)
	if err != nil {
		return nil, err
	}

	env := &reshapeEnv{Store: st}
	if c.Silver.Mode == "table" || c.Silver.Mode == "" || warehouseConfigured(c.Warehouse) {
		wh, err := initWarehouse(ctx, c.Warehouse)
		if err != nil {
			if c.Silver.Mode == "file" {
				zap.L().Warn("run log unavailable, continuing without it", zap.Error(err))
			} else {
				return nil, err
			}
		} else {
			env.Warehouse = wh
		}
	}

	sink, err := initSink(c.Silver, st, env.Warehouse)
	if err != nil {
		env.Close()
		return nil, err
	}

	var runs warehouse.RunLog
	if env.Warehouse != nil {
		runs = env.Warehouse
	}
	env.Reshaper = reshape.New(st, sink, runs)
	return env, nil
}
