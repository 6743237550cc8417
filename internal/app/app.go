// Package app wires configuration into a warehouse, a run lock and a pipeline runner.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/txn-warehouse/internal/config"
	"github.com/dvloznov/txn-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/txn-warehouse/internal/infra/postgres"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/metrics"
	"github.com/dvloznov/txn-warehouse/internal/pipeline"
	"github.com/dvloznov/txn-warehouse/internal/runlock"
	"github.com/dvloznov/txn-warehouse/internal/source"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Config    *config.Config
	Warehouse warehouse.Warehouse
	Locker    runlock.Locker

	closers []func() error
}

// Open connects the configured warehouse and run lock.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var pg *postgres.Warehouse
	switch cfg.Warehouse {
	case config.WarehousePostgres:
		wh, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		pg = wh
		a.Warehouse = wh
	case config.WarehouseBigQuery:
		wh, err := bigquery.Open(ctx, bigquery.Options{
			Project:        cfg.BigQuery.ProjectID,
			Dataset:        cfg.BigQuery.Dataset,
			StagingDataset: cfg.BigQuery.StagingDataset,
			Location:       cfg.BigQuery.Location,
		})
		if err != nil {
			return nil, err
		}
		a.Warehouse = wh
	default:
		return nil, fmt.Errorf("%w: unknown warehouse %q", config.ErrInvalid, cfg.Warehouse)
	}
	a.closers = append(a.closers, a.Warehouse.Close)

	switch cfg.Lock.Backend {
	case config.LockPostgres:
		if pg == nil {
			a.Close()
			return nil, fmt.Errorf("%w: postgres lock needs the postgres warehouse", config.ErrInvalid)
		}
		a.Locker = runlock.NewPostgres(pg.Conn(), cfg.Lock.Key)
	case config.LockRedis:
		client, err := runlock.DialRedis(ctx, cfg.Lock.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.Locker = runlock.NewRedis(client, cfg.Lock.Key, cfg.Lock.TTL)
	default:
		a.Locker = runlock.Noop{}
	}
	return a, nil
}

// Runner returns a runner for the warehouse load pipeline with metrics pushed per the config.
func (a *App) Runner() *pipeline.Runner {
	return pipeline.NewRunner(a.Warehouse, pipeline.NewWarehouseLoadPipeline(), pipeline.RunnerOptions{
		Locker:  a.Locker,
		Metrics: metrics.NewRecorder(),
		Pusher: metrics.NewPusher(a.Config.Metrics.PushgatewayURL, a.Config.Metrics.Job, map[string]string{
			"warehouse": a.Config.Warehouse,
		}),
		Resume: a.Config.ResumeFailedRuns,
	})
}

// Load reads the file at uri and runs the pipeline over it.
func (a *App) Load(ctx context.Context, uri string) (*pipeline.Report, error) {
	log := logger.FromContext(ctx)

	batch, err := source.Read(ctx, uri, source.Options{Delimiter: a.Config.Input.DelimiterRune()})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("input", batch.URI).
		Str("checksum", batch.Checksum).
		Int("records", len(batch.Records)).
		Msg("Input read")

	return a.Runner().Run(ctx, batch)
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
