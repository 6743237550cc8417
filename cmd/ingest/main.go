package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/dvloznov/txn-warehouse/internal/app"
	"github.com/dvloznov/txn-warehouse/internal/config"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/telemetry"
)

var version = "dev"

func main() {
	bootstrap := logger.New()

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Invalid configuration")
	}

	log, err := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Invalid logger configuration")
	}

	input := flag.String("input", cfg.Input.Path, "Local path or gs:// URI of the transactions file")
	flag.Parse()

	// Create context with timeout so a stuck warehouse call doesn't hang the job
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Telemetry setup failed")
	}
	flush := func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}
	defer flush()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		flush()
		log.Fatal().Err(err).Msg("Opening warehouse failed")
	}
	defer a.Close()

	log.Info().Str("input", *input).Str("warehouse", cfg.Warehouse).Msg("Starting load")

	report, err := a.Load(ctx, *input)
	if err != nil {
		a.Close()
		flush()
		log.Fatal().Err(err).Msg("Load failed")
	}

	fmt.Printf("Load completed: run %s, %d facts inserted, %d already present, %d unresolved.\n",
		report.Run.ID, report.Facts.Inserted, report.Facts.Skipped, report.Facts.Unresolved)
}
