package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txn-warehouse/internal/app"
	"github.com/dvloznov/txn-warehouse/internal/config"
	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/pipeline"
	"github.com/dvloznov/txn-warehouse/internal/source"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runLoad(log)
	case "init-schema":
		runInitSchema(log)
	case "runs":
		runRuns(log)
	case "history":
		runHistory(log)
	case "upload":
		runUpload(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transaction Warehouse CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run          Load a transactions file into the warehouse")
	fmt.Println("  init-schema  Create the staging, dimension, fact and ledger tables")
	fmt.Println("  runs         List recent load runs")
	fmt.Println("  history      Show every version of a customer or merchant")
	fmt.Println("  upload       Upload a transactions file to GCS")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// open loads the configuration, applies overrides and connects the warehouse.
func open(ctx context.Context, log zerolog.Logger, override func(*config.Config)) (*app.App, zerolog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
	}
	configured, err := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid logger configuration")
	}
	log = configured

	a, err := app.Open(logger.WithContext(ctx, log), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Opening warehouse failed")
	}
	return a, log
}

func runLoad(log zerolog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "", "Local path or gs:// URI of the transactions file (default CSV_PATH)")
	delimiter := fs.String("delimiter", "", "Field delimiter (default CSV_DELIMITER)")
	noResume := fs.Bool("no-resume", false, "Start a new run even if the last run of this file failed")
	fs.Parse(os.Args[2:])

	a, log := open(context.Background(), log, func(cfg *config.Config) {
		if *input != "" {
			cfg.Input.Path = *input
		}
		if *delimiter != "" {
			cfg.Input.Delimiter = *delimiter
		}
		if *noResume {
			cfg.ResumeFailedRuns = false
		}
	})
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	log.Info().Str("input", a.Config.Input.Path).Msg("Starting load")

	report, err := a.Load(ctx, a.Config.Input.Path)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Load failed")
	}

	fmt.Printf("Run %s %s (resumed: %t)\n", report.Run.ID, report.Run.Status, report.Resumed)
	for _, stage := range report.SkippedStages {
		fmt.Printf("  %-24s skipped\n", stage)
	}
	for _, step := range pipeline.NewWarehouseLoadPipeline().Steps() {
		if counts, ok := report.Stages[step.Name()]; ok {
			fmt.Printf("  %-24s %v\n", step.Name(), counts)
		}
	}
}

func runInitSchema(log zerolog.Logger) {
	fs := flag.NewFlagSet("init-schema", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, log := open(ctx, log, nil)
	defer a.Close()
	ctx = logger.WithContext(ctx, log)

	if err := a.Warehouse.EnsureSchema(ctx); err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Schema bootstrap failed")
	}

	fmt.Printf("Schema ready on %s warehouse.\n", a.Config.Warehouse)
}

func runRuns(log zerolog.Logger) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Number of runs to show")
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, log := open(ctx, log, nil)
	defer a.Close()
	ctx = logger.WithContext(ctx, log)

	tx, err := a.Warehouse.Begin(ctx)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	runs, err := tx.ListRuns(ctx, *limit)
	if err != nil {
		tx.Rollback(ctx)
		a.Close()
		log.Fatal().Err(err).Msg("Failed to list runs")
	}

	fmt.Println("\n=== Load Runs ===")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-9s  started %s  finished %s  last stage %q\n",
			r.ID, r.Status, r.StartedAt.Format(time.RFC3339), finished, r.LastStage)
		fmt.Printf("    input %s (%s)\n", r.InputURI, r.Checksum)
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
}

func runHistory(log zerolog.Logger) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dimension := fs.String("dimension", "customer", "Dimension name: customer or merchant")
	key := fs.String("key", "", "Business key, e.g. C1")
	fs.Parse(os.Args[2:])

	if *key == "" {
		log.Fatal().Msg("Error: --key is required")
	}
	dim, err := domain.LookupDimension(*dimension)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown dimension")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, log := open(ctx, log, nil)
	defer a.Close()
	ctx = logger.WithContext(ctx, log)

	tx, err := a.Warehouse.Begin(ctx)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	versions, err := tx.VersionHistory(ctx, dim, *key)
	if err != nil {
		tx.Rollback(ctx)
		a.Close()
		log.Fatal().Err(err).Msg("Failed to read history")
	}

	fmt.Printf("\n=== %s %s ===\n", dim.Name, *key)
	if len(versions) == 0 {
		fmt.Println("No versions found.")
		return
	}
	for _, v := range versions {
		to := "current"
		if v.ValidTo != nil {
			to = v.ValidTo.Format(time.RFC3339)
		}
		fmt.Printf("%d  %s -> %s\n", v.Key, v.ValidFrom.Format(time.RFC3339), to)
		for i, attr := range dim.Attributes {
			value := "<null>"
			if v.Attributes[i] != nil {
				value = *v.Attributes[i]
			}
			fmt.Printf("    %-10s %s\n", attr, value)
		}
	}
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucketName := fs.String("bucket", "", "GCS bucket name")
	objectName := fs.String("object", "", "GCS object name (defaults to filename)")
	filePath := fs.String("file", "", "Path to local transactions file")
	fs.Parse(os.Args[2:])

	if *bucketName == "" || *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -bucket NAME -file PATH")
	}

	if *objectName == "" {
		*objectName = filepath.Base(*filePath)
	}

	ctx := context.Background()
	ctx = logger.WithContext(ctx, log)

	log.Info().
		Str("bucket", *bucketName).
		Str("object", *objectName).
		Str("file", *filePath).
		Msg("Uploading file to GCS")

	if err := source.Upload(ctx, *bucketName, *objectName, *filePath); err != nil {
		log.Fatal().Err(err).Msg("Upload failed")
	}

	fmt.Printf("Uploaded %s to gs://%s/%s\n", *filePath, *bucketName, *objectName)
}
