package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/metrics"
	"github.com/dvloznov/txn-warehouse/internal/runlock"
	"github.com/dvloznov/txn-warehouse/internal/source"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

const tracerName = "github.com/dvloznov/txn-warehouse/internal/pipeline"

// RunnerOptions configures a Runner. Zero values select no lock, the wall clock,
// a fresh metrics recorder, no push, resume disabled and the global tracer.
type RunnerOptions struct {
	Locker  runlock.Locker
	Clock   func() time.Time
	Metrics *metrics.Recorder
	Pusher  *metrics.Pusher
	Resume  bool
	Tracer  trace.Tracer
}

// Runner executes a Pipeline against a warehouse, one committed transaction per step,
// keeping the run ledger current after every step.
type Runner struct {
	wh       warehouse.Warehouse
	pipeline *Pipeline
	opts     RunnerOptions
}

// Report describes a finished run.
type Report struct {
	Run           domain.Run
	Resumed       bool
	SkippedStages []string
	Stages        map[string]RowCounts
	Facts         FactsSummary
}

// FactsSummary is the fact stage outcome, zero when the stage was skipped.
type FactsSummary struct {
	Inserted   int64
	Skipped    int64
	Unresolved int
}

// NewRunner returns a Runner for p on wh.
func NewRunner(wh warehouse.Warehouse, p *Pipeline, opts RunnerOptions) *Runner {
	if opts.Locker == nil {
		opts.Locker = runlock.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Runner{wh: wh, pipeline: p, opts: opts}
}

// Run loads batch. Steps that committed before a failure stay committed; the run
// is marked FAILED and, with resume enabled, the next run of the same input picks
// up after the last committed step.
func (r *Runner) Run(ctx context.Context, batch *source.Batch) (*Report, error) {
	log := logger.FromContext(ctx)

	release, err := r.opts.Locker.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: acquiring run lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("Run: releasing run lock")
		}
	}()

	ctx, span := r.opts.Tracer.Start(ctx, "warehouse.load",
		trace.WithAttributes(attribute.String("input.uri", batch.URI), attribute.Int("input.records", len(batch.Records))))
	defer span.End()

	run, resumed, err := r.startRun(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.Bool("run.resumed", resumed))

	log = log.With().Str("run_id", run.ID).Logger()
	ctx = logger.WithContext(ctx, log)

	report := &Report{Resumed: resumed, Stages: make(map[string]RowCounts)}
	state := &PipelineState{Batch: batch, RunTS: run.RunTS}

	done := -1
	if resumed {
		done = slices.IndexFunc(r.pipeline.steps, func(s PipelineStep) bool { return s.Name() == run.LastStage })
	}

	for i, step := range r.pipeline.steps {
		if i <= done {
			report.SkippedStages = append(report.SkippedStages, step.Name())
			log.Info().Str("stage", step.Name()).Msg("Stage already committed, skipping")
			continue
		}

		counts, err := r.runStep(ctx, step, state, &run)
		if err != nil {
			stepErr := fmt.Errorf("pipeline step %s failed: %w", step.Name(), err)
			r.markFailed(ctx, &run, stepErr)
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			report.Run = run
			return report, stepErr
		}
		report.Stages[step.Name()] = counts
	}

	if err := r.markSucceeded(ctx, &run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Run = run
		return report, err
	}

	report.Run = run
	report.Facts = FactsSummary{
		Inserted:   state.Facts.Inserted,
		Skipped:    state.Facts.Skipped,
		Unresolved: state.Facts.Unresolved,
	}
	log.Info().
		Bool("resumed", resumed).
		Strs("skipped_stages", report.SkippedStages).
		Int64("facts_inserted", report.Facts.Inserted).
		Msg("Load run succeeded")
	return report, nil
}

// startRun resumes the latest run when it did not succeed and read the same input,
// otherwise records a new RUNNING run.
func (r *Runner) startRun(ctx context.Context, batch *source.Batch) (domain.Run, bool, error) {
	log := logger.FromContext(ctx)

	tx, err := r.wh.Begin(ctx)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("startRun: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	latest, err := tx.LatestRun(ctx)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("startRun: reading latest run: %w", err)
	}

	now := r.opts.Clock()
	var (
		run     domain.Run
		resumed bool
	)
	if r.opts.Resume && latest != nil && latest.Status != domain.RunSucceeded && latest.Checksum == batch.Checksum {
		run = *latest
		resumed = true
		log.Warn().
			Str("run_id", run.ID).
			Str("previous_status", string(run.Status)).
			Str("last_stage", run.LastStage).
			Msg("Resuming unfinished run of the same input")
	} else {
		run = domain.Run{
			ID:        uuid.NewString(),
			InputURI:  batch.URI,
			Checksum:  batch.Checksum,
			RunTS:     now,
			StartedAt: now,
		}
		log.Info().
			Str("run_id", run.ID).
			Str("input_uri", batch.URI).
			Str("checksum", batch.Checksum).
			Int("records", len(batch.Records)).
			Msg("Starting load run")
	}
	run.Status = domain.RunRunning
	run.FinishedAt = nil
	run.Error = ""

	if err := tx.SaveRun(ctx, run); err != nil {
		return domain.Run{}, false, fmt.Errorf("startRun: saving run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Run{}, false, fmt.Errorf("startRun: committing run: %w", err)
	}
	return run, resumed, nil
}

// runStep executes step in its own transaction and checkpoints it in the same commit.
func (r *Runner) runStep(ctx context.Context, step PipelineStep, state *PipelineState, run *domain.Run) (RowCounts, error) {
	log := logger.FromContext(ctx).With().Str("stage", step.Name()).Logger()
	ctx = logger.WithContext(ctx, log)

	ctx, span := r.opts.Tracer.Start(ctx, "stage."+step.Name())
	defer span.End()

	started := time.Now()
	log.Info().Msg("Stage started")

	counts, err := r.executeInTx(ctx, step, state, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("Stage failed, rolled back")
		return nil, err
	}

	elapsed := time.Since(started)
	for kind, n := range counts {
		span.SetAttributes(attribute.Int64("rows."+kind, n))
	}
	r.opts.Metrics.ObserveStage(step.Name(), elapsed, counts)
	log.Info().Dur("elapsed", elapsed).Interface("rows", counts).Msg("Stage committed")
	return counts, nil
}

func (r *Runner) executeInTx(ctx context.Context, step PipelineStep, state *PipelineState, run *domain.Run) (RowCounts, error) {
	tx, err := r.wh.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	counts, err := step.Execute(ctx, tx, state)
	if err != nil {
		return nil, err
	}

	checkpoint := *run
	checkpoint.LastStage = step.Name()
	if err := tx.SaveRun(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	*run = checkpoint
	return counts, nil
}

// markFailed records the failure in the ledger. Errors here are only logged so the
// stage error reaches the caller.
func (r *Runner) markFailed(ctx context.Context, run *domain.Run, runErr error) {
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	finished := r.opts.Clock()
	run.Status = domain.RunFailed
	run.FinishedAt = &finished
	run.Error = domain.TruncateError(runErr)
	r.opts.Metrics.ObserveRun(string(domain.RunFailed), finished)
	r.push(ctx)

	if err := r.saveRun(ctx, *run); err != nil {
		log.Error().Err(err).Msg("markFailed: recording failed run")
		return
	}
	log.Error().Err(runErr).Str("last_stage", run.LastStage).Msg("Load run failed")
}

func (r *Runner) markSucceeded(ctx context.Context, run *domain.Run) error {
	finished := r.opts.Clock()
	run.Status = domain.RunSucceeded
	run.FinishedAt = &finished
	run.Error = ""
	if err := r.saveRun(ctx, *run); err != nil {
		return fmt.Errorf("markSucceeded: %w", err)
	}
	r.opts.Metrics.ObserveRun(string(domain.RunSucceeded), finished)
	r.push(ctx)
	return nil
}

func (r *Runner) saveRun(ctx context.Context, run domain.Run) error {
	tx, err := r.wh.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Runner) push(ctx context.Context) {
	if err := r.opts.Pusher.Push(ctx, r.opts.Metrics.Registry()); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Pushing metrics failed")
	}
}

// IsLocked reports whether err means another run holds the lock.
func IsLocked(err error) bool {
	return errors.Is(err, runlock.ErrLocked)
}
