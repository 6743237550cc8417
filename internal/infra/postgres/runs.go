package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

const runColumns = `run_id, input_uri, checksum, status, last_stage, run_ts, started_at, finished_at, error_message`

const saveRunSQL = `
INSERT INTO etl.runs (` + runColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
    input_uri     = EXCLUDED.input_uri,
    checksum      = EXCLUDED.checksum,
    status        = EXCLUDED.status,
    last_stage    = EXCLUDED.last_stage,
    run_ts        = EXCLUDED.run_ts,
    started_at    = EXCLUDED.started_at,
    finished_at   = EXCLUDED.finished_at,
    error_message = EXCLUDED.error_message`

func (t *Tx) SaveRun(ctx context.Context, run domain.Run) error {
	if _, err := t.tx.Exec(ctx, saveRunSQL, run.ID, run.InputURI, run.Checksum, string(run.Status),
		run.LastStage, run.RunTS, run.StartedAt, run.FinishedAt, run.Error); err != nil {
		return fmt.Errorf("SaveRun: %w", mapError(err))
	}
	return nil
}

func scanRun(row pgx.CollectableRow) (domain.Run, error) {
	var (
		r      domain.Run
		status string
	)
	if err := row.Scan(&r.ID, &r.InputURI, &r.Checksum, &status, &r.LastStage, &r.RunTS,
		&r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
		return r, err
	}
	r.Status = domain.RunStatus(status)
	r.RunTS = r.RunTS.UTC()
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		at := r.FinishedAt.UTC()
		r.FinishedAt = &at
	}
	return r, nil
}

func (t *Tx) LatestRun(ctx context.Context) (*domain.Run, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+runColumns+` FROM etl.runs ORDER BY started_at DESC, run_id DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("LatestRun: querying: %w", err)
	}
	run, err := pgx.CollectOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestRun: scanning: %w", err)
	}
	return &run, nil
}

func (t *Tx) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	// LIMIT NULL returns every row.
	var n *int
	if limit > 0 {
		n = &limit
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+runColumns+` FROM etl.runs ORDER BY started_at DESC, run_id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: querying: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: scanning: %w", err)
	}
	return runs, nil
}
