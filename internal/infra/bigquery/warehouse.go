// Package bigquery implements the warehouse on BigQuery. Every stage runs as a
// multi-statement transaction inside one session held for the life of the Warehouse.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

type Options struct {
	Project        string
	Dataset        string
	StagingDataset string
	Location       string
}

// Warehouse is the BigQuery warehouse. It is not safe for concurrent use.
type Warehouse struct {
	client    *bigquery.Client
	tables    Tables
	location  string
	sessionID string
}

// Open creates a BigQuery client for opts.Project.
func Open(ctx context.Context, opts Options) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("bigquery.Open: creating client: %w", err)
	}
	return &Warehouse{
		client: client,
		tables: Tables{
			Project:        opts.Project,
			Dataset:        opts.Dataset,
			StagingDataset: opts.StagingDataset,
		},
		location: opts.Location,
	}, nil
}

// Tables returns the qualified dataset names.
func (w *Warehouse) Tables() Tables {
	return w.tables
}

func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	q := w.client.Query(w.tables.schemaSQL(w.location))
	q.Location = w.location
	if _, err := runJob(ctx, q); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func (w *Warehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	if err := w.ensureSession(ctx); err != nil {
		return nil, fmt.Errorf("bigquery.Begin: %w", err)
	}
	tx := &Tx{w: w}
	if _, err := runJob(ctx, tx.query("BEGIN TRANSACTION")); err != nil {
		return nil, fmt.Errorf("bigquery.Begin: %w", err)
	}
	return tx, nil
}

func (w *Warehouse) ensureSession(ctx context.Context) error {
	if w.sessionID != "" {
		return nil
	}
	q := w.client.Query("SELECT 1")
	q.Location = w.location
	q.CreateSession = true
	status, err := runJob(ctx, q)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if status.Statistics == nil || status.Statistics.SessionInfo == nil || status.Statistics.SessionInfo.SessionID == "" {
		return errors.New("creating session: job returned no session id")
	}
	w.sessionID = status.Statistics.SessionInfo.SessionID
	return nil
}

// Close aborts the session, discarding any open transaction, and closes the client.
func (w *Warehouse) Close() error {
	if w.sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		q := (&Tx{w: w}).query("CALL BQ.ABORT_SESSION()")
		if _, err := runJob(ctx, q); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().
				Err(err).
				Str("session_id", w.sessionID).
				Msg("bigquery.Close: aborting session")
		}
		w.sessionID = ""
	}
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

func runJob(ctx context.Context, q *bigquery.Query) (*bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	return status, nil
}

func affectedRows(status *bigquery.JobStatus) int64 {
	if status == nil || status.Statistics == nil {
		return 0
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows
	}
	return 0
}

func readAll[T any](ctx context.Context, q *bigquery.Query) ([]T, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}
	var rows []T
	for {
		var r T
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func readCount(ctx context.Context, q *bigquery.Query) (int64, error) {
	rows, err := readAll[[]bigquery.Value](ctx, q)
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, errors.New("count query returned no single value")
	}
	n, ok := rows[0][0].(int64)
	if !ok {
		return 0, fmt.Errorf("count query returned %T", rows[0][0])
	}
	return n, nil
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
