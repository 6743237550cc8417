package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

func (t *Tx) readVersions(ctx context.Context, dim domain.Dimension, q *bigquery.Query) ([]domain.Version, error) {
	rows, err := readAll[[]bigquery.Value](ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Version, 0, len(rows))
	for _, r := range rows {
		v, err := versionFromValues(dim, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *Tx) CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
	if err := dim.Validate(); err != nil {
		return nil, fmt.Errorf("CurrentVersions: %w", err)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	versions, err := t.readVersions(ctx, dim, t.query(t.w.tables.selectCurrentVersionsSQL(dim)))
	if err != nil {
		return nil, fmt.Errorf("CurrentVersions: %s: %w", dim.Table, err)
	}
	return versions, nil
}

func (t *Tx) VersionHistory(ctx context.Context, dim domain.Dimension, businessKey string) ([]domain.Version, error) {
	if err := dim.Validate(); err != nil {
		return nil, fmt.Errorf("VersionHistory: %w", err)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	q := t.query(t.w.tables.selectVersionHistorySQL(dim), bigquery.QueryParameter{Name: "business_key", Value: businessKey})
	versions, err := t.readVersions(ctx, dim, q)
	if err != nil {
		return nil, fmt.Errorf("VersionHistory: %s: %w", dim.Table, err)
	}
	return versions, nil
}

func (t *Tx) CloseVersions(ctx context.Context, dim domain.Dimension, businessKeys []string, at time.Time) (int64, error) {
	if err := dim.Validate(); err != nil {
		return 0, fmt.Errorf("CloseVersions: %w", err)
	}
	if len(businessKeys) == 0 {
		return 0, t.check()
	}
	n, err := t.exec(ctx, t.w.tables.closeVersionsSQL(dim),
		bigquery.QueryParameter{Name: "at", Value: at},
		bigquery.QueryParameter{Name: "business_keys", Value: businessKeys},
	)
	if err != nil {
		return 0, fmt.Errorf("CloseVersions: %s: %w", dim.Table, err)
	}
	return n, nil
}

func (t *Tx) InsertVersions(ctx context.Context, dim domain.Dimension, rows []domain.Version) error {
	if err := dim.Validate(); err != nil {
		return fmt.Errorf("InsertVersions: %w", err)
	}
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var current []string
	params := make([]VersionRow, len(rows))
	for i, v := range rows {
		if len(v.Attributes) != len(dim.Attributes) {
			return fmt.Errorf("InsertVersions: %s version %q has %d attributes, want %d",
				dim.Table, v.BusinessKey, len(v.Attributes), len(dim.Attributes))
		}
		if v.IsCurrent {
			current = append(current, v.BusinessKey)
		}
		params[i] = newVersionRow(i, v)
	}
	if len(current) > 0 {
		if err := t.requireAbsent(ctx, "InsertVersions", "current "+dim.Name, current,
			t.w.tables.countCurrentVersionsSQL(dim), bigquery.QueryParameter{Name: "business_keys", Value: current}); err != nil {
			return err
		}
	}
	if _, err := t.exec(ctx, t.w.tables.insertVersionsSQL(dim), bigquery.QueryParameter{Name: "rows", Value: params}); err != nil {
		return fmt.Errorf("InsertVersions: %s: %w", dim.Table, err)
	}
	return nil
}

var _ warehouse.VersionStore = (*Tx)(nil)
