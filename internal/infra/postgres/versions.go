package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

// dimensionTable returns the sanitized table identifier and the selected column list
// of a validated dimension.
func dimensionTable(dim domain.Dimension) (string, []string, error) {
	if err := dim.Validate(); err != nil {
		return "", nil, err
	}
	cols := []string{dim.KeyColumn, dim.BusinessKey}
	cols = append(cols, dim.Attributes...)
	cols = append(cols, "valid_from", "valid_to", "is_current")
	for i, c := range cols {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	return pgx.Identifier{"dwh", dim.Table}.Sanitize(), cols, nil
}

func scanVersions(rows pgx.Rows, dim domain.Dimension) ([]domain.Version, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Version, error) {
		v := domain.Version{Attributes: make([]*string, len(dim.Attributes))}
		dest := []any{&v.Key, &v.BusinessKey}
		for i := range v.Attributes {
			dest = append(dest, &v.Attributes[i])
		}
		dest = append(dest, &v.ValidFrom, &v.ValidTo, &v.IsCurrent)
		if err := row.Scan(dest...); err != nil {
			return v, err
		}
		v.ValidFrom = v.ValidFrom.UTC()
		if v.ValidTo != nil {
			to := v.ValidTo.UTC()
			v.ValidTo = &to
		}
		return v, nil
	})
}

func (t *Tx) CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
	table, cols, err := dimensionTable(dim)
	if err != nil {
		return nil, fmt.Errorf("CurrentVersions: %w", err)
	}
	rows, err := t.tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE is_current ORDER BY %s",
		strings.Join(cols, ", "), table, cols[1]))
	if err != nil {
		return nil, fmt.Errorf("CurrentVersions: querying %s: %w", dim.Table, err)
	}
	versions, err := scanVersions(rows, dim)
	if err != nil {
		return nil, fmt.Errorf("CurrentVersions: scanning %s: %w", dim.Table, err)
	}
	return versions, nil
}

func (t *Tx) VersionHistory(ctx context.Context, dim domain.Dimension, businessKey string) ([]domain.Version, error) {
	table, cols, err := dimensionTable(dim)
	if err != nil {
		return nil, fmt.Errorf("VersionHistory: %w", err)
	}
	rows, err := t.tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY valid_from, %s",
		strings.Join(cols, ", "), table, cols[1], cols[0]), businessKey)
	if err != nil {
		return nil, fmt.Errorf("VersionHistory: querying %s: %w", dim.Table, err)
	}
	versions, err := scanVersions(rows, dim)
	if err != nil {
		return nil, fmt.Errorf("VersionHistory: scanning %s: %w", dim.Table, err)
	}
	return versions, nil
}

func (t *Tx) CloseVersions(ctx context.Context, dim domain.Dimension, businessKeys []string, at time.Time) (int64, error) {
	table, cols, err := dimensionTable(dim)
	if err != nil {
		return 0, fmt.Errorf("CloseVersions: %w", err)
	}
	if len(businessKeys) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET valid_to = $1, is_current = FALSE, updated_at = NOW() WHERE %s = ANY($2) AND is_current",
		table, cols[1]), at, businessKeys)
	if err != nil {
		return 0, fmt.Errorf("CloseVersions: updating %s: %w", dim.Table, mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (t *Tx) InsertVersions(ctx context.Context, dim domain.Dimension, rows []domain.Version) error {
	if err := dim.Validate(); err != nil {
		return fmt.Errorf("InsertVersions: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	cols := []string{dim.BusinessKey}
	cols = append(cols, dim.Attributes...)
	cols = append(cols, "valid_from", "valid_to", "is_current")

	src := make([][]any, len(rows))
	for i, v := range rows {
		if len(v.Attributes) != len(dim.Attributes) {
			return fmt.Errorf("InsertVersions: %s version %q has %d attributes, want %d",
				dim.Table, v.BusinessKey, len(v.Attributes), len(dim.Attributes))
		}
		row := []any{v.BusinessKey}
		for _, a := range v.Attributes {
			row = append(row, a)
		}
		src[i] = append(row, v.ValidFrom, v.ValidTo, v.IsCurrent)
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"dwh", dim.Table}, cols, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("InsertVersions: copying into %s: %w", dim.Table, mapError(err))
	}
	return nil
}
