package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// mapError marks integrity violations (SQLSTATE class 23) with warehouse.ErrConstraint.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return fmt.Errorf("%w: %s on %s.%s (%s): %w",
			warehouse.ErrConstraint, pgErr.Code, pgErr.SchemaName, pgErr.TableName, pgErr.ConstraintName, err)
	}
	return err
}
