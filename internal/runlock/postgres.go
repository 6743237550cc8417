package runlock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the part of a pgx connection the advisory lock needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a session-level advisory lock. It must use the same connection as
// the run so the lock lives exactly as long as the run's session.
type Postgres struct {
	conn Querier
	key  int64
}

// NewPostgres returns an advisory lock on conn identified by name.
func NewPostgres(conn Querier, name string) *Postgres {
	return &Postgres{conn: conn, key: AdvisoryKey(name)}
}

func (p *Postgres) Acquire(ctx context.Context) (Release, error) {
	var ok bool
	if err := p.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, p.key).Scan(&ok); err != nil {
		return nil, fmt.Errorf("runlock: trying advisory lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		var released bool
		if err := p.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, p.key).Scan(&released); err != nil {
			return fmt.Errorf("runlock: releasing advisory lock: %w", err)
		}
		if !released {
			return fmt.Errorf("runlock: advisory lock %d was not held", p.key)
		}
		return nil
	}, nil
}
