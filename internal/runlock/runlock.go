// Package runlock keeps two loader runs from mutating the warehouse at the same time.
package runlock

import (
	"context"
	"errors"
	"hash/fnv"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another load run holds the lock")

// Release gives a held lock back.
type Release func(ctx context.Context) error

// Locker acquires the run lock without waiting.
type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Noop grants every acquisition.
type Noop struct{}

func (Noop) Acquire(ctx context.Context) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// AdvisoryKey maps a lock name onto a Postgres advisory lock id.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
