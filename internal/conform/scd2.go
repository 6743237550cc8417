package conform

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// SCD2Result counts the outcome of conforming one versioned dimension.
type SCD2Result struct {
	Inserted  int // new versions, including first versions of new keys
	Closed    int
	Unchanged int
}

type candidate struct {
	businessKey string
	attributes  []*string
	fingerprint string
	ts          time.Time
	txnID       string
}

// ConformVersions applies the staged batch to a type-2 dimension as of runTS:
// new business keys get a first version, keys whose tracked attributes changed get
// their current version closed at runTS and a new current version from runTS, and
// unchanged keys are left alone.
func ConformVersions(ctx context.Context, tx warehouse.Tx, dim domain.Dimension, runTS time.Time) (SCD2Result, error) {
	var result SCD2Result

	if err := dim.Validate(); err != nil {
		return result, fmt.Errorf("ConformVersions: %w", err)
	}
	log := logger.FromContext(ctx).With().Str("dimension", dim.Name).Logger()

	records, err := tx.StagingRecords(ctx)
	if err != nil {
		return result, fmt.Errorf("ConformVersions: reading staging: %w", err)
	}
	candidates := latestCandidates(dim, records)

	current, err := tx.CurrentVersions(ctx, dim)
	if err != nil {
		return result, fmt.Errorf("ConformVersions: reading current %s rows: %w", dim.Table, err)
	}
	currentByKey := make(map[string]domain.Version, len(current))
	for _, v := range current {
		if _, dup := currentByKey[v.BusinessKey]; dup {
			return result, fmt.Errorf("ConformVersions: %w: %s has more than one current row for %q",
				ErrInvariant, dim.Table, v.BusinessKey)
		}
		currentByKey[v.BusinessKey] = v
	}

	var (
		toClose  []string
		toInsert []domain.Version
	)
	for _, c := range candidates {
		cur, ok := currentByKey[c.businessKey]
		if ok && domain.Fingerprint(cur.Attributes) == c.fingerprint {
			result.Unchanged++
			continue
		}
		if ok {
			if !runTS.After(cur.ValidFrom) {
				return result, fmt.Errorf("ConformVersions: %w: %s %q current since %s, cannot version at %s",
					ErrInvariant, dim.Table, c.businessKey, cur.ValidFrom.Format(time.RFC3339Nano), runTS.Format(time.RFC3339Nano))
			}
			toClose = append(toClose, c.businessKey)
		}
		toInsert = append(toInsert, domain.Version{
			BusinessKey: c.businessKey,
			Attributes:  c.attributes,
			ValidFrom:   runTS,
			IsCurrent:   true,
		})
	}

	if len(toClose) > 0 {
		closed, err := tx.CloseVersions(ctx, dim, toClose, runTS)
		if err != nil {
			return result, fmt.Errorf("ConformVersions: closing %s versions: %w", dim.Table, err)
		}
		if closed != int64(len(toClose)) {
			return result, fmt.Errorf("ConformVersions: %w: closed %d %s rows, expected %d",
				ErrInvariant, closed, dim.Table, len(toClose))
		}
	}
	if len(toInsert) > 0 {
		if err := tx.InsertVersions(ctx, dim, toInsert); err != nil {
			return result, fmt.Errorf("ConformVersions: inserting %s versions: %w", dim.Table, err)
		}
	}

	result.Closed = len(toClose)
	result.Inserted = len(toInsert)

	log.Info().
		Int("inserted", result.Inserted).
		Int("closed", result.Closed).
		Int("unchanged", result.Unchanged).
		Msg("Versioned dimension conformed")
	return result, nil
}

// latestCandidates reduces the batch to one attribute tuple per business key: the
// one carried by the latest transaction, ties broken by transaction id and then by
// fingerprint. The result is sorted by business key.
func latestCandidates(dim domain.Dimension, records []domain.StagingRecord) []candidate {
	byKey := make(map[string]candidate)
	for _, r := range records {
		bk, attrs := dim.Extract(r)
		c := candidate{
			businessKey: bk,
			attributes:  attrs,
			fingerprint: domain.Fingerprint(attrs),
			ts:          r.TransactionTS,
			txnID:       r.TransactionID,
		}
		prev, ok := byKey[bk]
		if !ok || newer(c, prev) {
			byKey[bk] = c
		}
	}

	out := make([]candidate, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b candidate) int { return cmp.Compare(a.businessKey, b.businessKey) })
	return out
}

func newer(a, b candidate) bool {
	return cmp.Or(
		a.ts.Compare(b.ts),
		cmp.Compare(a.txnID, b.txnID),
		cmp.Compare(a.fingerprint, b.fingerprint),
	) > 0
}
