package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/txn-warehouse/internal/conform"
	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/source"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// Stage names, also stored as the run checkpoint.
const (
	StageLoadStaging          = "load_staging"
	StageConformCurrency      = "conform_currency"
	StageConformPaymentMethod = "conform_payment_method"
	StageConformCustomer      = "conform_customer"
	StageConformMerchant      = "conform_merchant"
	StageConformDate          = "conform_date"
	StageLoadFacts            = "load_facts"
)

// RowCounts are the row totals a step reports, keyed by kind ("inserted", "closed", ...).
type RowCounts map[string]int64

// PipelineStep represents a single stage of the load. A step only writes through
// the transaction it is given; the pipeline commits it.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error)
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Batch *source.Batch
	RunTS time.Time

	Facts conform.FactResult
}

// LoadStagingStep replaces staging with the input batch.
type LoadStagingStep struct{}

func (s *LoadStagingStep) Name() string { return StageLoadStaging }

func (s *LoadStagingStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	if state.Batch == nil {
		return nil, fmt.Errorf("LoadStagingStep: no input batch")
	}
	n, err := conform.LoadStaging(ctx, tx, state.Batch.Records)
	if err != nil {
		return nil, err
	}
	return RowCounts{"loaded": n}, nil
}

// ConformCurrencyStep adds new currency codes.
type ConformCurrencyStep struct{}

func (s *ConformCurrencyStep) Name() string { return StageConformCurrency }

func (s *ConformCurrencyStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	n, err := conform.ConformCurrencies(ctx, tx)
	if err != nil {
		return nil, err
	}
	return RowCounts{"inserted": int64(n)}, nil
}

// ConformPaymentMethodStep adds new payment method combinations.
type ConformPaymentMethodStep struct{}

func (s *ConformPaymentMethodStep) Name() string { return StageConformPaymentMethod }

func (s *ConformPaymentMethodStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	n, err := conform.ConformPaymentMethods(ctx, tx)
	if err != nil {
		return nil, err
	}
	return RowCounts{"inserted": int64(n)}, nil
}

// ConformVersionsStep versions one type-2 dimension at the run timestamp.
type ConformVersionsStep struct {
	Stage     string
	Dimension domain.Dimension
}

func (s *ConformVersionsStep) Name() string { return s.Stage }

func (s *ConformVersionsStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	result, err := conform.ConformVersions(ctx, tx, s.Dimension, state.RunTS)
	if err != nil {
		return nil, err
	}
	return RowCounts{
		"inserted":  int64(result.Inserted),
		"closed":    int64(result.Closed),
		"unchanged": int64(result.Unchanged),
	}, nil
}

// ConformDateStep adds new calendar dates.
type ConformDateStep struct{}

func (s *ConformDateStep) Name() string { return StageConformDate }

func (s *ConformDateStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	n, err := conform.ConformDates(ctx, tx)
	if err != nil {
		return nil, err
	}
	return RowCounts{"inserted": int64(n)}, nil
}

// LoadFactsStep resolves and inserts facts.
type LoadFactsStep struct{}

func (s *LoadFactsStep) Name() string { return StageLoadFacts }

func (s *LoadFactsStep) Execute(ctx context.Context, tx warehouse.Tx, state *PipelineState) (RowCounts, error) {
	result, err := conform.LoadFacts(ctx, tx)
	if err != nil {
		return nil, err
	}
	state.Facts = result
	return RowCounts{
		"inserted":   result.Inserted,
		"skipped":    result.Skipped,
		"unresolved": int64(result.Unresolved),
		"duplicates": int64(result.Duplicates),
	}, nil
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Steps returns the steps in execution order.
func (p *Pipeline) Steps() []PipelineStep {
	return p.steps
}

// NewWarehouseLoadPipeline creates the standard seven-stage load.
func NewWarehouseLoadPipeline() *Pipeline {
	return NewPipeline(
		&LoadStagingStep{},
		&ConformCurrencyStep{},
		&ConformPaymentMethodStep{},
		&ConformVersionsStep{Stage: StageConformCustomer, Dimension: domain.CustomerDimension},
		&ConformVersionsStep{Stage: StageConformMerchant, Dimension: domain.MerchantDimension},
		&ConformDateStep{},
		&LoadFactsStep{},
	)
}
