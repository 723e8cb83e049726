// Package pricebook tracks the current and historical per-model token
// rates an admin maintains, and turns a token count into a cost.
package pricebook

import (
	"context"
	"errors"

	"github.com/kendrak/infergate/internal/store"
)

// ErrNoPricing is returned by Get when a model has no price-book row.
// Callers treat this as a zero-cost model rather than a hard failure,
// per the spec's unset-price default.
var ErrNoPricing = errors.New("pricebook: no price set for model")

// Rates is the per-1M-token cost for a single model.
type Rates struct {
	InputCost  float64
	OutputCost float64
}

// Book is the price-book component (C2), backed by the store's
// price_book/price_history tables.
type Book struct {
	store store.Store
}

func New(s store.Store) *Book {
	return &Book{store: s}
}

// Get returns the current rates for model. If no price has ever been
// set for it, it returns ErrNoPricing; callers should treat that as
// zero cost rather than fail the request.
func (b *Book) Get(ctx context.Context, model string) (Rates, error) {
	row, err := b.store.GetPrice(ctx, model)
	if err != nil {
		return Rates{}, err
	}
	if row == nil {
		return Rates{}, ErrNoPricing
	}
	return Rates{InputCost: row.InputCost, OutputCost: row.OutputCost}, nil
}

// List returns every model's current rates, keyed by model name.
func (b *Book) List(ctx context.Context) (map[string]Rates, error) {
	rows, err := b.store.ListPrices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Rates, len(rows))
	for _, r := range rows {
		out[r.Model] = Rates{InputCost: r.InputCost, OutputCost: r.OutputCost}
	}
	return out, nil
}

// Set updates a model's rates and appends the change to price_history in
// the same transaction. actor identifies who made the change, for audit.
func (b *Book) Set(ctx context.Context, model string, rates Rates, actor string) error {
	return b.store.SetPrice(ctx, model, rates.InputCost, rates.OutputCost, actor)
}

// History returns the append-only change log for a model, most recent first.
func (b *Book) History(ctx context.Context, model string) ([]*store.PriceHistoryRow, error) {
	return b.store.ListPriceHistory(ctx, model)
}

// AllHistory returns the change log across every model, most recent first.
func (b *Book) AllHistory(ctx context.Context) ([]*store.PriceHistoryRow, error) {
	return b.store.ListAllPriceHistory(ctx)
}

// Cost converts a token count into a dollar amount at the given rates.
// Rates are expressed per 1,000,000 tokens, matching the teacher's
// cost-table convention.
func Cost(rates Rates, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1_000_000)*rates.InputCost +
		(float64(outputTokens)/1_000_000)*rates.OutputCost
}

// CostForModel looks up the model's rates and prices a token count in
// one call. A model with no price book entry costs zero, per spec.
func (b *Book) CostForModel(ctx context.Context, model string, inputTokens, outputTokens int) (float64, error) {
	rates, err := b.Get(ctx, model)
	if errors.Is(err, ErrNoPricing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return Cost(rates, inputTokens, outputTokens), nil
}
