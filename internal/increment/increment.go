// Package increment resolves the minimum step between consecutive bids.
//
// An increment table (threshold, increment) is consulted first; when no row
// applies, a fixed tiered ladder is used.
package increment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidengine/internal/store"
)

type tier struct {
	floor     int64
	increment int64
}

// ladder is ordered from the highest floor down.
var ladder = []tier{
	{1_000_000, 50_000},
	{500_000, 25_000},
	{250_000, 10_000},
	{100_000, 5_000},
	{50_000, 2_500},
	{25_000, 1_000},
	{10_000, 500},
	{5_000, 250},
	{1_000, 100},
	{100, 50},
	{50, 10},
	{25, 5},
}

// Ladder returns the fallback increment for current.
func Ladder(current decimal.Decimal) decimal.Decimal {
	for _, t := range ladder {
		if current.GreaterThanOrEqual(decimal.NewFromInt(t.floor)) {
			return decimal.NewFromInt(t.increment)
		}
	}
	return decimal.NewFromInt(1)
}

// Resolver looks up increments from a table with a ladder fallback.
// It is safe for concurrent use.
type Resolver struct {
	mu   sync.RWMutex
	rows []store.IncrementRow // sorted by threshold descending
	repo store.IncrementRepository
}

// NewResolver returns a Resolver backed by repo. Call Reload to populate
// the table; until then the ladder is used. repo may be nil.
func NewResolver(repo store.IncrementRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Reload replaces the in-memory table with the repository's rows.
func (r *Resolver) Reload(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	rows, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading increment table: %w", err)
	}
	r.SetRows(rows)
	return nil
}

// SetRows installs rows as the increment table. Rows with a non-positive
// increment are ignored.
func (r *Resolver) SetRows(rows []store.IncrementRow) {
	sorted := make([]store.IncrementRow, 0, len(rows))
	for _, row := range rows {
		if row.Increment.IsPositive() {
			sorted = append(sorted, row)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PriceThreshold.GreaterThan(sorted[j].PriceThreshold)
	})

	r.mu.Lock()
	r.rows = sorted
	r.mu.Unlock()
}

// Resolve returns the increment that applies at current.
func (r *Resolver) Resolve(current decimal.Decimal) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, row := range r.rows {
		if row.PriceThreshold.LessThanOrEqual(current) {
			return row.Increment
		}
	}
	return Ladder(current)
}

// RoundUp rounds amount up to the nearest multiple of the increment that
// applies at amount. It returns the rounded amount and that increment.
func (r *Resolver) RoundUp(amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	inc := r.Resolve(amount)
	return amount.Div(inc).Ceil().Mul(inc), inc
}
