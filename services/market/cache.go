package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

// SnapshotFetcher is the part of Client the cache refreshes from.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, limit int) (Snapshot, error)
}

// Cache holds the most recent successfully fetched snapshot. It is never
// invalidated, only replaced by a newer successful fetch.
//
// Cache is not safe for concurrent use.
type Cache struct {
	snapshot Snapshot
	filled   bool
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Update replaces the cached snapshot with a copy of s.
func (c *Cache) Update(s Snapshot) {
	c.snapshot = s.Clone()
	c.filled = true
}

// Refresh fetches a new snapshot and caches it. On failure the previous
// snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context, f SnapshotFetcher, limit int) error {
	s, err := f.FetchSnapshot(ctx, limit)
	if err != nil {
		return fmt.Errorf("refresh cache: %w", err)
	}
	c.Update(s)
	return nil
}

// Latest returns a copy of the cached snapshot, or false if nothing was
// fetched yet.
func (c *Cache) Latest() (Snapshot, bool) {
	if !c.filled {
		return Snapshot{}, false
	}
	return c.snapshot.Clone(), true
}

// FetchedAt returns the timestamp of the cached snapshot.
func (c *Cache) FetchedAt() (time.Time, bool) {
	return c.snapshot.FetchedAt, c.filled
}

// PriceOf returns the price of the first row whose symbol matches,
// ignoring case.
func (c *Cache) PriceOf(symbol string) (decimal.Decimal, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return decimal.Zero, apperr.Invalid("symbol is empty")
	}
	if !c.filled {
		return decimal.Zero, fmt.Errorf("price of %s: %w: cache is empty", symbol, apperr.ErrNotFound)
	}
	for _, r := range c.snapshot.Rows {
		if strings.EqualFold(r.Symbol, symbol) {
			return r.Price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("price of %s: %w", symbol, apperr.ErrNotFound)
}

// CurrentPrices answers price lookups by instrument id from the cached
// snapshot. Unknown ids are absent; it never fails.
func (c *Cache) CurrentPrices(_ context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(instrumentIDs))
	if !c.filled {
		return prices, nil
	}
	for _, id := range normalizeIDs(instrumentIDs) {
		for _, r := range c.snapshot.Rows {
			if strings.EqualFold(r.ID, id) {
				prices[id] = r.Price
				break
			}
		}
	}
	return prices, nil
}
