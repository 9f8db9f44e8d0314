package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptofolio/pkg/apperr"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Rows: []Row{
			{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", Price: decimal.NewFromInt(50000), Change24h: decimal.NewFromFloat(2.5)},
			{ID: "ethereum", Symbol: "eth", Name: "Ethereum", Price: decimal.NewFromInt(3000), Change24h: decimal.NewFromFloat(-4)},
			{ID: "ether-clone", Symbol: "ETH", Name: "Ether Clone", Price: decimal.NewFromInt(1), Change24h: decimal.NewFromInt(40)},
		},
	}
}

type stubFetcher struct {
	snap Snapshot
	err  error
}

func (f stubFetcher) FetchSnapshot(context.Context, int) (Snapshot, error) {
	return f.snap, f.err
}

func TestCache_Empty(t *testing.T) {
	c := NewCache()

	_, ok := c.Latest()
	assert.False(t, ok)

	_, ok = c.FetchedAt()
	assert.False(t, ok)

	_, err := c.PriceOf("btc")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	prices, err := c.CurrentPrices(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)
	assert.Empty(t, prices)
}

func TestCache_PriceOf(t *testing.T) {
	c := NewCache()
	c.Update(sampleSnapshot())

	tests := []struct {
		name    string
		symbol  string
		want    decimal.Decimal
		wantErr error
	}{
		{"exact", "btc", decimal.NewFromInt(50000), nil},
		{"upper case", "BTC", decimal.NewFromInt(50000), nil},
		{"surrounding space", " btc ", decimal.NewFromInt(50000), nil},
		{"first match wins", "Eth", decimal.NewFromInt(3000), nil},
		{"absent", "doge", decimal.Zero, apperr.ErrNotFound},
		{"prefix is not a match", "bt", decimal.Zero, apperr.ErrNotFound},
		{"blank", "  ", decimal.Zero, apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.PriceOf(tt.symbol)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "PriceOf(%q) = %v, want %v", tt.symbol, got, tt.want)
		})
	}
}

func TestCache_LatestIsACopy(t *testing.T) {
	c := NewCache()
	snap := sampleSnapshot()
	c.Update(snap)

	// Mutating the caller's snapshot must not leak into the cache.
	snap.Rows[0].Price = decimal.Zero

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.True(t, latest.Rows[0].Price.Equal(decimal.NewFromInt(50000)))

	// Nor must mutating a returned copy.
	latest.Rows[0].Symbol = "xxx"
	price, err := c.PriceOf("btc")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(50000)))
}

func TestCache_Refresh(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	first := sampleSnapshot()
	require.NoError(t, c.Refresh(ctx, stubFetcher{snap: first}, 10))

	fetchErr := errors.New("upstream down")
	err := c.Refresh(ctx, stubFetcher{err: fetchErr}, 10)
	assert.ErrorIs(t, err, fetchErr)

	// A failed refresh keeps the previous snapshot.
	at, ok := c.FetchedAt()
	require.True(t, ok)
	assert.Equal(t, first.FetchedAt, at)

	latest, _ := c.Latest()
	assert.Equal(t, first.Len(), latest.Len())
}

func TestCache_CurrentPrices(t *testing.T) {
	c := NewCache()
	c.Update(sampleSnapshot())

	prices, err := c.CurrentPrices(context.Background(), []string{"Bitcoin", "dogecoin", "ethereum"})
	require.NoError(t, err)

	assert.Len(t, prices, 2)
	assert.True(t, prices["bitcoin"].Equal(decimal.NewFromInt(50000)))
	assert.True(t, prices["ethereum"].Equal(decimal.NewFromInt(3000)))
	assert.NotContains(t, prices, "dogecoin")
}
