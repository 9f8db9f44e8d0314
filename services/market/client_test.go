package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptofolio/pkg/apperr"
)

// newTestClient points a client at handler with a fake clock and a short
// minimum interval.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeClock, *atomic.Int32) {
	t.Helper()
	server, hits := newCountingServer(t, handler)

	clock := newFakeClock()
	client := NewClient(Config{
		BaseURL:     server.URL,
		Currency:    "usd",
		MinInterval: time.Second,
		BaseDelay:   time.Second,
		MaxRetries:  2,
		Clock:       clock,
	})
	return client, clock, hits
}

func newCountingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := new(atomic.Int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, hits
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

const marketsBody = `[
	{"id": "bitcoin", "symbol": "btc", "name": "Bitcoin", "current_price": 50000.5, "market_cap": 980000000000,
	 "market_cap_rank": 1, "total_volume": 25000000000, "price_change_percentage_24h": 2.5,
	 "price_change_percentage_7d_in_currency": -1.25},
	{"id": "nosymbol", "name": "No Symbol", "current_price": 1},
	{"id": "noprice", "symbol": "np", "name": "No Price", "current_price": null},
	{"id": "negative", "symbol": "neg", "name": "Negative", "current_price": -3},
	{"symbol": "noid", "name": "No Id", "current_price": 3},
	{"id": "ethereum", "symbol": "eth", "name": "Ethereum", "current_price": 3000,
	 "market_cap": null, "market_cap_rank": null, "total_volume": null,
	 "price_change_percentage_24h": null}
]`

func TestFetchSnapshot_InvalidLimit(t *testing.T) {
	client, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, marketsBody)
	})

	for _, limit := range []int{-1, 0, 251, 1000} {
		_, err := client.FetchSnapshot(context.Background(), limit)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "limit %d", limit)
	}
	assert.Zero(t, hits.Load(), "requests issued for invalid limits")
}

func TestFetchSnapshot_MockServer(t *testing.T) {
	var query map[string]string
	client, clock, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		writeJSON(w, marketsBody)
	})

	snap, err := client.FetchSnapshot(context.Background(), 6)
	require.NoError(t, err)

	wantQuery := map[string]string{
		"vs_currency":             "usd",
		"order":                   "market_cap_desc",
		"per_page":                "6",
		"page":                    "1",
		"price_change_percentage": "24h,7d",
	}
	for k, v := range wantQuery {
		assert.Equal(t, v, query[k], "query %s", k)
	}

	require.Equal(t, 2, snap.Len())
	for _, r := range snap.Rows {
		assert.NotEmpty(t, r.Symbol, "row %+v", r)
		assert.False(t, r.Price.IsNegative(), "row %+v", r)
	}

	btc := snap.Rows[0]
	assert.Equal(t, "bitcoin", btc.ID)
	assert.Equal(t, "btc", btc.Symbol)
	assert.Equal(t, 1, btc.MarketCapRank)
	assert.True(t, btc.Price.Equal(decimal.RequireFromString("50000.5")), "bitcoin price = %v", btc.Price)
	assert.True(t, btc.Change7d.Equal(decimal.RequireFromString("-1.25")), "bitcoin change7d = %v", btc.Change7d)

	eth := snap.Rows[1]
	assert.True(t, eth.MarketCap.IsZero())
	assert.True(t, eth.Change24h.IsZero())
	assert.Zero(t, eth.MarketCapRank)
	assert.True(t, snap.FetchedAt.Equal(clock.Now()), "FetchedAt = %v, want %v", snap.FetchedAt, clock.Now())
}

func TestFetchSnapshot_Empty(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty list", `[]`},
		{"no usable rows", `[{"id": "x", "current_price": 1}, {"symbol": "y", "current_price": 2}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.body)
			})
			_, err := client.FetchSnapshot(context.Background(), 10)
			assert.ErrorIs(t, err, apperr.ErrEmptyResult)
		})
	}
}

func TestFetchSnapshot_FetchedAtNonDecreasing(t *testing.T) {
	client, clock, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, marketsBody)
	})
	ctx := context.Background()

	first, err := client.FetchSnapshot(ctx, 10)
	require.NoError(t, err)

	// Wall clock stepping backwards must not move FetchedAt backwards.
	clock.Set(first.FetchedAt.Add(-time.Hour))
	second, err := client.FetchSnapshot(ctx, 10)
	require.NoError(t, err)
	assert.False(t, second.FetchedAt.Before(first.FetchedAt),
		"FetchedAt went backwards: %v then %v", first.FetchedAt, second.FetchedAt)

	clock.Set(second.FetchedAt.Add(-time.Minute))
	assert.True(t, client.stamp().Equal(second.FetchedAt))
}

func TestFetchSnapshot_NetworkErrors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		})
		_, err := client.FetchSnapshot(context.Background(), 10)

		var ne *apperr.NetworkError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, apperr.KindStatus, ne.Kind)
		assert.Equal(t, http.StatusServiceUnavailable, ne.StatusCode)
		assert.ErrorIs(t, err, apperr.ErrNetwork)
	})

	t.Run("malformed body", func(t *testing.T) {
		client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"not": "a list"`)
		})
		_, err := client.FetchSnapshot(context.Background(), 10)

		var ne *apperr.NetworkError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, apperr.KindDecode, ne.Kind)
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		client := NewClient(Config{BaseURL: addr, Clock: newFakeClock()})
		_, err := client.FetchSnapshot(context.Background(), 10)

		var ne *apperr.NetworkError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, apperr.KindConnection, ne.Kind)
	})

	t.Run("timeout", func(t *testing.T) {
		server, _ := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
		client := NewClient(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond, Clock: newFakeClock()})

		_, err := client.FetchSnapshot(context.Background(), 10)
		assert.True(t, apperr.IsTimeout(err), "FetchSnapshot() error = %v, want timeout NetworkError", err)
	})
}

func TestFetchSnapshot_Throttled(t *testing.T) {
	t.Run("recovers after Retry-After", func(t *testing.T) {
		var calls atomic.Int32
		client, clock, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "5")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(w, marketsBody)
		})

		snap, err := client.FetchSnapshot(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Len())
		assert.Equal(t, []time.Duration{5 * time.Second}, clock.Sleeps())
	})

	t.Run("retries exhausted", func(t *testing.T) {
		client, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := client.FetchSnapshot(context.Background(), 10)
		assert.ErrorIs(t, err, apperr.ErrRateLimitExceeded)
		assert.EqualValues(t, 3, hits.Load())
	})
}

// The request timeout covers each attempt only. With the system clock, waits
// for the next slot and for a backoff that outlast the timeout must still end
// in a successful call.
func TestClient_TimeoutExcludesLimiterWaits(t *testing.T) {
	var calls atomic.Int32
	server, hits := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coins/markets":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(w, marketsBody)
		case "/simple/price":
			time.Sleep(20 * time.Millisecond)
			writeJSON(w, `{"bitcoin": {"usd": 50000}}`)
		}
	})

	client := NewClient(Config{
		BaseURL:     server.URL,
		MinInterval: 150 * time.Millisecond,
		BaseDelay:   150 * time.Millisecond,
		MaxRetries:  2,
		Timeout:     100 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	snap, err := client.FetchSnapshot(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.EqualValues(t, 2, hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// Back to back: the wait for the next slot exceeds the timeout.
	prices, err := client.FetchCurrentPrices(ctx, []string{"bitcoin"})
	require.NoError(t, err)
	assert.True(t, prices["bitcoin"].Equal(decimal.NewFromInt(50000)))
}

func TestClient_CallerContextBoundsWaits(t *testing.T) {
	server, hits := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, marketsBody)
	})
	client := NewClient(Config{BaseURL: server.URL, MinInterval: time.Minute, Timeout: time.Second})

	_, err := client.FetchSnapshot(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchSnapshot(ctx, 10)
	assert.True(t, apperr.IsTimeout(err), "FetchSnapshot() error = %v, want timeout NetworkError", err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchHistoricalSeries(t *testing.T) {
	client, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		assert.Equal(t, "30", r.URL.Query().Get("days"))
		writeJSON(w, `{"prices": [[3000, 3], [1000, 1], [2000, 2], [1000, 1.5], [4000, null], [5000]]}`)
	})
	ctx := context.Background()

	for _, days := range []int{0, -5, 366} {
		_, err := client.FetchHistoricalSeries(ctx, "bitcoin", days)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "days %d", days)
	}
	_, err := client.FetchHistoricalSeries(ctx, " ", 30)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Zero(t, hits.Load(), "requests issued for invalid arguments")

	series, err := client.FetchHistoricalSeries(ctx, "bitcoin", 30)
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", series.InstrumentID)

	want := []struct {
		ms    int64
		price string
	}{{1000, "1.5"}, {2000, "2"}, {3000, "3"}}
	require.Len(t, series.Points, len(want))
	for i, w := range want {
		p := series.Points[i]
		assert.Equal(t, w.ms, p.Time.UnixMilli(), "point %d", i)
		assert.True(t, p.Price.Equal(decimal.RequireFromString(w.price)), "point %d price = %v, want %s", i, p.Price, w.price)
	}
}

func TestFetchHistoricalSeries_Empty(t *testing.T) {
	for _, body := range []string{`{"prices": []}`, `{}`} {
		client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, body)
		})
		_, err := client.FetchHistoricalSeries(context.Background(), "bitcoin", 7)
		assert.ErrorIs(t, err, apperr.ErrEmptyResult, "body %s", body)
	}
}

func TestFetchCurrentPrices(t *testing.T) {
	var gotIDs string
	client, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		gotIDs = r.URL.Query().Get("ids")
		writeJSON(w, `{"bitcoin": {"usd": 50000}, "ethereum": {"usd": null}, "tether": {"eur": 0.9}}`)
	})
	ctx := context.Background()

	empty, err := client.FetchCurrentPrices(ctx, []string{" ", ""})
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Zero(t, hits.Load())

	prices, err := client.FetchCurrentPrices(ctx, []string{"Bitcoin", "ethereum", "tether", "nope", "bitcoin"})
	require.NoError(t, err)
	assert.Equal(t, "bitcoin,ethereum,nope,tether", gotIDs)
	require.Len(t, prices, 1)
	assert.True(t, prices["bitcoin"].Equal(decimal.NewFromInt(50000)), "bitcoin price = %v", prices["bitcoin"])
}

func TestFetchDetail(t *testing.T) {
	var apiKey string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("x-cg-demo-api-key")
		switch r.URL.Path {
		case "/coins/bitcoin":
			writeJSON(w, `{
				"id": "bitcoin", "symbol": "btc", "name": "Bitcoin",
				"description": {"en": "The first cryptocurrency."},
				"links": {"homepage": ["https://bitcoin.org", ""]},
				"market_data": {
					"current_price": {"usd": 50000.12, "eur": 46000},
					"market_cap": {"usd": 980000000000},
					"total_volume": {"usd": 25000000000},
					"ath": {"usd": 73738}, "atl": {"usd": 67.81},
					"price_change_percentage_24h": -0.5
				}
			}`)
		default:
			writeJSON(w, `{"id": "ghost", "symbol": "gst", "name": "Ghost"}`)
		}
	})
	client.apiKey = "demo-key"
	ctx := context.Background()

	detail, err := client.FetchDetail(ctx, "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "demo-key", apiKey)
	assert.Equal(t, "BTC", detail.Symbol)
	assert.Equal(t, "https://bitcoin.org", detail.Homepage)
	assert.True(t, detail.Price.Equal(decimal.RequireFromString("50000.12")), "Price = %v", detail.Price)
	assert.True(t, detail.AllTimeLow.Equal(decimal.RequireFromString("67.81")), "AllTimeLow = %v", detail.AllTimeLow)
	assert.True(t, detail.Change24h.Equal(decimal.RequireFromString("-0.5")), "Change24h = %v", detail.Change24h)

	_, err = client.FetchDetail(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrEmptyResult)
	_, err = client.FetchDetail(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
