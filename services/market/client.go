// Package market provides market data fetching from the CoinGecko API.
// It handles rate limiting, retries, validation and parsing of price data.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

const (
	DefaultBaseURL  = "https://api.coingecko.com/api/v3"
	DefaultCurrency = "usd"

	requestTimeout = 10 * time.Second

	MaxSnapshotLimit = 250
	MaxHistoryDays   = 365
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIKey   string // optional demo key, sent as x-cg-demo-api-key
	Currency string // quote currency, e.g. "usd"

	MinInterval time.Duration
	BaseDelay   time.Duration
	MaxRetries  int
	Timeout     time.Duration // per attempt; zero means 10s

	Clock     Clock             // nil means SystemClock
	Transport http.RoundTripper // nil means http.DefaultTransport
}

// DefaultConfig returns the public API settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Currency:    DefaultCurrency,
		MinInterval: defaultMinInterval,
		BaseDelay:   defaultBaseDelay,
		MaxRetries:  defaultMaxRetries,
		Timeout:     requestTimeout,
	}
}

// Client fetches market data through a per-instance rate limiter.
type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
	clock      Clock

	mu        sync.Mutex
	lastFetch time.Time
}

// NewClient creates a market data client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = requestTimeout
	}
	limiter := NewLimiter(cfg.MinInterval, cfg.BaseDelay, cfg.MaxRetries, cfg.Clock)
	limiter.Timeout = cfg.Timeout

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		currency: strings.ToLower(cfg.Currency),
		httpClient: &http.Client{
			Transport: limiter.Transport(cfg.Transport),
		},
		clock: cfg.Clock,
	}
}

// Currency returns the quote currency.
func (c *Client) Currency() string { return c.currency }

// apiMarketRow is the coins/markets row format. Pointers and NullDecimal
// distinguish absent fields from zero values.
type apiMarketRow struct {
	ID            *string             `json:"id"`
	Symbol        *string             `json:"symbol"`
	Name          string              `json:"name"`
	CurrentPrice  decimal.NullDecimal `json:"current_price"`
	MarketCap     decimal.NullDecimal `json:"market_cap"`
	MarketCapRank *int                `json:"market_cap_rank"`
	TotalVolume   decimal.NullDecimal `json:"total_volume"`
	Change24h     decimal.NullDecimal `json:"price_change_percentage_24h"`
	Change7d      decimal.NullDecimal `json:"price_change_percentage_7d_in_currency"`
}

// FetchSnapshot fetches the top limit instruments by market capitalization.
func (c *Client) FetchSnapshot(ctx context.Context, limit int) (Snapshot, error) {
	if limit < 1 || limit > MaxSnapshotLimit {
		return Snapshot{}, apperr.Invalid("limit %d not in [1, %d]", limit, MaxSnapshotLimit)
	}

	params := url.Values{}
	params.Set("vs_currency", c.currency)
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("page", "1")
	params.Set("sparkline", "false")
	params.Set("price_change_percentage", "24h,7d")

	log.Printf("Fetching top %d instruments...", limit)

	var raw []json.RawMessage
	if err := c.get(ctx, "coins/markets", params, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}

	rows := make([]Row, 0, len(raw))
	for _, msg := range raw {
		if row, ok := parseMarketRow(msg); ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w: no usable rows", apperr.ErrEmptyResult)
	}
	if dropped := len(raw) - len(rows); dropped > 0 {
		log.Printf("Dropped %d rows missing required fields", dropped)
	}

	snapshot := Snapshot{Rows: rows, FetchedAt: c.stamp()}
	log.Printf("Fetched %d instruments", len(rows))
	return snapshot, nil
}

// parseMarketRow converts one raw row. Rows that fail to decode or lack id,
// symbol or a non-negative price are rejected whole.
func parseMarketRow(msg json.RawMessage) (Row, bool) {
	var r apiMarketRow
	if err := json.Unmarshal(msg, &r); err != nil {
		return Row{}, false
	}
	if r.ID == nil || strings.TrimSpace(*r.ID) == "" {
		return Row{}, false
	}
	if r.Symbol == nil || strings.TrimSpace(*r.Symbol) == "" {
		return Row{}, false
	}
	if !r.CurrentPrice.Valid || r.CurrentPrice.Decimal.IsNegative() {
		return Row{}, false
	}

	row := Row{
		ID:        strings.TrimSpace(*r.ID),
		Symbol:    strings.TrimSpace(*r.Symbol),
		Name:      r.Name,
		Price:     r.CurrentPrice.Decimal,
		MarketCap: r.MarketCap.Decimal,
		Volume24h: r.TotalVolume.Decimal,
		Change24h: r.Change24h.Decimal,
		Change7d:  r.Change7d.Decimal,
	}
	if r.MarketCapRank != nil {
		row.MarketCapRank = *r.MarketCapRank
	}
	return row, true
}

// FetchHistoricalSeries fetches the price history of one instrument over the
// last days days.
func (c *Client) FetchHistoricalSeries(ctx context.Context, instrumentID string, days int) (Series, error) {
	instrumentID = strings.TrimSpace(instrumentID)
	if instrumentID == "" {
		return Series{}, apperr.Invalid("instrument id is empty")
	}
	if days < 1 || days > MaxHistoryDays {
		return Series{}, apperr.Invalid("days %d not in [1, %d]", days, MaxHistoryDays)
	}

	params := url.Values{}
	params.Set("vs_currency", c.currency)
	params.Set("days", strconv.Itoa(days))

	log.Printf("Fetching %d days of history for %s...", days, instrumentID)

	var chart struct {
		Prices [][]json.Number `json:"prices"`
	}
	endpoint := "coins/" + url.PathEscape(instrumentID) + "/market_chart"
	if err := c.get(ctx, endpoint, params, &chart); err != nil {
		return Series{}, fmt.Errorf("fetch history for %s: %w", instrumentID, err)
	}

	points := make([]Point, 0, len(chart.Prices))
	for _, pair := range chart.Prices {
		if p, ok := parsePricePoint(pair); ok {
			points = append(points, p)
		}
	}
	points = normalizePoints(points)
	if len(points) == 0 {
		return Series{}, fmt.Errorf("fetch history for %s: %w: no price points", instrumentID, apperr.ErrEmptyResult)
	}

	return Series{InstrumentID: instrumentID, Points: points}, nil
}

// parsePricePoint converts a [unix-millis, price] pair.
func parsePricePoint(pair []json.Number) (Point, bool) {
	if len(pair) < 2 || pair[0] == "" || pair[1] == "" {
		return Point{}, false
	}
	ms, err := pair[0].Float64()
	if err != nil {
		return Point{}, false
	}
	price, err := decimal.NewFromString(pair[1].String())
	if err != nil || price.IsNegative() {
		return Point{}, false
	}
	return Point{Time: time.UnixMilli(int64(ms)).UTC(), Price: price}, true
}

// FetchCurrentPrices returns the current price of each requested instrument.
// Ids the upstream does not recognize are absent from the result; callers
// must treat absence as "price unknown". Ids are matched lower-cased.
func (c *Client) FetchCurrentPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error) {
	ids := normalizeIDs(instrumentIDs)
	prices := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return prices, nil
	}

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", c.currency)

	var data map[string]map[string]decimal.NullDecimal
	if err := c.get(ctx, "simple/price", params, &data); err != nil {
		return nil, fmt.Errorf("fetch current prices: %w", err)
	}

	for _, id := range ids {
		quote, ok := data[id][c.currency]
		if !ok || !quote.Valid || quote.Decimal.IsNegative() {
			continue
		}
		prices[id] = quote.Decimal
	}
	return prices, nil
}

// CurrentPrices makes the client usable as a live price source.
func (c *Client) CurrentPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error) {
	return c.FetchCurrentPrices(ctx, instrumentIDs)
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// FetchDetail fetches the detail page of one instrument.
func (c *Client) FetchDetail(ctx context.Context, instrumentID string) (Detail, error) {
	instrumentID = strings.TrimSpace(instrumentID)
	if instrumentID == "" {
		return Detail{}, apperr.Invalid("instrument id is empty")
	}

	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("community_data", "false")
	params.Set("developer_data", "false")

	log.Printf("Fetching detail for %s...", instrumentID)

	var doc any
	if err := c.get(ctx, "coins/"+url.PathEscape(instrumentID), params, &doc); err != nil {
		return Detail{}, fmt.Errorf("fetch detail for %s: %w", instrumentID, err)
	}

	detail := Detail{
		ID:          lookupString(doc, "$.id"),
		Symbol:      strings.ToUpper(lookupString(doc, "$.symbol")),
		Name:        lookupString(doc, "$.name"),
		Description: lookupString(doc, "$.description.en"),
		Homepage:    lookupString(doc, "$.links.homepage[0]"),
	}
	if detail.Description == "" {
		detail.Description = "No description available"
	}

	price, ok := c.lookupMarketValue(doc, "current_price")
	if detail.ID == "" || detail.Symbol == "" || !ok {
		return Detail{}, fmt.Errorf("fetch detail for %s: %w: missing id, symbol or price", instrumentID, apperr.ErrEmptyResult)
	}
	detail.Price = price
	detail.MarketCap, _ = c.lookupMarketValue(doc, "market_cap")
	detail.Volume24h, _ = c.lookupMarketValue(doc, "total_volume")
	detail.AllTimeHigh, _ = c.lookupMarketValue(doc, "ath")
	detail.AllTimeLow, _ = c.lookupMarketValue(doc, "atl")
	detail.Change24h, _ = lookupDecimal(doc, "$.market_data.price_change_percentage_24h")

	return detail, nil
}

// lookupMarketValue reads market_data.<field>.<currency>.
func (c *Client) lookupMarketValue(doc any, field string) (decimal.Decimal, bool) {
	return lookupDecimal(doc, fmt.Sprintf("$.market_data.%s.%s", field, c.currency))
}

func lookupString(doc any, path string) string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func lookupDecimal(doc any, path string) (decimal.Decimal, bool) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return decimal.Zero, false
	}
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	default:
		return decimal.Zero, false
	}
}

// stamp returns the fetch time, never earlier than the previous one.
func (c *Client) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if now.Before(c.lastFetch) {
		now = c.lastFetch
	}
	c.lastFetch = now
	return now
}

// get performs a rate limited GET and decodes the JSON body into out.
// Each attempt is bounded by the limiter's Timeout; waiting for a slot is
// bounded only by ctx.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	addr := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		addr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return apperr.Invalid("create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.NetworkError{Op: endpoint, Kind: apperr.KindStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(endpoint, err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &apperr.NetworkError{Op: endpoint, Kind: apperr.KindDecode, Err: err}
	}
	return nil
}

// classify maps a transport error onto the error taxonomy.
func classify(endpoint string, err error) error {
	if errors.Is(err, apperr.ErrRateLimitExceeded) {
		return fmt.Errorf("%s: %w", endpoint, apperr.ErrRateLimitExceeded)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &apperr.NetworkError{Op: endpoint, Kind: apperr.KindTimeout, Err: err}
	}
	return &apperr.NetworkError{Op: endpoint, Kind: apperr.KindConnection, Err: err}
}
