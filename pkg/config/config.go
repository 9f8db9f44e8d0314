// Package config provides configuration loading for cryptofolio.
// It loads settings from environment variables and, when a database is
// configured, overlays values from the config table.
package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Market data API (from environment)
	BaseURL  string
	APIKey   string
	Currency string

	// Rate limiting
	RateLimitInterval   time.Duration
	RateLimitBaseDelay  time.Duration
	RateLimitMaxRetries int

	// Simulation settings (environment, overridable from database)
	StartingFunds decimal.Decimal
	Watchlist     []string
	SnapshotLimit int

	// Optional snapshot archive
	DatabaseURL string
}

// Defaults
const (
	DefaultBaseURL       = "https://api.coingecko.com/api/v3"
	DefaultCurrency      = "usd"
	DefaultInterval      = 10 * time.Second
	DefaultBaseDelay     = 10 * time.Second
	DefaultMaxRetries    = 5
	DefaultStartingFunds = "1000"
	DefaultWatchlist     = "bitcoin,ethereum"
	DefaultSnapshotLimit = 100

	MaxRetriesLimit  = 10
	MaxSnapshotLimit = 250
)

// Keys stored in the config table.
const (
	KeyWatchlist     = "watchlist"
	KeyStartingFunds = "starting_funds"
	KeySnapshotLimit = "snapshot_limit"
)

// DBKeys lists the keys LoadFromDB understands.
var DBKeys = []string{KeyWatchlist, KeyStartingFunds, KeySnapshotLimit}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BaseURL:     envOr("COINGECKO_BASE_URL", DefaultBaseURL),
		APIKey:      os.Getenv("COINGECKO_API_KEY"),
		Currency:    strings.ToLower(envOr("QUOTE_CURRENCY", DefaultCurrency)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.RateLimitInterval, err = envDuration("RATE_LIMIT_INTERVAL", DefaultInterval); err != nil {
		return nil, err
	}
	if cfg.RateLimitBaseDelay, err = envDuration("RATE_LIMIT_BASE_DELAY", DefaultBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RateLimitMaxRetries, err = envInt("RATE_LIMIT_MAX_RETRIES", DefaultMaxRetries); err != nil {
		return nil, err
	}
	if cfg.RateLimitMaxRetries < 0 || cfg.RateLimitMaxRetries > MaxRetriesLimit {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_RETRIES %d not in [0, %d]", cfg.RateLimitMaxRetries, MaxRetriesLimit)
	}

	cfg.StartingFunds, err = decimal.NewFromString(envOr("STARTING_FUNDS", DefaultStartingFunds))
	if err != nil {
		return nil, fmt.Errorf("parse STARTING_FUNDS: %w", err)
	}
	if cfg.StartingFunds.IsNegative() {
		return nil, fmt.Errorf("STARTING_FUNDS must not be negative")
	}

	if cfg.SnapshotLimit, err = envInt("SNAPSHOT_LIMIT", DefaultSnapshotLimit); err != nil {
		return nil, err
	}
	if err := checkSnapshotLimit(cfg.SnapshotLimit); err != nil {
		return nil, fmt.Errorf("SNAPSHOT_LIMIT: %w", err)
	}

	cfg.Watchlist = splitList(envOr("WATCHLIST", DefaultWatchlist))

	return cfg, nil
}

func checkSnapshotLimit(n int) error {
	if n < 1 || n > MaxSnapshotLimit {
		return fmt.Errorf("%d not in [1, %d]", n, MaxSnapshotLimit)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadFromDB overlays configuration stored as JSON values in the config table.
// Missing keys leave the current value in place.
func LoadFromDB(ctx context.Context, db *sql.DB, cfg *Config) error {
	// Load watchlist
	if raw, ok, err := lookup(ctx, db, KeyWatchlist); err != nil {
		return err
	} else if ok {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fmt.Errorf("parse watchlist: %w", err)
		}
		cfg.Watchlist = splitList(strings.Join(ids, ","))
	}

	// Load starting funds
	if raw, ok, err := lookup(ctx, db, KeyStartingFunds); err != nil {
		return err
	} else if ok {
		var funds decimal.Decimal
		if err := json.Unmarshal([]byte(raw), &funds); err != nil {
			return fmt.Errorf("parse starting funds: %w", err)
		}
		if funds.IsNegative() {
			return fmt.Errorf("starting funds %s must not be negative", funds)
		}
		cfg.StartingFunds = funds
	}

	// Load snapshot limit
	if raw, ok, err := lookup(ctx, db, KeySnapshotLimit); err != nil {
		return err
	} else if ok {
		var limit int
		if err := json.Unmarshal([]byte(raw), &limit); err != nil {
			return fmt.Errorf("parse snapshot limit: %w", err)
		}
		if err := checkSnapshotLimit(limit); err != nil {
			return fmt.Errorf("snapshot limit: %w", err)
		}
		cfg.SnapshotLimit = limit
	}

	return nil
}

// EncodeValue validates a command line value for key and returns the JSON
// form LoadFromDB reads back.
func EncodeValue(key, value string) (string, error) {
	var v any
	switch key {
	case KeyWatchlist:
		ids := splitList(value)
		if len(ids) == 0 {
			return "", fmt.Errorf("watchlist %q has no ids", value)
		}
		v = ids
	case KeyStartingFunds:
		funds, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("parse starting funds: %w", err)
		}
		if funds.IsNegative() {
			return "", fmt.Errorf("starting funds %s must not be negative", funds)
		}
		v = funds
	case KeySnapshotLimit:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("parse snapshot limit: %w", err)
		}
		if err := checkSnapshotLimit(n); err != nil {
			return "", fmt.Errorf("snapshot limit: %w", err)
		}
		v = n
	default:
		return "", fmt.Errorf("unknown config key %q (want one of %s)", key, strings.Join(DBKeys, ", "))
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	return string(raw), nil
}

func lookup(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = $1", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query config %s: %w", key, err)
	}
	return value, true, nil
}

// Load combines environment and database configuration
func Load(ctx context.Context, db *sql.DB) (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if db == nil {
		return cfg, nil
	}
	if err := LoadFromDB(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("load from db: %w", err)
	}

	return cfg, nil
}
