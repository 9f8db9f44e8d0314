// Package main provides the cryptofolio command line tool.
// It fetches market data from CoinGecko and runs simulated trading scripts
// against live prices.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"cryptofolio/pkg/config"
	"cryptofolio/pkg/database"
	"cryptofolio/services/market"
)

func main() {
	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&marketsCmd{}, "market")
	commander.Register(&moversCmd{}, "market")
	commander.Register(&priceCmd{}, "market")
	commander.Register(&historyCmd{}, "market")
	commander.Register(&detailCmd{}, "market")
	commander.Register(&archiveCmd{}, "market")

	commander.Register(&configCmd{}, "")

	commander.Register(&simulateCmd{}, "portfolio")
	commander.Register(&reportCmd{}, "portfolio")

	flag.Parse()
	os.Exit(int(commander.Execute(ctx)))
}

// loadConfig reads the environment and, when DATABASE_URL is set, the config
// table. The returned database is nil without DATABASE_URL.
func loadConfig(ctx context.Context) (*config.Config, *database.DB, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, nil, nil
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	db, err := database.New(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := config.LoadFromDB(ctx, db.DB, cfg); err != nil {
		db.Close()
		return nil, nil, err
	}
	return cfg, db, nil
}

func closeDB(db *database.DB) {
	if db != nil {
		db.Close()
	}
}

// clientConfig maps application settings onto the market client.
func clientConfig(cfg *config.Config) market.Config {
	return market.Config{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Currency:    cfg.Currency,
		MinInterval: cfg.RateLimitInterval,
		BaseDelay:   cfg.RateLimitBaseDelay,
		MaxRetries:  cfg.RateLimitMaxRetries,
	}
}

// setup loads configuration and builds a market client. The database is nil
// unless DATABASE_URL is set; callers close it with closeDB.
func setup(ctx context.Context) (*config.Config, *market.Client, *database.DB, error) {
	cfg, db, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, market.NewClient(clientConfig(cfg)), db, nil
}
