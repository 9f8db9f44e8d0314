package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"cryptofolio/pkg/apperr"
	"cryptofolio/pkg/config"
)

type configCmd struct{}

func (*configCmd) Name() string     { return "config" }
func (*configCmd) Synopsis() string { return "show or change stored settings" }
func (*configCmd) Usage() string {
	return `config show
config set <key> <value>
config unset <key>

  show prints the effective configuration (environment plus config table).
  set and unset change the config table and require DATABASE_URL.
  Keys: ` + strings.Join(config.DBKeys, ", ") + `
  e.g.
    config set watchlist bitcoin,solana
    config set starting_funds 2500
    config unset snapshot_limit
`
}

func (*configCmd) SetFlags(*flag.FlagSet) {}

func (*configCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := f.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: config needs show, set or unset")
		return subcommands.ExitUsageError
	}

	cfg, db, err := loadConfig(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	switch args[0] {
	case "show":
		writeConfig(os.Stdout, cfg)
		return subcommands.ExitSuccess
	case "set", "unset":
	default:
		return fail("config", apperr.Invalid("unknown action %q", args[0]))
	}

	if db == nil {
		return fail("config", apperr.Invalid("%s requires DATABASE_URL", args[0]))
	}
	if err := db.Migrate(ctx); err != nil {
		return fail("migrate", err)
	}

	if args[0] == "unset" {
		if len(args) != 2 {
			return fail("config", apperr.Invalid("unset takes exactly one key"))
		}
		if !slices.Contains(config.DBKeys, args[1]) {
			return fail("config", apperr.Invalid("unknown config key %q", args[1]))
		}
		if err := db.DeleteConfig(ctx, args[1]); err != nil {
			return fail("config", err)
		}
		fmt.Printf("Removed %s\n", args[1])
		return subcommands.ExitSuccess
	}

	if len(args) != 3 {
		return fail("config", apperr.Invalid("set takes a key and a value"))
	}
	raw, err := config.EncodeValue(args[1], args[2])
	if err != nil {
		return fail("config", apperr.Invalid("%v", err))
	}
	if err := db.SetConfig(ctx, args[1], raw); err != nil {
		return fail("config", err)
	}
	fmt.Printf("Set %s = %s\n", args[1], raw)
	return subcommands.ExitSuccess
}

func writeConfig(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Base URL\t%s\n", cfg.BaseURL)
	fmt.Fprintf(w, "API key\t%s\n", mask(cfg.APIKey))
	fmt.Fprintf(w, "Currency\t%s\n", cfg.Currency)
	fmt.Fprintf(w, "Rate limit\t%v interval, %v base delay, %d retries\n",
		cfg.RateLimitInterval, cfg.RateLimitBaseDelay, cfg.RateLimitMaxRetries)
	fmt.Fprintf(w, "Starting funds\t%s\n", cfg.StartingFunds)
	fmt.Fprintf(w, "Watchlist\t%s\n", strings.Join(cfg.Watchlist, ", "))
	fmt.Fprintf(w, "Snapshot limit\t%d\n", cfg.SnapshotLimit)
	fmt.Fprintf(w, "Database\t%s\n", mask(cfg.DatabaseURL))
	w.Flush()
}

func mask(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return "(set)"
}
