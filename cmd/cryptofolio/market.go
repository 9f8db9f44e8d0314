package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
	"cryptofolio/pkg/database"
	"cryptofolio/services/market"
	"cryptofolio/services/portfolio"
)

// fail reports err on stderr and maps it to an exit status.
func fail(what string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", what, err)
	if errors.Is(err, apperr.ErrInvalidArgument) {
		return subcommands.ExitUsageError
	}
	return subcommands.ExitFailure
}

// archive returns the snapshot store, or an error when no database is configured.
func archive(db *database.DB) (*market.Store, error) {
	if db == nil {
		return nil, apperr.Invalid("-archived requires DATABASE_URL")
	}
	return market.NewStore(db.DB), nil
}

type marketsCmd struct {
	limit    int
	archived bool
}

func (*marketsCmd) Name() string     { return "markets" }
func (*marketsCmd) Synopsis() string { return "show the top instruments by market cap" }
func (*marketsCmd) Usage() string {
	return `markets [-limit n] [-archived]

  Fetches the top n instruments by market capitalization (1 to 250).
  Without -limit, SNAPSHOT_LIMIT is used. With -archived, prints the latest
  snapshot stored by archive instead.
`
}

func (c *marketsCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "limit", 0, "number of instruments to fetch")
	f.BoolVar(&c.archived, "archived", false, "read the latest archived snapshot")
}

func (c *marketsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	if c.archived {
		store, err := archive(db)
		if err != nil {
			return fail("markets", err)
		}
		snap, err := store.LatestSnapshot(ctx)
		if err != nil {
			return fail("read archive", err)
		}
		writeSnapshot(os.Stdout, snap, client.Currency())
		return subcommands.ExitSuccess
	}

	limit := c.limit
	if limit == 0 {
		limit = cfg.SnapshotLimit
	}
	snap, err := client.FetchSnapshot(ctx, limit)
	if err != nil {
		return fail("fetch markets", err)
	}

	writeSnapshot(os.Stdout, snap, client.Currency())
	return subcommands.ExitSuccess
}

func writeSnapshot(out io.Writer, snap market.Snapshot, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tSymbol\tName\tPrice\t24h\t7d\tMarket cap\t")
	for _, r := range snap.Rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.MarketCapRank,
			r.Symbol,
			r.Name,
			portfolio.FormatAmount(r.Price, currency),
			portfolio.FormatPercent(r.Change24h),
			portfolio.FormatPercent(r.Change7d),
			portfolio.FormatAmount(r.MarketCap, currency),
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d instruments, fetched %s\n", snap.Len(), snap.FetchedAt.Local().Format(time.DateTime))
}

type moversCmd struct {
	limit int
}

func (*moversCmd) Name() string     { return "movers" }
func (*moversCmd) Synopsis() string { return "show the top gainer and loser of the last 24h" }
func (*moversCmd) Usage() string {
	return `movers [-limit n]

  Fetches the top n instruments and prints the largest 24h gain and loss.
`
}

func (c *moversCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "limit", 0, "number of instruments to consider")
}

func (c *moversCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	limit := c.limit
	if limit == 0 {
		limit = cfg.SnapshotLimit
	}

	cache := market.NewCache()
	if err := cache.Refresh(ctx, client, limit); err != nil {
		return fail("fetch markets", err)
	}
	snap, _ := cache.Latest()
	gainer, loser, ok := snap.Movers()
	if !ok {
		return fail("movers", apperr.ErrEmptyResult)
	}

	cur := client.Currency()
	fmt.Printf("Top gainer: %s (%s) %s at %s\n", gainer.Name, gainer.Symbol,
		portfolio.FormatPercent(gainer.Change24h), portfolio.FormatAmount(gainer.Price, cur))
	fmt.Printf("Top loser:  %s (%s) %s at %s\n", loser.Name, loser.Symbol,
		portfolio.FormatPercent(loser.Change24h), portfolio.FormatAmount(loser.Price, cur))
	return subcommands.ExitSuccess
}

type priceCmd struct {
	symbol bool
}

func (*priceCmd) Name() string     { return "price" }
func (*priceCmd) Synopsis() string { return "show current prices" }
func (*priceCmd) Usage() string {
	return `price [-symbol] [id ...]

  Prints the current price of each instrument id (e.g. bitcoin).
  Without ids, the WATCHLIST is used.
  With -symbol, the arguments are ticker symbols (e.g. btc) looked up in a
  snapshot of the top SNAPSHOT_LIMIT instruments.
`
}

func (c *priceCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.symbol, "symbol", false, "look up ticker symbols instead of ids")
}

func (c *priceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	if c.symbol {
		if f.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Error: price -symbol takes at least one symbol")
			return subcommands.ExitUsageError
		}
		cache := market.NewCache()
		if err := cache.Refresh(ctx, client, cfg.SnapshotLimit); err != nil {
			return fail("fetch markets", err)
		}
		writeSymbolPrices(os.Stdout, cache, f.Args(), client.Currency())
		return subcommands.ExitSuccess
	}

	ids := f.Args()
	if len(ids) == 0 {
		ids = cfg.Watchlist
	}
	prices, err := client.FetchCurrentPrices(ctx, ids)
	if err != nil {
		return fail("fetch prices", err)
	}

	writePrices(os.Stdout, ids, prices, client.Currency())
	return subcommands.ExitSuccess
}

func writePrices(out io.Writer, ids []string, prices map[string]decimal.Decimal, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		price, ok := prices[normalizeID(id)]
		if !ok {
			fmt.Fprintf(w, "%s\tunavailable\n", id)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", id, portfolio.FormatAmount(price, currency))
	}
	w.Flush()
}

// writeSymbolPrices prints the cached price of each symbol.
func writeSymbolPrices(out io.Writer, cache *market.Cache, symbols []string, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, sym := range symbols {
		price, err := cache.PriceOf(sym)
		if err != nil {
			fmt.Fprintf(w, "%s\tunavailable\n", strings.ToUpper(sym))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", strings.ToUpper(sym), portfolio.FormatAmount(price, currency))
	}
	w.Flush()
}

type historyCmd struct {
	days     int
	archived bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "show the price history of an instrument" }
func (*historyCmd) Usage() string {
	return `history [-days n] [-archived] <id>

  Prints the price history of one instrument over the last n days (1 to 365).
  With -archived, the history comes from snapshots stored by archive.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.days, "days", 7, "number of days of history")
	f.BoolVar(&c.archived, "archived", false, "read archived snapshots instead of the API")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: history takes exactly one instrument id")
		return subcommands.ExitUsageError
	}

	_, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	var series market.Series
	if c.archived {
		store, err := archive(db)
		if err != nil {
			return fail("history", err)
		}
		if series, err = store.PriceHistory(ctx, normalizeID(f.Arg(0)), c.days); err != nil {
			return fail("read archive", err)
		}
	} else if series, err = client.FetchHistoricalSeries(ctx, f.Arg(0), c.days); err != nil {
		return fail("fetch history", err)
	}

	writeSeries(os.Stdout, series, client.Currency())
	return subcommands.ExitSuccess
}

func writeSeries(out io.Writer, s market.Series, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range s.Points {
		fmt.Fprintf(w, "%s\t%s\n", p.Time.Local().Format(time.DateTime), portfolio.FormatAmount(p.Price, currency))
	}
	w.Flush()

	if len(s.Points) < 2 {
		return
	}
	first, last := s.Points[0].Price, s.Points[len(s.Points)-1].Price
	if first.IsZero() {
		return
	}
	change := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
	fmt.Fprintf(out, "\n%s: %d points, change %s\n", s.InstrumentID, len(s.Points), portfolio.FormatPercent(change))
}

type detailCmd struct{}

func (*detailCmd) Name() string     { return "detail" }
func (*detailCmd) Synopsis() string { return "show details of an instrument" }
func (*detailCmd) Usage() string {
	return `detail <id>

  Prints the description and market data of one instrument.
`
}

func (*detailCmd) SetFlags(*flag.FlagSet) {}

func (*detailCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: detail takes exactly one instrument id")
		return subcommands.ExitUsageError
	}

	_, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	defer closeDB(db)

	d, err := client.FetchDetail(ctx, f.Arg(0))
	if err != nil {
		return fail("fetch detail", err)
	}

	writeDetail(os.Stdout, d, client.Currency())
	return subcommands.ExitSuccess
}

func writeDetail(out io.Writer, d market.Detail, currency string) {
	fmt.Fprintf(out, "%s (%s)\n", d.Name, d.Symbol)
	if d.Homepage != "" {
		fmt.Fprintln(out, d.Homepage)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Price\t%s\n", portfolio.FormatAmount(d.Price, currency))
	fmt.Fprintf(w, "24h change\t%s\n", portfolio.FormatPercent(d.Change24h))
	fmt.Fprintf(w, "Market cap\t%s\n", portfolio.FormatAmount(d.MarketCap, currency))
	fmt.Fprintf(w, "Volume 24h\t%s\n", portfolio.FormatAmount(d.Volume24h, currency))
	fmt.Fprintf(w, "All time high\t%s\n", portfolio.FormatAmount(d.AllTimeHigh, currency))
	fmt.Fprintf(w, "All time low\t%s\n", portfolio.FormatAmount(d.AllTimeLow, currency))
	w.Flush()

	fmt.Fprintf(out, "\n%s\n", d.Description)
}

type archiveCmd struct {
	limit int
}

func (*archiveCmd) Name() string     { return "archive" }
func (*archiveCmd) Synopsis() string { return "fetch a snapshot and store it in PostgreSQL" }
func (*archiveCmd) Usage() string {
	return `archive [-limit n]

  Fetches the top n instruments and stores the snapshot in the database.
  Requires DATABASE_URL. Creates the tables on first use.
`
}

func (c *archiveCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "limit", 0, "number of instruments to archive")
}

func (c *archiveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, client, db, err := setup(ctx)
	if err != nil {
		return fail("load configuration", err)
	}
	if db == nil {
		fmt.Fprintln(os.Stderr, "Error: archive requires DATABASE_URL")
		return subcommands.ExitUsageError
	}
	defer closeDB(db)

	if err := db.Migrate(ctx); err != nil {
		return fail("migrate", err)
	}

	limit := c.limit
	if limit == 0 {
		limit = cfg.SnapshotLimit
	}
	snap, err := client.FetchSnapshot(ctx, limit)
	if err != nil {
		return fail("fetch markets", err)
	}

	// The fetch may have waited out rate limits; make sure the pool survived.
	if err := db.HealthCheck(ctx); err != nil {
		return fail("database", err)
	}
	id, err := market.NewStore(db.DB).SaveSnapshot(ctx, client.Currency(), snap)
	if err != nil {
		return fail("save snapshot", err)
	}
	fmt.Printf("Archived snapshot %d with %d instruments\n", id, snap.Len())
	return subcommands.ExitSuccess
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
