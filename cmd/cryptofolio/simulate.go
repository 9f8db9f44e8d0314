package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"cryptofolio/services/portfolio"
)

const scriptUsage = `
  The script holds one order per line: kind,instrument,quantity
  e.g.
    buy,bitcoin,0.01
    sell,bitcoin,0.005
  Lines starting with # are ignored. Use - to read from stdin.
  Each order executes at the current market price. Rejected orders are
  reported and skipped. The ledger is not saved.
`

// run parses the script at path and applies it to a fresh ledger.
func run(ctx context.Context, path, funds string) (*portfolio.Ledger, []portfolio.Outcome, portfolio.Summary, string, error) {
	cfg, client, db, err := setup(ctx)
	if err != nil {
		return nil, nil, portfolio.Summary{}, "", fmt.Errorf("load configuration: %w", err)
	}
	defer closeDB(db)

	start := cfg.StartingFunds
	if funds != "" {
		if start, err = decimal.NewFromString(funds); err != nil {
			return nil, nil, portfolio.Summary{}, "", fmt.Errorf("parse -funds: %w", err)
		}
	}

	orders, err := readScript(path)
	if err != nil {
		return nil, nil, portfolio.Summary{}, "", err
	}

	ledger, err := portfolio.NewLedger(start)
	if err != nil {
		return nil, nil, portfolio.Summary{}, "", err
	}
	outcomes := portfolio.Apply(ctx, ledger, client, orders)

	summary, err := ledger.Summary(ctx, client)
	if err != nil {
		return nil, nil, portfolio.Summary{}, "", fmt.Errorf("value portfolio: %w", err)
	}
	return ledger, outcomes, summary, client.Currency(), nil
}

func readScript(path string) ([]portfolio.Order, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open script: %w", err)
		}
		defer file.Close()
		r = file
	}
	return portfolio.ParseScript(r)
}

type simulateCmd struct {
	funds string
}

func (*simulateCmd) Name() string     { return "simulate" }
func (*simulateCmd) Synopsis() string { return "run a trading script against live prices" }
func (*simulateCmd) Usage() string {
	return "simulate [-funds amount] <script>\n" + scriptUsage
}

func (c *simulateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.funds, "funds", "", "starting funds (default STARTING_FUNDS)")
}

func (c *simulateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: simulate takes exactly one script file")
		return subcommands.ExitUsageError
	}

	ledger, outcomes, summary, currency, err := run(ctx, f.Arg(0), c.funds)
	if err != nil {
		return fail("simulate", err)
	}

	writeOutcomes(os.Stdout, outcomes, currency)
	fmt.Println()
	writeSummary(os.Stdout, summary, currency)
	fmt.Printf("\n%d of %d orders executed\n", len(ledger.History()), len(outcomes))
	return subcommands.ExitSuccess
}

func writeOutcomes(out io.Writer, outcomes []portfolio.Outcome, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "line %d\t%s %s %s\trejected: %v\n",
				o.Order.Line, o.Order.Kind, portfolio.FormatQuantity(o.Order.Quantity), o.Order.InstrumentID, o.Err)
			continue
		}
		tx := o.Transaction
		fmt.Fprintf(w, "line %d\t%s %s %s\tat %s, funds %s\n",
			o.Order.Line, tx.Kind(), portfolio.FormatQuantity(tx.Quantity()), tx.InstrumentID(),
			portfolio.FormatAmount(tx.ExecutionPrice(), currency),
			portfolio.FormatAmount(tx.SignedValue(), currency))
	}
	w.Flush()
}

func writeSummary(out io.Writer, s portfolio.Summary, currency string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range s.Positions {
		value := "unpriced"
		if p.Priced {
			value = portfolio.FormatAmount(p.Value, currency)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.InstrumentID, portfolio.FormatQuantity(p.Quantity), value)
	}
	fmt.Fprintf(w, "Funds\t\t%s\n", portfolio.FormatAmount(s.Funds, currency))
	fmt.Fprintf(w, "Holdings value\t\t%s\n", portfolio.FormatAmount(s.Valuation.Total, currency))
	fmt.Fprintf(w, "Net worth\t\t%s\n", portfolio.FormatAmount(s.NetWorth(), currency))
	fmt.Fprintf(w, "Profit / loss\t\t%s\n", portfolio.FormatAmount(s.ProfitLoss(), currency))
	w.Flush()
}

type reportCmd struct {
	funds string
	raw   bool
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "run a trading script and render a markdown report" }
func (*reportCmd) Usage() string {
	return "report [-funds amount] [-raw] <script>\n" + scriptUsage
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.funds, "funds", "", "starting funds (default STARTING_FUNDS)")
	f.BoolVar(&c.raw, "raw", false, "print the markdown source instead of rendering it")
}

func (c *reportCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: report takes exactly one script file")
		return subcommands.ExitUsageError
	}

	ledger, _, summary, currency, err := run(ctx, f.Arg(0), c.funds)
	if err != nil {
		return fail("report", err)
	}

	md := portfolio.ReportMarkdown(summary, ledger.History(), currency)
	md += fmt.Sprintf("\n_Generated %s_\n", time.Now().Format(time.DateTime))
	if c.raw {
		fmt.Print(md)
		return subcommands.ExitSuccess
	}

	out, err := renderMarkdown(md)
	if err != nil {
		return fail("render report", err)
	}
	fmt.Print(out)
	return subcommands.ExitSuccess
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
