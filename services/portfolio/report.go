package portfolio

import (
	"fmt"
	"strings"
	"time"
)

// ReportMarkdown renders a summary and the transaction history as markdown.
func ReportMarkdown(s Summary, history []Transaction, currency string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Portfolio Report\n\n")
	fmt.Fprintln(&b, "| | |")
	fmt.Fprintln(&b, "|:---|---:|")
	fmt.Fprintf(&b, "| Starting funds | %s |\n", FormatAmount(s.StartingFunds, currency))
	fmt.Fprintf(&b, "| Available funds | %s |\n", FormatAmount(s.Funds, currency))
	fmt.Fprintf(&b, "| Holdings value | %s |\n", FormatAmount(s.Valuation.Total, currency))
	fmt.Fprintf(&b, "| **Net worth** | **%s** |\n", FormatAmount(s.NetWorth(), currency))
	fmt.Fprintf(&b, "| Profit / loss | %s |\n", FormatAmount(s.ProfitLoss(), currency))
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "## Holdings\n\n")
	if len(s.Positions) == 0 {
		fmt.Fprintf(&b, "No holdings.\n\n")
	} else {
		fmt.Fprintln(&b, "| Instrument | Quantity | Price | Value |")
		fmt.Fprintln(&b, "|:---|---:|---:|---:|")
		for _, p := range s.Positions {
			price, value := "n/a", "n/a"
			if p.Priced {
				price = FormatAmount(p.Price, currency)
				value = FormatAmount(p.Value, currency)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", p.InstrumentID, FormatQuantity(p.Quantity), price, value)
		}
		fmt.Fprintln(&b)
	}
	if len(s.Valuation.Unpriced) > 0 {
		fmt.Fprintf(&b, "> Unpriced, excluded from value: %s\n\n", strings.Join(s.Valuation.Unpriced, ", "))
	}

	fmt.Fprintf(&b, "## History\n\n")
	if len(history) == 0 {
		fmt.Fprintf(&b, "No transactions.\n")
		return b.String()
	}
	fmt.Fprintln(&b, "| Time | Kind | Instrument | Quantity | Price | Funds change |")
	fmt.Fprintln(&b, "|:---|:---|:---|---:|---:|---:|")
	for _, tx := range history {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			tx.Timestamp().Format(time.DateTime),
			tx.Kind(),
			tx.InstrumentID(),
			FormatQuantity(tx.Quantity()),
			FormatAmount(tx.ExecutionPrice(), currency),
			FormatAmount(tx.SignedValue(), currency),
		)
	}
	return b.String()
}
