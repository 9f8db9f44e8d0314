package portfolio

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// FormatAmount formats amount in the given quote currency, e.g. "$1,234.57"
// for usd. Currencies go-money does not know, such as crypto quote
// currencies, are printed with two decimals and the upper-cased code.
func FormatAmount(amount decimal.Decimal, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	units := amount.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(units.IntPart())
}

// FormatQuantity prints a quantity without trailing zeros.
func FormatQuantity(q decimal.Decimal) string {
	return q.String()
}

// FormatPercent prints a percent change with an explicit sign.
func FormatPercent(p decimal.Decimal) string {
	s := p.StringFixed(2) + "%"
	if p.IsPositive() {
		return "+" + s
	}
	return s
}
