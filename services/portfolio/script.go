package portfolio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

// Order is one line of a trading script: a kind, an instrument and a quantity.
type Order struct {
	Line         int
	Kind         Kind
	InstrumentID string
	Quantity     decimal.Decimal
}

// ParseScript reads orders in the form "buy,bitcoin,0.01", one per line.
// Blank lines, lines starting with # and a "kind,instrument,quantity" header
// are skipped. Any malformed line fails the whole script.
func ParseScript(r io.Reader) ([]Order, error) {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	var orders []Order

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, apperr.Invalid("line %d: want kind,instrument,quantity", lineNum)
		}
		if lineNum == 1 && strings.EqualFold(strings.TrimSpace(parts[0]), "kind") {
			continue
		}

		kind, err := ParseKind(parts[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		id := strings.ToLower(strings.TrimSpace(parts[1]))
		if id == "" {
			return nil, apperr.Invalid("line %d: instrument id is empty", lineNum)
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, apperr.Invalid("line %d: quantity %q: %v", lineNum, parts[2], err)
		}

		orders = append(orders, Order{Line: lineNum, Kind: kind, InstrumentID: id, Quantity: qty})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return orders, nil
}

// Outcome is the result of applying one order.
type Outcome struct {
	Order       Order
	Transaction Transaction
	Err         error
}

// Apply executes orders against l in order, pricing each through src. A
// rejected order is recorded in its outcome and the script continues.
func Apply(ctx context.Context, l *Ledger, src PriceSource, orders []Order) []Outcome {
	outcomes := make([]Outcome, 0, len(orders))
	for _, o := range orders {
		out := Outcome{Order: o}

		var tx Transaction
		var err error
		if o.Kind == Buy {
			tx, err = NewBuy(ctx, src, o.InstrumentID, o.Quantity)
		} else {
			tx, err = NewSell(ctx, src, o.InstrumentID, o.Quantity)
		}
		if err == nil {
			err = l.Execute(tx)
		}

		if err != nil {
			log.Printf("Line %d rejected: %v", o.Line, err)
			out.Err = err
		} else {
			out.Transaction = tx
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}
