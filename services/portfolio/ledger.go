package portfolio

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

// Ledger is an append-only log of executed transactions with the funds they
// leave available. Holdings are derived from the log on demand.
//
// Ledger is not safe for concurrent use.
type Ledger struct {
	startingFunds decimal.Decimal
	funds         decimal.Decimal
	transactions  []Transaction
}

// NewLedger creates an empty ledger with startingFunds available.
func NewLedger(startingFunds decimal.Decimal) (*Ledger, error) {
	if startingFunds.IsNegative() {
		return nil, apperr.Invalid("starting funds %s must not be negative", startingFunds)
	}
	return &Ledger{
		startingFunds: startingFunds,
		funds:         startingFunds,
		transactions:  []Transaction{},
	}, nil
}

func (l *Ledger) StartingFunds() decimal.Decimal { return l.startingFunds }
func (l *Ledger) Funds() decimal.Decimal         { return l.funds }

// Execute validates tx against the current state and records it. A rejected
// transaction leaves the ledger unchanged.
func (l *Ledger) Execute(tx Transaction) error {
	if tx.IsZero() {
		return apperr.Invalid("transaction was not constructed")
	}

	switch tx.Kind() {
	case Sell:
		held := l.holding(tx.InstrumentID())
		if tx.Quantity().GreaterThan(held) {
			return fmt.Errorf("sell %s %s: %w: holding %s",
				tx.Quantity(), tx.InstrumentID(), apperr.ErrInsufficientHoldings, held)
		}
	case Buy:
		if l.funds.Add(tx.SignedValue()).IsNegative() {
			return fmt.Errorf("buy %s %s for %s: %w: funds %s",
				tx.Quantity(), tx.InstrumentID(), tx.Value(), apperr.ErrInsufficientFunds, l.funds)
		}
	default:
		return apperr.Invalid("unknown transaction kind %d", tx.Kind())
	}

	l.transactions = append(l.transactions, tx)
	l.funds = l.funds.Add(tx.SignedValue())
	return nil
}

// holding recomputes the net quantity of one instrument from the log.
func (l *Ledger) holding(instrumentID string) decimal.Decimal {
	q := decimal.Zero
	for _, tx := range l.transactions {
		if tx.InstrumentID() != instrumentID {
			continue
		}
		if tx.Kind() == Buy {
			q = q.Add(tx.Quantity())
		} else {
			q = q.Sub(tx.Quantity())
		}
	}
	return q
}

// Holdings returns the net quantity of every instrument currently held.
// Instruments sold down to zero are omitted.
func (l *Ledger) Holdings() map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, tx := range l.transactions {
		q := tx.Quantity()
		if tx.Kind() == Sell {
			q = q.Neg()
		}
		net[tx.InstrumentID()] = net[tx.InstrumentID()].Add(q)
	}
	for id, q := range net {
		if !q.IsPositive() {
			delete(net, id)
		}
	}
	return net
}

// History returns a copy of the accepted transactions in execution order.
func (l *Ledger) History() []Transaction {
	return slices.Clone(l.transactions)
}

// Position is one holding priced at the current market.
type Position struct {
	InstrumentID string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Value        decimal.Decimal
	Priced       bool
}

// Valuation is the market value of all holdings. Instruments with no current
// price are listed in Unpriced and excluded from Total.
type Valuation struct {
	Total    decimal.Decimal
	Unpriced []string
}

// Valuation prices every holding through src. An empty ledger values at zero
// without consulting src.
func (l *Ledger) Valuation(ctx context.Context, src PriceSource) (Valuation, error) {
	positions, err := l.positions(ctx, src)
	if err != nil {
		return Valuation{Total: decimal.Zero}, err
	}
	return valuationOf(positions), nil
}

func valuationOf(positions []Position) Valuation {
	v := Valuation{Total: decimal.Zero}
	for _, p := range positions {
		if !p.Priced {
			v.Unpriced = append(v.Unpriced, p.InstrumentID)
			continue
		}
		v.Total = v.Total.Add(p.Value)
	}
	v.Total = v.Total.Round(2)
	return v
}

// positions returns the holdings sorted by instrument id, priced through src.
func (l *Ledger) positions(ctx context.Context, src PriceSource) ([]Position, error) {
	holdings := l.Holdings()
	if len(holdings) == 0 {
		return nil, nil
	}
	if src == nil {
		return nil, apperr.Invalid("price source is nil")
	}

	ids := make([]string, 0, len(holdings))
	for id := range holdings {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	prices, err := src.CurrentPrices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("price holdings: %w", err)
	}

	positions := make([]Position, 0, len(ids))
	for _, id := range ids {
		p := Position{InstrumentID: id, Quantity: holdings[id]}
		if price, ok := prices[id]; ok && price.IsPositive() {
			p.Price = price
			p.Value = p.Quantity.Mul(price)
			p.Priced = true
		} else {
			log.Printf("Warning: no current price for %s, excluded from valuation", id)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Summary is a display view of the ledger at current prices.
type Summary struct {
	StartingFunds decimal.Decimal
	Funds         decimal.Decimal
	Positions     []Position
	Valuation     Valuation
	Transactions  int
}

// NetWorth returns funds plus the value of priced holdings.
func (s Summary) NetWorth() decimal.Decimal {
	return s.Funds.Add(s.Valuation.Total)
}

// ProfitLoss returns net worth relative to the starting funds.
func (s Summary) ProfitLoss() decimal.Decimal {
	return s.NetWorth().Sub(s.StartingFunds)
}

// Summary prices the ledger once and returns everything a report needs.
func (l *Ledger) Summary(ctx context.Context, src PriceSource) (Summary, error) {
	positions, err := l.positions(ctx, src)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		StartingFunds: l.startingFunds,
		Funds:         l.funds,
		Positions:     positions,
		Valuation:     valuationOf(positions),
		Transactions:  len(l.transactions),
	}, nil
}
