// Package portfolio records simulated buy and sell transactions against live
// market prices and derives holdings, funds and valuation from them.
package portfolio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptofolio/pkg/apperr"
)

// PriceSource answers current price lookups by instrument id. Ids the source
// does not know are absent from the result.
type PriceSource interface {
	CurrentPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error)
}

// Kind distinguishes buys from sells.
type Kind int

const (
	Buy Kind = iota + 1
	Sell
)

func (k Kind) String() string {
	switch k {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseKind parses "buy" or "sell", ignoring case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, apperr.Invalid("unknown transaction kind %q", s)
	}
}

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Transaction is an executed buy or sell. The execution price is fixed when
// the transaction is constructed.
type Transaction struct {
	id           uuid.UUID
	kind         Kind
	instrumentID string
	quantity     decimal.Decimal
	price        decimal.Decimal
	timestamp    time.Time
}

func (t Transaction) ID() uuid.UUID                   { return t.id }
func (t Transaction) Kind() Kind                      { return t.kind }
func (t Transaction) InstrumentID() string            { return t.instrumentID }
func (t Transaction) Quantity() decimal.Decimal       { return t.quantity }
func (t Transaction) ExecutionPrice() decimal.Decimal { return t.price }
func (t Transaction) Timestamp() time.Time            { return t.timestamp }

// Value returns quantity times execution price.
func (t Transaction) Value() decimal.Decimal {
	return t.quantity.Mul(t.price)
}

// SignedValue is the effect on funds: negative for a buy, positive for a sell.
func (t Transaction) SignedValue() decimal.Decimal {
	if t.kind == Buy {
		return t.Value().Neg()
	}
	return t.Value()
}

// IsZero reports whether t was built without a constructor.
func (t Transaction) IsZero() bool {
	return t.id == uuid.Nil
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %s %s @ %s", t.kind, t.quantity, t.instrumentID, t.price)
}

// NewBuy creates a buy of quantity units of instrumentID at its current price.
func NewBuy(ctx context.Context, src PriceSource, instrumentID string, quantity decimal.Decimal) (Transaction, error) {
	return newTransaction(ctx, src, Buy, instrumentID, quantity)
}

// NewSell creates a sell of quantity units of instrumentID at its current price.
func NewSell(ctx context.Context, src PriceSource, instrumentID string, quantity decimal.Decimal) (Transaction, error) {
	return newTransaction(ctx, src, Sell, instrumentID, quantity)
}

func newTransaction(ctx context.Context, src PriceSource, kind Kind, instrumentID string, quantity decimal.Decimal) (Transaction, error) {
	instrumentID = strings.ToLower(strings.TrimSpace(instrumentID))
	if instrumentID == "" {
		return Transaction{}, apperr.Invalid("instrument id is empty")
	}
	if !quantity.IsPositive() {
		return Transaction{}, apperr.Invalid("quantity %s must be positive", quantity)
	}
	if src == nil {
		return Transaction{}, apperr.Invalid("price source is nil")
	}

	prices, err := src.CurrentPrices(ctx, []string{instrumentID})
	if err != nil {
		return Transaction{}, fmt.Errorf("%s %s: %w: %w", kind, instrumentID, apperr.ErrPriceUnavailable, err)
	}
	price, ok := prices[instrumentID]
	if !ok || !price.IsPositive() {
		return Transaction{}, fmt.Errorf("%s %s: %w", kind, instrumentID, apperr.ErrPriceUnavailable)
	}

	return Transaction{
		id:           uuid.New(),
		kind:         kind,
		instrumentID: instrumentID,
		quantity:     quantity,
		price:        price,
		timestamp:    now(),
	}, nil
}
