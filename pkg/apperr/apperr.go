// Package apperr defines the error taxonomy shared by the market data layer
// and the portfolio ledger. Callers match errors with errors.Is and errors.As.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure surfaced by the core wraps one of these.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNetwork              = errors.New("network error")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrEmptyResult          = errors.New("empty result")
	ErrNotFound             = errors.New("not found")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
)

// NetworkKind classifies a NetworkError.
type NetworkKind string

const (
	KindTimeout    NetworkKind = "timeout"
	KindConnection NetworkKind = "connection"
	KindStatus     NetworkKind = "status"
	KindDecode     NetworkKind = "decode"
)

// NetworkError is a transient transport failure. It matches ErrNetwork.
type NetworkError struct {
	Op         string // endpoint or operation name
	Kind       NetworkKind
	StatusCode int // set for KindStatus
	Err        error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Kind == KindStatus {
		msg = fmt.Sprintf("%s %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is reports ErrNetwork as a match so callers need not know the concrete type.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Invalid wraps ErrInvalidArgument with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsTimeout reports whether err is a NetworkError caused by a timeout.
func IsTimeout(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Kind == KindTimeout
}
