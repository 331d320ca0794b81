// Package exec submits approved decisions to the exchange through a small
// state machine with idempotent, bounded-retry submission and protective
// bracket placement.
package exec

import (
	"context"
	"fmt"

	"github.com/perpdesk/perp-trader/internal/position"
)

// Order sides and types, normalized across adapters.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket           = "MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order is one instruction for the exchange. Price is the reference mark
// for market orders and the trigger for protective types.
type Order struct {
	LocalID        string
	IdempotencyKey string
	Symbol         string
	Side           string
	Type           string
	Quantity       float64 // base units
	Price          float64
	ReduceOnly     bool
}

// OrderResult is the exchange's acceptance of an order.
type OrderResult struct {
	OrderID        string
	Status         string // FILLED | PARTIALLY_FILLED | NEW
	AvgFillPrice   float64
	FilledQuantity float64
}

// Exchange is the adapter boundary. GetPositions/Equity expose the account
// truth the monitor reconciles against.
type Exchange interface {
	SubmitOrder(ctx context.Context, ord Order) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenPositions(ctx context.Context) ([]position.Position, error)
	Equity(ctx context.Context) (float64, error)
	Mode() string // "sim" | "live"
	Close() error
}

// ExecError classifies submission failures. Transient types are retried
// with backoff; rejections are terminal for the attempt.
type ExecError struct {
	Type    string // "timeout", "network", "rate_limit", "rejected"
	Symbol  string
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Cause }

func NewTimeoutError(symbol, message string) *ExecError {
	return &ExecError{Type: "timeout", Symbol: symbol, Message: message}
}

func NewNetworkError(symbol, message string, cause error) *ExecError {
	return &ExecError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *ExecError {
	return &ExecError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewRejectedError(symbol, message string, cause error) *ExecError {
	return &ExecError{Type: "rejected", Symbol: symbol, Message: message, Cause: cause}
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	if ee, ok := err.(*ExecError); ok {
		switch ee.Type {
		case "timeout", "network", "rate_limit":
			return true
		}
		return false
	}
	// Unknown errors are treated as transient; the retry budget bounds
	// the damage either way.
	return true
}
