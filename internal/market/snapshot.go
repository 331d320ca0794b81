package market

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Provider supplies per-symbol perp market snapshots. Implementations must
// return an error rather than a guessed snapshot when data is missing.
type Provider interface {
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	GetSnapshots(ctx context.Context, symbols []string) (map[string]*Snapshot, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Snapshot is the normalized view of one perp contract at one instant.
type Snapshot struct {
	Symbol         string    `json:"symbol"` // base asset, uppercase ("BTC")
	MarkPrice      float64   `json:"mark_price"`
	IndexPrice     float64   `json:"index_price"`
	FundingRate    float64   `json:"funding_rate"`
	Volume24h      float64   `json:"volume_24h"`
	Timestamp      time.Time `json:"timestamp"`
	ContractActive bool      `json:"contract_active"` // exchange reports the contract tradable
	Source         string    `json:"source"`          // "sim"|"binance"
	StalenessMs    int64     `json:"staleness_ms"`
}

// ValidateSnapshot rejects anything the pipeline cannot size an order
// against. Fail closed: a bad snapshot never reaches the risk manager.
func ValidateSnapshot(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if s.MarkPrice <= 0 || math.IsNaN(s.MarkPrice) || math.IsInf(s.MarkPrice, 0) {
		return fmt.Errorf("invalid mark price for %s: %v", s.Symbol, s.MarkPrice)
	}
	if s.IndexPrice < 0 || math.IsNaN(s.IndexPrice) {
		return fmt.Errorf("invalid index price for %s: %v", s.Symbol, s.IndexPrice)
	}
	if s.Volume24h < 0 {
		return fmt.Errorf("negative volume for %s: %v", s.Symbol, s.Volume24h)
	}
	if s.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("snapshot timestamp in the future for %s: %v", s.Symbol, s.Timestamp)
	}
	return nil
}

// IsStale reports whether the snapshot exceeds the freshness budget.
func (s *Snapshot) IsStale(maxAgeMs int64) bool {
	return s.StalenessMs > maxAgeMs
}

// MarketError classifies provider failures so callers can decide
// between retrying and skipping the symbol for the cycle.
type MarketError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol"
	Symbol  string
	Message string
	Cause   error
}

func (e *MarketError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func NewNetworkError(symbol, message string, cause error) *MarketError {
	return &MarketError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *MarketError {
	return &MarketError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *MarketError {
	return &MarketError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *MarketError {
	return &MarketError{Type: "bad_symbol", Symbol: symbol, Message: message}
}
