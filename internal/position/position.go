// Package position tracks open perp positions through their lifecycle and
// persists them across restarts. The exchange remains the source of truth;
// this store is the local mirror the monitor reconciles against it.
package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Lifecycle states after a fill.
const (
	StateMonitoring = "MONITORING"
	StateClosing    = "CLOSING"
	StateClosed     = "CLOSED"
)

// Close reasons recorded on exit.
const (
	CloseReasonOracle     = "oracle_close"
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonTakeProfit = "take_profit"
	CloseReasonReconciled = "reconciled"
)

// Position is one open (or closing) perp position.
type Position struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // LONG | SHORT
	SizeUSD    float64   `json:"size_usd"` // notional
	Quantity   float64   `json:"quantity"` // base units
	Leverage   float64   `json:"leverage"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	State      string    `json:"state"`
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	EntryOrderID      string `json:"entry_order_id,omitempty"`
	StopOrderID       string `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string `json:"take_profit_order_id,omitempty"`

	// True when a fill happened but the protective bracket could not be
	// fully placed; the monitor treats such positions as unprotected.
	ProtectionIncomplete bool `json:"protection_incomplete,omitempty"`

	CloseReason    string    `json:"close_reason,omitempty"`
	ExitPrice      float64   `json:"exit_price,omitempty"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd,omitempty"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

// UnrealizedPnL marks the position against the given price.
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	if p.Side == "SHORT" {
		return (p.EntryPrice - markPrice) * p.Quantity
	}
	return (markPrice - p.EntryPrice) * p.Quantity
}

// Store holds at most one open position per symbol, persisted as JSON with
// an atomic write so a crash never leaves a torn file.
type Store struct {
	mu        sync.Mutex
	path      string
	positions map[string]*Position
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path, positions: map[string]*Position{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot map[string]*Position
	if err := json.Unmarshal(b, &snapshot); err != nil {
		return fmt.Errorf("corrupt position store %s: %w", s.path, err)
	}
	s.positions = snapshot
	return nil
}

func (s *Store) save() error {
	b, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Upsert stores the position and persists the store.
func (s *Store) Upsert(p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	s.positions[strings.ToUpper(p.Symbol)] = p
	return s.save()
}

// Get returns a copy of the open position for the symbol, if any.
func (s *Store) Get(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[strings.ToUpper(symbol)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Remove drops the symbol's position and persists the store.
func (s *Store) Remove(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, strings.ToUpper(symbol))
	return s.save()
}

// Open returns copies of all positions not yet closed.
func (s *Store) Open() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.State != StateClosed {
			out = append(out, *p)
		}
	}
	return out
}

// Exposure sums open notional per symbol and in total.
func (s *Store) Exposure() (bySymbol map[string]float64, total float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySymbol = map[string]float64{}
	for sym, p := range s.positions {
		if p.State == StateClosed {
			continue
		}
		bySymbol[sym] += p.SizeUSD
		total += p.SizeUSD
	}
	return bySymbol, total
}
