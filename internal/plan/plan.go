// Package plan defines the trading-plan schema produced by the oracle and
// the fail-closed extraction and validation applied before any decision
// reaches risk sizing.
package plan

import "strings"

// Decision actions after normalization.
const (
	ActionOpen  = "OPEN"
	ActionClose = "CLOSE"
	ActionHold  = "HOLD"
)

// Directions for OPEN decisions.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Entry describes how a position should be entered.
type Entry struct {
	Type  string  `json:"type"` // "market" | "limit"
	Price float64 `json:"price,omitempty"`
}

// Sizing carries the oracle's sizing suggestion. SizePct is a fraction of
// equity in [0,1]; both fields are subject to risk clamping.
type Sizing struct {
	SizePct      float64 `json:"size_pct"`
	LeverageHint float64 `json:"leverage_hint"`
}

// Decision is one per-symbol instruction inside a trading plan.
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action,omitempty"` // defaults to OPEN when omitted
	Direction  string  `json:"direction"`
	Entry      Entry   `json:"entry"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Position   Sizing  `json:"position"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	RiskNotes  string  `json:"risk_notes,omitempty"`
}

// TradingPlan is the full oracle response for one cycle.
type TradingPlan struct {
	Timestamp            string            `json:"timestamp"`
	MarketView           string            `json:"market_view,omitempty"`
	Candidates           []Decision        `json:"candidates"`
	PortfolioConstraints map[string]string `json:"portfolio_constraints,omitempty"`
	NextActions          []string          `json:"next_actions,omitempty"`
}

// Normalize uppercases symbol fields and fills defaulted actions in place.
func (d *Decision) Normalize() {
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	d.Direction = strings.ToUpper(strings.TrimSpace(d.Direction))
	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	if d.Action == "" {
		d.Action = ActionOpen
	}
	d.Entry.Type = strings.ToLower(strings.TrimSpace(d.Entry.Type))
	if d.Entry.Type == "" {
		d.Entry.Type = "market"
	}
}

// IsShort reports whether the decision opens or holds a short.
func (d *Decision) IsShort() bool { return d.Direction == DirectionShort }
