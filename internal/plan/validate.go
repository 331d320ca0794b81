package plan

import (
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/observ"
)

// Drop reasons reported by the validator.
const (
	DropSymbolNotAllowed   = "symbol_not_allowed"
	DropSymbolNotAvailable = "symbol_not_available"
	DropInvalidDirection   = "invalid_direction"
	DropSizeOutOfRange     = "size_out_of_range"
	DropMissingStopLoss    = "missing_stop_loss"
)

// Drop records one rejected decision together with its original form so
// the audit trail shows exactly what the oracle asked for.
type Drop struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Detail   string   `json:"detail,omitempty"`
}

// Validate screens each candidate independently; one bad decision never
// poisons its siblings. OPEN decisions must reference an allowed, available
// symbol, carry a recognizable direction, a size inside (0,1], and a stop
// loss on the protective side of entry. CLOSE and HOLD pass with only a
// symbol check, since closing must stay possible when market data is thin.
func Validate(p TradingPlan, allowed map[string]bool, avail market.FilterResult) ([]Decision, []Drop) {
	var valid []Decision
	var drops []Drop

	reject := func(d Decision, reason, detail string) {
		drops = append(drops, Drop{Decision: d, Reason: reason, Detail: detail})
		observ.IncDecisionDropped(reason)
		observ.Log("decision_dropped", map[string]any{
			"symbol": d.Symbol, "action": d.Action, "direction": d.Direction,
			"reason": reason, "detail": detail, "original": d,
		})
	}

	for _, d := range p.Candidates {
		d.Normalize()

		if d.Symbol == "" {
			reject(d, DropSymbolNotAllowed, "empty symbol")
			continue
		}

		switch d.Action {
		case ActionHold:
			valid = append(valid, d)
			observ.IncDecision(d.Action)
			continue
		case ActionClose:
			valid = append(valid, d)
			observ.IncDecision(d.Action)
			continue
		case ActionOpen:
			// validated below
		default:
			reject(d, DropInvalidDirection, "unknown action "+d.Action)
			continue
		}

		if !allowed[d.Symbol] {
			reject(d, DropSymbolNotAllowed, "")
			continue
		}
		snap, ok := avail.Available[d.Symbol]
		if !ok {
			reject(d, DropSymbolNotAvailable, "")
			continue
		}
		if d.Direction != DirectionLong && d.Direction != DirectionShort {
			reject(d, DropInvalidDirection, "direction "+d.Direction)
			continue
		}
		if d.Position.SizePct <= 0 || d.Position.SizePct > 1 {
			reject(d, DropSizeOutOfRange, "")
			continue
		}

		ref := snap.MarkPrice
		if d.Entry.Type == "limit" && d.Entry.Price > 0 {
			ref = d.Entry.Price
		}
		if !stopLossUsable(d, ref) {
			reject(d, DropMissingStopLoss, "")
			continue
		}

		valid = append(valid, d)
		observ.IncDecision(d.Action)
	}

	return valid, drops
}

// stopLossUsable requires a stop on the losing side of the reference
// price. A stop above a long's entry, or below a short's, would fire
// immediately or never protect, which counts as missing.
func stopLossUsable(d Decision, ref float64) bool {
	if d.StopLoss <= 0 {
		return false
	}
	if d.IsShort() {
		return d.StopLoss > ref
	}
	return d.StopLoss < ref
}
