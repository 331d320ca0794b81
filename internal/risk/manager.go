package risk

import (
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/observ"
	"github.com/perpdesk/perp-trader/internal/plan"
)

// Exposure is the account's current open notional, used to keep new
// entries inside the per-symbol and total caps.
type Exposure struct {
	BySymbolUSD map[string]float64
	TotalUSD    float64
}

// Manager applies the configured limits to validated decisions. It never
// rejects a plan wholesale: each decision is clamped or vetoed on its own,
// and a veto drops only that entry, not the cycle.
type Manager struct {
	limits Limits
}

func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits}
}

func (m *Manager) Limits() Limits { return m.limits }

// Apply returns the decisions the execution engine may act on. CLOSE
// passes untouched even while halted; reducing risk must always work.
func (m *Manager) Apply(decisions []plan.Decision, exp Exposure, state *State, snaps map[string]*market.Snapshot) []plan.Decision {
	var approved []plan.Decision

	// Entries approved earlier in this cycle consume headroom too, both
	// against the total cap and against their own symbol's cap.
	cycleFrac := 0.0
	cycleBySymbol := map[string]float64{}
	equity := state.Equity()

	for _, d := range decisions {
		switch d.Action {
		case plan.ActionHold:
			continue
		case plan.ActionClose:
			approved = append(approved, d)
			continue
		}

		if state.Halted() {
			observ.Log("entry_vetoed", map[string]any{
				"symbol": d.Symbol, "reason": "trading_halted",
				"breakers": state.HaltedBreakers(), "original": d,
			})
			continue
		}
		if d.Confidence < m.limits.MinConfidence {
			observ.Log("entry_vetoed", map[string]any{
				"symbol": d.Symbol, "reason": "low_confidence",
				"confidence": d.Confidence, "floor": m.limits.MinConfidence, "original": d,
			})
			continue
		}
		if equity <= 0 {
			observ.Log("entry_vetoed", map[string]any{"symbol": d.Symbol, "reason": "no_equity", "original": d})
			continue
		}

		original := d

		if d.Position.LeverageHint < m.limits.MinLeverage {
			d.Position.LeverageHint = m.limits.MinLeverage
		}
		if d.Position.LeverageHint > m.limits.MaxLeverage {
			d.Position.LeverageHint = m.limits.MaxLeverage
		}
		if d.Position.LeverageHint != original.Position.LeverageHint {
			observ.IncSizeClamp("leverage")
			observ.Log("size_clamped", map[string]any{
				"symbol": d.Symbol, "field": "leverage",
				"from": original.Position.LeverageHint, "to": d.Position.LeverageHint,
			})
		}

		if d.Position.SizePct > m.limits.MaxPositionPct {
			observ.IncSizeClamp("size")
			observ.Log("size_clamped", map[string]any{
				"symbol": d.Symbol, "field": "size_pct",
				"from": d.Position.SizePct, "to": m.limits.MaxPositionPct,
			})
			d.Position.SizePct = m.limits.MaxPositionPct
		}

		symbolFrac := exp.BySymbolUSD[d.Symbol]/equity + cycleBySymbol[d.Symbol]
		if room := m.limits.MaxPositionPct - symbolFrac; d.Position.SizePct > room {
			if room < m.limits.MinPositionPct {
				observ.Log("entry_vetoed", map[string]any{
					"symbol": d.Symbol, "reason": "symbol_cap_reached",
					"open_frac": symbolFrac, "cap": m.limits.MaxPositionPct, "original": original,
				})
				continue
			}
			observ.IncSizeClamp("exposure")
			observ.Log("size_clamped", map[string]any{
				"symbol": d.Symbol, "field": "size_pct", "cause": "symbol_exposure",
				"from": d.Position.SizePct, "to": room,
			})
			d.Position.SizePct = room
		}

		totalFrac := exp.TotalUSD/equity + cycleFrac
		if room := m.limits.MaxTotalExposurePct - totalFrac; d.Position.SizePct > room {
			if room < m.limits.MinPositionPct {
				observ.Log("entry_vetoed", map[string]any{
					"symbol": d.Symbol, "reason": "total_exposure_reached",
					"open_frac": totalFrac, "cap": m.limits.MaxTotalExposurePct, "original": original,
				})
				continue
			}
			observ.IncSizeClamp("exposure")
			observ.Log("size_clamped", map[string]any{
				"symbol": d.Symbol, "field": "size_pct", "cause": "total_exposure",
				"from": d.Position.SizePct, "to": room,
			})
			d.Position.SizePct = room
		}

		if d.Position.SizePct < m.limits.MinPositionPct {
			observ.Log("entry_vetoed", map[string]any{
				"symbol": d.Symbol, "reason": "below_min_size",
				"size_pct": d.Position.SizePct, "min": m.limits.MinPositionPct, "original": original,
			})
			continue
		}

		if d.TakeProfit <= 0 {
			ref := d.Entry.Price
			if ref <= 0 {
				if snap, ok := snaps[d.Symbol]; ok {
					ref = snap.MarkPrice
				}
			}
			if ref > 0 {
				d.TakeProfit = DeriveTakeProfit(d.Direction, ref, m.limits)
			}
		}

		cycleFrac += d.Position.SizePct
		cycleBySymbol[d.Symbol] += d.Position.SizePct
		approved = append(approved, d)
	}

	return approved
}

// DeriveStopLoss computes the fallback protective stop from a reference
// price, below entry for longs and above for shorts.
func DeriveStopLoss(direction string, ref float64, limits Limits) float64 {
	if direction == plan.DirectionShort {
		return ref * (1 + limits.StopLossPct/100)
	}
	return ref * (1 - limits.StopLossPct/100)
}

// DeriveTakeProfit computes the fallback profit target from a reference
// price, mirrored per direction.
func DeriveTakeProfit(direction string, ref float64, limits Limits) float64 {
	if direction == plan.DirectionShort {
		return ref * (1 - limits.TakeProfitPct/100)
	}
	return ref * (1 + limits.TakeProfitPct/100)
}
