package risk

import (
	"time"

	"github.com/perpdesk/perp-trader/internal/observ"
)

// Breakers that can hold the halt flag.
const (
	BreakerDrawdown  = "drawdown"
	BreakerDailyLoss = "daily_loss"
)

// Limits is the risk configuration the manager enforces. Percentages are
// whole percents (20 means 20%), exposure fractions are 0..1.
type Limits struct {
	MinLeverage         float64
	MaxLeverage         float64
	MinPositionPct      float64
	MaxPositionPct      float64
	MaxTotalExposurePct float64
	MaxDrawdownPct      float64
	RecoveryDrawdownPct float64
	MaxDailyLossPct     float64
	StopLossPct         float64
	TakeProfitPct       float64
	MinConfidence       float64
}

// State tracks equity against the circuit-breaker thresholds. The two
// breakers are independent: drawdown clears on equity recovery toward the
// peak, daily loss clears at the next UTC day boundary. The halt flag is
// their OR, and new entries stay blocked while either holds.
type State struct {
	equity         float64
	peakEquity     float64
	dayStartEquity float64
	lastUpdate     time.Time

	drawdownHalted  bool
	dailyLossHalted bool
}

func NewState(initialEquity float64, now time.Time) *State {
	return &State{
		equity:         initialEquity,
		peakEquity:     initialEquity,
		dayStartEquity: initialEquity,
		lastUpdate:     now,
	}
}

// UpdateEquity feeds the latest equity mark and re-evaluates both breakers.
func (s *State) UpdateEquity(equity float64, now time.Time, limits Limits) {
	if isNewTradingDay(s.lastUpdate, now) {
		s.dayStartEquity = equity
		if s.dailyLossHalted {
			s.dailyLossHalted = false
			observ.Log("trading_resumed", map[string]any{"breaker": BreakerDailyLoss, "equity": equity})
		}
	}
	s.lastUpdate = now
	s.equity = equity
	if equity > s.peakEquity {
		s.peakEquity = equity
	}

	dd := s.DrawdownPct()
	dl := s.DailyLossPct()
	observ.SetEquity(equity)
	observ.SetDrawdownPct(dd)
	observ.SetDailyLossPct(dl)

	if !s.drawdownHalted && dd >= limits.MaxDrawdownPct {
		s.drawdownHalted = true
		observ.Log("trading_halted", map[string]any{
			"breaker": BreakerDrawdown, "drawdown_pct": dd, "threshold_pct": limits.MaxDrawdownPct,
			"equity": equity, "peak_equity": s.peakEquity,
		})
	} else if s.drawdownHalted && dd <= limits.RecoveryDrawdownPct {
		s.drawdownHalted = false
		observ.Log("trading_resumed", map[string]any{
			"breaker": BreakerDrawdown, "drawdown_pct": dd, "recovery_pct": limits.RecoveryDrawdownPct,
		})
	}

	if !s.dailyLossHalted && dl >= limits.MaxDailyLossPct {
		s.dailyLossHalted = true
		observ.Log("trading_halted", map[string]any{
			"breaker": BreakerDailyLoss, "daily_loss_pct": dl, "threshold_pct": limits.MaxDailyLossPct,
			"equity": equity, "day_start_equity": s.dayStartEquity,
		})
	}

	observ.SetHalted(BreakerDrawdown, s.drawdownHalted)
	observ.SetHalted(BreakerDailyLoss, s.dailyLossHalted)
}

// Halted reports whether any breaker is holding new entries.
func (s *State) Halted() bool { return s.drawdownHalted || s.dailyLossHalted }

// HaltedBreakers names the breakers currently holding.
func (s *State) HaltedBreakers() []string {
	var out []string
	if s.drawdownHalted {
		out = append(out, BreakerDrawdown)
	}
	if s.dailyLossHalted {
		out = append(out, BreakerDailyLoss)
	}
	return out
}

func (s *State) Equity() float64     { return s.equity }
func (s *State) PeakEquity() float64 { return s.peakEquity }

// DrawdownPct is the loss from peak equity, floored at zero.
func (s *State) DrawdownPct() float64 {
	if s.peakEquity <= 0 {
		return 0
	}
	dd := (s.peakEquity - s.equity) / s.peakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// DailyLossPct is the loss since the UTC day open, floored at zero.
func (s *State) DailyLossPct() float64 {
	if s.dayStartEquity <= 0 {
		return 0
	}
	dl := (s.dayStartEquity - s.equity) / s.dayStartEquity * 100
	if dl < 0 {
		return 0
	}
	return dl
}

// isNewTradingDay checks a UTC calendar-day boundary crossing.
func isNewTradingDay(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return last.UTC().Format("2006-01-02") != current.UTC().Format("2006-01-02")
}
