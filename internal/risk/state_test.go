package risk

import (
	"testing"
	"time"
)

var testLimits = Limits{
	MinLeverage:         1,
	MaxLeverage:         10,
	MinPositionPct:      0.01,
	MaxPositionPct:      0.40,
	MaxTotalExposurePct: 1.0,
	MaxDrawdownPct:      20,
	RecoveryDrawdownPct: 10,
	MaxDailyLossPct:     10,
	StopLossPct:         3,
	TakeProfitPct:       8,
	MinConfidence:       0.55,
}

func TestDrawdownBreakerHaltsAndRecovers(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewState(10000, now)

	// 22% below peak crosses the 20% threshold.
	s.UpdateEquity(7800, now.Add(time.Minute), testLimits)
	if !s.Halted() {
		t.Fatalf("expected halt at %.1f%% drawdown", s.DrawdownPct())
	}

	// Partial recovery to 15% drawdown is not enough to clear.
	s.UpdateEquity(8500, now.Add(2*time.Minute), testLimits)
	if !s.Halted() {
		t.Errorf("halt must persist until drawdown falls below recovery threshold")
	}

	// Recovery to 8% drawdown clears the breaker.
	s.UpdateEquity(9200, now.Add(3*time.Minute), testLimits)
	if s.Halted() {
		t.Errorf("expected halt cleared at %.1f%% drawdown", s.DrawdownPct())
	}
}

func TestDrawdownTracksRunningPeak(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewState(10000, now)

	s.UpdateEquity(12000, now.Add(time.Minute), testLimits)
	if got := s.PeakEquity(); got != 12000 {
		t.Fatalf("peak equity: got %v want 12000", got)
	}

	// 19% below the new peak: under the threshold even though equity is
	// below the initial 10000 marks' 20% line would suggest otherwise.
	s.UpdateEquity(9720, now.Add(2*time.Minute), testLimits)
	if s.Halted() {
		t.Errorf("19%% drawdown from peak must not halt, got %.2f%%", s.DrawdownPct())
	}
}

func TestDailyLossBreakerClearsOnNewUTCDay(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewState(10000, now)

	// 12% intraday loss crosses the 10% daily limit; 12% drawdown stays
	// under the 20% drawdown limit, so only the daily breaker holds.
	s.UpdateEquity(8800, now.Add(time.Hour), testLimits)
	if !s.Halted() {
		t.Fatalf("expected daily-loss halt at %.1f%% loss", s.DailyLossPct())
	}
	breakers := s.HaltedBreakers()
	if len(breakers) != 1 || breakers[0] != BreakerDailyLoss {
		t.Fatalf("expected only daily_loss breaker, got %v", breakers)
	}

	// Same equity after the UTC day boundary: baseline resets, halt clears.
	nextDay := time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC)
	s.UpdateEquity(8800, nextDay, testLimits)
	if s.Halted() {
		t.Errorf("daily-loss halt must clear on the new UTC day")
	}
	if got := s.DailyLossPct(); got != 0 {
		t.Errorf("daily loss after reset: got %.2f%% want 0", got)
	}
}

func TestBothBreakersIndependent(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewState(10000, now)

	// 25% loss trips both breakers.
	s.UpdateEquity(7500, now.Add(time.Hour), testLimits)
	if got := len(s.HaltedBreakers()); got != 2 {
		t.Fatalf("expected both breakers, got %v", s.HaltedBreakers())
	}

	// Next UTC day clears daily loss; drawdown still holds.
	nextDay := time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC)
	s.UpdateEquity(7500, nextDay, testLimits)
	if !s.Halted() {
		t.Fatalf("drawdown breaker must survive the day boundary")
	}
	breakers := s.HaltedBreakers()
	if len(breakers) != 1 || breakers[0] != BreakerDrawdown {
		t.Errorf("expected only drawdown breaker, got %v", breakers)
	}
}

func TestDrawdownFloorsAtZero(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewState(10000, now)
	s.UpdateEquity(11000, now.Add(time.Minute), testLimits)

	if got := s.DrawdownPct(); got != 0 {
		t.Errorf("gains must report zero drawdown, got %.2f%%", got)
	}
	if got := s.DailyLossPct(); got != 0 {
		t.Errorf("gains must report zero daily loss, got %.2f%%", got)
	}
}
