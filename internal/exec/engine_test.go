package exec

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perp-trader/internal/archive"
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/plan"
	"github.com/perpdesk/perp-trader/internal/position"
	"github.com/perpdesk/perp-trader/internal/risk"
)

var engineLimits = risk.Limits{
	MinLeverage: 1, MaxLeverage: 10,
	MinPositionPct: 0.01, MaxPositionPct: 0.40, MaxTotalExposurePct: 1.0,
	MaxDrawdownPct: 20, RecoveryDrawdownPct: 10, MaxDailyLossPct: 10,
	StopLossPct: 3, TakeProfitPct: 8, MinConfidence: 0.55,
}

type captureRecorder struct {
	mu     sync.Mutex
	trades []archive.ClosedTrade
}

func (r *captureRecorder) Record(t archive.ClosedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *captureRecorder) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *SimExchange, *position.Store, *captureRecorder) {
	t.Helper()
	dir := t.TempDir()

	store, err := position.NewStore(filepath.Join(dir, "positions.json"))
	require.NoError(t, err)
	ledger, err := NewLedger(filepath.Join(dir, "orders.jsonl"), 300)
	require.NoError(t, err)

	rec := &captureRecorder{}
	ex := NewSimExchange(10000)
	monitor := position.NewMonitor(store, rec, map[string]bool{"BTC": true, "ETH": true})
	engine := NewEngine(ex, ledger, store, monitor, engineLimits, Config{
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
		CycleInterval: 3 * time.Minute,
	})
	return engine, ex, store, rec
}

func btcSnaps() map[string]*market.Snapshot {
	return map[string]*market.Snapshot{
		"BTC": {Symbol: "BTC", MarkPrice: 65000, ContractActive: true},
	}
}

func btcOpen() plan.Decision {
	return plan.Decision{
		Symbol: "BTC", Action: plan.ActionOpen, Direction: plan.DirectionLong,
		StopLoss: 63000, TakeProfit: 70000,
		Position: plan.Sizing{SizePct: 0.2, LeverageHint: 3}, Confidence: 0.7,
	}
}

func TestOpenFillsAndPlacesBrackets(t *testing.T) {
	engine, ex, store, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reports := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	rep := reports[0]
	require.NoError(t, rep.Err)
	assert.Equal(t, StateMonitoring, rep.State)
	assert.False(t, rep.ProtectionIncomplete)

	pos, ok := store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, position.StateMonitoring, pos.State)
	assert.Equal(t, plan.DirectionLong, pos.Side)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)
	assert.Equal(t, 63000.0, pos.StopLoss)

	assert.Equal(t, 1, ex.AcceptedCount("BTC", OrderTypeMarket))
	assert.Equal(t, 1, ex.AcceptedCount("BTC", OrderTypeStopMarket))
	assert.Equal(t, 1, ex.AcceptedCount("BTC", OrderTypeTakeProfitMarket))
	assert.Equal(t, 2, ex.OpenOrderCount())
}

func TestTransientTimeoutsRetriedToSingleOrder(t *testing.T) {
	engine, ex, store, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Times out twice, succeeds on the third attempt. Exactly one entry
	// order must reach the exchange.
	ex.FailNext("BTC",
		NewTimeoutError("BTC", "submit timed out"),
		NewTimeoutError("BTC", "submit timed out"),
	)

	reports := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	require.NoError(t, reports[0].Err)
	assert.Equal(t, StateMonitoring, reports[0].State)

	assert.Equal(t, 1, ex.AcceptedCount("BTC", OrderTypeMarket))
	_, ok := store.Get("BTC")
	assert.True(t, ok)
}

func TestRetryExhaustionFails(t *testing.T) {
	engine, ex, store, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// MaxRetries is 3, so 4 attempts; queue one more failure than that.
	ex.FailNext("BTC",
		NewTimeoutError("BTC", "t1"), NewTimeoutError("BTC", "t2"),
		NewTimeoutError("BTC", "t3"), NewTimeoutError("BTC", "t4"),
	)

	reports := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	assert.Equal(t, StateFailed, reports[0].State)
	assert.Error(t, reports[0].Err)

	assert.Equal(t, 0, ex.AcceptedCount("BTC", OrderTypeMarket))
	_, ok := store.Get("BTC")
	assert.False(t, ok, "no position without a fill")
}

func TestRejectionIsNotRetried(t *testing.T) {
	engine, ex, _, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ex.FailNext("BTC", NewRejectedError("BTC", "margin insufficient", nil))

	reports := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	assert.Equal(t, StateRejected, reports[0].State)
	assert.Equal(t, 0, ex.AcceptedCount("BTC", OrderTypeMarket))
}

func TestDuplicateSubmissionSuppressedWithinCycle(t *testing.T) {
	engine, ex, _, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.NoError(t, first[0].Err)

	// Same cycle bucket, same symbol, same action: must not resubmit.
	again := engine.Execute(context.Background(), cycle.Add(10*time.Second), []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, again, 1)
	assert.Equal(t, StateSubmitted, again[0].State)
	assert.Equal(t, 1, ex.AcceptedCount("BTC", OrderTypeMarket))
}

func TestIdempotencyKeyChangesAcrossCycles(t *testing.T) {
	interval := 3 * time.Minute
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	same := IdempotencyKey(base.Add(5*time.Second), interval, "BTC", plan.ActionOpen)
	assert.Equal(t, IdempotencyKey(base, interval, "BTC", plan.ActionOpen), same)

	next := IdempotencyKey(base.Add(interval), interval, "BTC", plan.ActionOpen)
	assert.NotEqual(t, same, next)

	otherAction := IdempotencyKey(base, interval, "BTC", plan.ActionClose)
	assert.NotEqual(t, same, otherAction)
}

func TestBracketFailureFlagsProtectionIncomplete(t *testing.T) {
	engine, ex, store, _ := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Entry succeeds, then the stop order exhausts all four attempts;
	// the take profit goes through.
	ex.FailNext("BTC",
		nil,
		NewTimeoutError("BTC", "t1"), NewTimeoutError("BTC", "t2"),
		NewTimeoutError("BTC", "t3"), NewTimeoutError("BTC", "t4"),
	)

	reports := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].ProtectionIncomplete)

	pos, ok := store.Get("BTC")
	require.True(t, ok, "fill is never unwound on bracket failure")
	assert.True(t, pos.ProtectionIncomplete)
	assert.Empty(t, pos.StopOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)
}

func TestCloseCancelsProtectionAndArchives(t *testing.T) {
	engine, ex, store, rec := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	opened := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.NoError(t, opened[0].Err)
	require.Equal(t, 2, ex.OpenOrderCount())

	closeDecision := plan.Decision{Symbol: "BTC", Action: plan.ActionClose, Direction: plan.DirectionLong}
	reports := engine.Execute(context.Background(), cycle, []plan.Decision{closeDecision}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	require.NoError(t, reports[0].Err)
	assert.Equal(t, StateClosed, reports[0].State)

	_, ok := store.Get("BTC")
	assert.False(t, ok, "closed position leaves the store")
	assert.Equal(t, 0, ex.OpenOrderCount(), "protective orders cancelled before close")

	require.Len(t, rec.trades, 1)
	assert.Equal(t, position.CloseReasonOracle, rec.trades[0].CloseReason)
	assert.Equal(t, "BTC", rec.trades[0].Symbol)
}

func TestForcedCloseCarriesTriggerReason(t *testing.T) {
	engine, _, _, rec := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	opened := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.NoError(t, opened[0].Err)

	forced := plan.Decision{
		Symbol: "BTC", Action: plan.ActionClose, Direction: plan.DirectionLong,
		Rationale: position.CloseReasonStopLoss,
	}
	reports := engine.Execute(context.Background(), cycle, []plan.Decision{forced}, btcSnaps(), 10000)
	require.NoError(t, reports[0].Err)

	require.Len(t, rec.trades, 1)
	assert.Equal(t, position.CloseReasonStopLoss, rec.trades[0].CloseReason)
}

func TestFailedCloseFlagsUnprotectedAndStaysRecloseable(t *testing.T) {
	engine, ex, store, rec := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	opened := engine.Execute(context.Background(), cycle, []plan.Decision{btcOpen()}, btcSnaps(), 10000)
	require.NoError(t, opened[0].Err)

	// The close submit exhausts every attempt after the brackets were
	// already cancelled.
	ex.FailNext("BTC",
		NewTimeoutError("BTC", "t1"), NewTimeoutError("BTC", "t2"),
		NewTimeoutError("BTC", "t3"), NewTimeoutError("BTC", "t4"),
	)
	closeDecision := plan.Decision{Symbol: "BTC", Action: plan.ActionClose, Direction: plan.DirectionLong}
	failed := engine.Execute(context.Background(), cycle, []plan.Decision{closeDecision}, btcSnaps(), 10000)
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.True(t, failed[0].ProtectionIncomplete)

	pos, ok := store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, position.StateClosing, pos.State)
	assert.True(t, pos.ProtectionIncomplete, "cancelled brackets must be visible on the position")
	assert.Empty(t, pos.StopOrderID)
	assert.Empty(t, pos.TakeProfitOrderID)

	// The next cycle's forced close finishes the job.
	forced := plan.Decision{
		Symbol: "BTC", Action: plan.ActionClose, Direction: plan.DirectionLong,
		Rationale: position.CloseReasonStopLoss,
	}
	done := engine.Execute(context.Background(), cycle.Add(3*time.Minute), []plan.Decision{forced}, btcSnaps(), 10000)
	require.Len(t, done, 1)
	require.NoError(t, done[0].Err)
	assert.Equal(t, StateClosed, done[0].State)

	_, ok = store.Get("BTC")
	assert.False(t, ok)
	require.Len(t, rec.trades, 1)
	assert.Equal(t, position.CloseReasonStopLoss, rec.trades[0].CloseReason)
}

func TestCloseWithoutPositionIsNoop(t *testing.T) {
	engine, ex, _, rec := newTestEngine(t)
	cycle := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	closeDecision := plan.Decision{Symbol: "ETH", Action: plan.ActionClose}
	reports := engine.Execute(context.Background(), cycle, []plan.Decision{closeDecision}, btcSnaps(), 10000)
	require.Len(t, reports, 1)
	assert.Equal(t, StateClosed, reports[0].State)
	assert.Empty(t, ex.AcceptedOrders())
	assert.Empty(t, rec.trades)
}

func TestLedgerDedupesOnlySubmittedRecords(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewLedger(filepath.Join(dir, "orders.jsonl"), 300)
	require.NoError(t, err)

	key := IdempotencyKey(time.Now(), 3*time.Minute, "BTC", plan.ActionOpen)

	// A failed attempt must not block a later retry cycle.
	require.NoError(t, ledger.Append(SubmissionRecord{IdempotencyKey: key, Symbol: "BTC", Status: StatusFailed}))
	dup, err := ledger.HasRecentSubmission(key)
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, ledger.Append(SubmissionRecord{IdempotencyKey: key, Symbol: "BTC", Status: StatusFilled}))
	dup, err = ledger.HasRecentSubmission(key)
	require.NoError(t, err)
	assert.True(t, dup)
}
