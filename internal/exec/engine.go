package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/observ"
	"github.com/perpdesk/perp-trader/internal/plan"
	"github.com/perpdesk/perp-trader/internal/position"
	"github.com/perpdesk/perp-trader/internal/risk"
)

// Submission states. Every transition is logged so a cycle's execution can
// be replayed from the event stream alone.
const (
	StateApproved        = "APPROVED"
	StateSubmitting      = "SUBMITTING"
	StateSubmitted       = "SUBMITTED"
	StateFilled          = "FILLED"
	StatePartiallyFilled = "PARTIALLY_FILLED"
	StateRejected        = "REJECTED"
	StateFailed          = "FAILED"
	StateMonitoring      = "MONITORING"
	StateClosing         = "CLOSING"
	StateClosed          = "CLOSED"
)

// Report summarizes the outcome of one decision's execution.
type Report struct {
	Symbol               string
	Action               string
	State                string
	IdempotencyKey       string
	OrderID              string
	FillPrice            float64
	ProtectionIncomplete bool
	Err                  error
}

// Config bounds the retry behavior.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CycleInterval time.Duration
}

// Engine drives approved decisions through submission, fill, bracket
// placement and close-out against one Exchange.
type Engine struct {
	ex      Exchange
	ledger  *Ledger
	store   *position.Store
	monitor *position.Monitor
	limits  risk.Limits
	cfg     Config
}

func NewEngine(ex Exchange, ledger *Ledger, store *position.Store, monitor *position.Monitor, limits risk.Limits, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 3 * time.Minute
	}
	return &Engine{ex: ex, ledger: ledger, store: store, monitor: monitor, limits: limits, cfg: cfg}
}

// IdempotencyKey is deterministic over (cycle bucket, symbol, action):
// retries inside one cycle reuse the key, the next cycle gets a new one.
func IdempotencyKey(cycleTime time.Time, interval time.Duration, symbol, action string) string {
	bucket := cycleTime.UTC().Truncate(interval).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(bucket + "|" + symbol + "|" + action))
	return hex.EncodeToString(sum[:])
}

// Execute runs every approved decision to a terminal state for this cycle.
// Decisions are processed serially; a failure on one symbol never blocks
// the rest.
func (e *Engine) Execute(ctx context.Context, cycleTime time.Time, decisions []plan.Decision, snaps map[string]*market.Snapshot, equity float64) []Report {
	reports := make([]Report, 0, len(decisions))
	for _, d := range decisions {
		var rep Report
		switch d.Action {
		case plan.ActionOpen:
			rep = e.executeOpen(ctx, cycleTime, d, snaps, equity)
		case plan.ActionClose:
			rep = e.executeClose(ctx, cycleTime, d, snaps)
		default:
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}

func (e *Engine) executeOpen(ctx context.Context, cycleTime time.Time, d plan.Decision, snaps map[string]*market.Snapshot, equity float64) Report {
	rep := Report{Symbol: d.Symbol, Action: d.Action, State: StateApproved}
	rep.IdempotencyKey = IdempotencyKey(cycleTime, e.cfg.CycleInterval, d.Symbol, d.Action)

	if dup, err := e.ledger.HasRecentSubmission(rep.IdempotencyKey); err != nil {
		rep.State, rep.Err = StateFailed, fmt.Errorf("ledger check: %w", err)
		return rep
	} else if dup {
		observ.Log("duplicate_order_suppressed", map[string]any{
			"symbol": d.Symbol, "action": d.Action, "idempotency_key": rep.IdempotencyKey,
		})
		rep.State = StateSubmitted
		return rep
	}

	snap, ok := snaps[d.Symbol]
	if !ok {
		rep.State, rep.Err = StateFailed, fmt.Errorf("no snapshot for %s", d.Symbol)
		return rep
	}

	notional := equity * d.Position.SizePct * d.Position.LeverageHint
	quantity := notional / snap.MarkPrice

	side := SideBuy
	if d.IsShort() {
		side = SideSell
	}
	ord := Order{
		LocalID:        uuid.NewString(),
		IdempotencyKey: rep.IdempotencyKey,
		Symbol:         d.Symbol,
		Side:           side,
		Type:           OrderTypeMarket,
		Quantity:       quantity,
		Price:          snap.MarkPrice,
	}

	e.transition(d.Symbol, StateApproved, StateSubmitting, rep.IdempotencyKey)
	_ = e.ledger.Append(SubmissionRecord{
		LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
		Symbol: d.Symbol, Action: d.Action, Status: StatusSubmitting,
	})

	res, err := e.submitWithRetry(ctx, ord)
	if err != nil {
		return e.failOpen(rep, d, ord, err)
	}
	e.transition(d.Symbol, StateSubmitting, StateSubmitted, rep.IdempotencyKey)

	fillState := StateFilled
	if res.Status == "PARTIALLY_FILLED" {
		fillState = StatePartiallyFilled
	}
	e.transition(d.Symbol, StateSubmitted, fillState, rep.IdempotencyKey)
	observ.IncOrderSubmitted(e.ex.Mode(), d.Action)
	_ = e.ledger.Append(SubmissionRecord{
		LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
		Symbol: d.Symbol, Action: d.Action, Status: StatusFilled,
	})

	fillPrice := res.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = snap.MarkPrice
	}
	filledQty := res.FilledQuantity
	if filledQty <= 0 {
		filledQty = quantity
	}

	pos := &position.Position{
		ID:           ord.LocalID,
		Symbol:       d.Symbol,
		Side:         d.Direction,
		SizeUSD:      filledQty * fillPrice,
		Quantity:     filledQty,
		Leverage:     d.Position.LeverageHint,
		EntryPrice:   fillPrice,
		StopLoss:     d.StopLoss,
		TakeProfit:   d.TakeProfit,
		State:        position.StateMonitoring,
		OpenedAt:     time.Now().UTC(),
		EntryOrderID: res.OrderID,
	}
	if pos.StopLoss <= 0 {
		pos.StopLoss = risk.DeriveStopLoss(d.Direction, fillPrice, e.limits)
	}
	if pos.TakeProfit <= 0 {
		pos.TakeProfit = risk.DeriveTakeProfit(d.Direction, fillPrice, e.limits)
	}

	rep.OrderID = res.OrderID
	rep.FillPrice = fillPrice
	rep.State = fillState

	e.placeBrackets(ctx, pos, &rep)

	e.transition(d.Symbol, rep.State, StateMonitoring, rep.IdempotencyKey)
	rep.State = StateMonitoring
	if err := e.store.Upsert(pos); err != nil {
		rep.Err = fmt.Errorf("persist position: %w", err)
	}
	observ.SetPositionsOpen(len(e.store.Open()))
	observ.Log("position_opened", map[string]any{
		"symbol": pos.Symbol, "side": pos.Side, "size_usd": pos.SizeUSD,
		"leverage": pos.Leverage, "entry_price": pos.EntryPrice,
		"stop_loss": pos.StopLoss, "take_profit": pos.TakeProfit,
		"protection_incomplete": pos.ProtectionIncomplete,
	})
	return rep
}

// placeBrackets submits the protective stop and target. A bracket failure
// never unwinds the fill; the position is flagged unprotected instead and
// the monitor's trigger check covers it until an operator intervenes.
func (e *Engine) placeBrackets(ctx context.Context, pos *position.Position, rep *Report) {
	exitSide := SideSell
	if pos.Side == plan.DirectionShort {
		exitSide = SideBuy
	}

	stop := Order{
		LocalID:    uuid.NewString(),
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Type:       OrderTypeStopMarket,
		Quantity:   pos.Quantity,
		Price:      pos.StopLoss,
		ReduceOnly: true,
	}
	if res, err := e.submitWithRetry(ctx, stop); err != nil {
		pos.ProtectionIncomplete = true
	} else {
		pos.StopOrderID = res.OrderID
	}

	tp := Order{
		LocalID:    uuid.NewString(),
		Symbol:     pos.Symbol,
		Side:       exitSide,
		Type:       OrderTypeTakeProfitMarket,
		Quantity:   pos.Quantity,
		Price:      pos.TakeProfit,
		ReduceOnly: true,
	}
	if res, err := e.submitWithRetry(ctx, tp); err != nil {
		pos.ProtectionIncomplete = true
	} else {
		pos.TakeProfitOrderID = res.OrderID
	}

	if pos.ProtectionIncomplete {
		rep.ProtectionIncomplete = true
		observ.IncProtectionIncomplete()
		observ.Log("protection_incomplete", map[string]any{
			"symbol": pos.Symbol, "stop_order_id": pos.StopOrderID, "take_profit_order_id": pos.TakeProfitOrderID,
		})
	}
}

func (e *Engine) failOpen(rep Report, d plan.Decision, ord Order, err error) Report {
	_ = e.ledger.Append(SubmissionRecord{
		LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
		Symbol: d.Symbol, Action: d.Action, Status: StatusFailed,
	})
	if ee, ok := err.(*ExecError); ok && ee.Type == "rejected" {
		e.transition(d.Symbol, StateSubmitting, StateRejected, rep.IdempotencyKey)
		rep.State = StateRejected
	} else {
		e.transition(d.Symbol, StateSubmitting, StateFailed, rep.IdempotencyKey)
		rep.State = StateFailed
	}
	rep.Err = err
	observ.IncExecutionFailure()
	observ.Log("execution_failed", map[string]any{
		"symbol": d.Symbol, "action": d.Action, "error": err.Error(),
		"idempotency_key": rep.IdempotencyKey,
	})
	return rep
}

func (e *Engine) executeClose(ctx context.Context, cycleTime time.Time, d plan.Decision, snaps map[string]*market.Snapshot) Report {
	rep := Report{Symbol: d.Symbol, Action: d.Action, State: StateApproved}
	rep.IdempotencyKey = IdempotencyKey(cycleTime, e.cfg.CycleInterval, d.Symbol, d.Action)

	pos, ok := e.store.Get(d.Symbol)
	if !ok {
		observ.Log("close_skipped", map[string]any{"symbol": d.Symbol, "reason": "no_open_position"})
		rep.State = StateClosed
		return rep
	}

	if dup, err := e.ledger.HasRecentSubmission(rep.IdempotencyKey); err != nil {
		rep.State, rep.Err = StateFailed, fmt.Errorf("ledger check: %w", err)
		return rep
	} else if dup {
		observ.Log("duplicate_order_suppressed", map[string]any{
			"symbol": d.Symbol, "action": d.Action, "idempotency_key": rep.IdempotencyKey,
		})
		rep.State = StateSubmitted
		return rep
	}

	e.transition(d.Symbol, pos.State, StateClosing, rep.IdempotencyKey)
	pos.State = position.StateClosing
	if err := e.store.Upsert(&pos); err != nil {
		rep.State, rep.Err = StateFailed, err
		return rep
	}

	// Resting protective orders must not fire against a position that is
	// being closed; cancel before the reduce-only submit.
	for _, orderID := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if orderID == "" {
			continue
		}
		if err := e.ex.CancelOrder(ctx, pos.Symbol, orderID); err != nil {
			observ.Log("protective_cancel_failed", map[string]any{
				"symbol": pos.Symbol, "order_id": orderID, "error": err.Error(),
			})
		}
	}

	closeSide := SideSell
	if pos.Side == plan.DirectionShort {
		closeSide = SideBuy
	}
	refPrice := pos.EntryPrice
	if snap, ok := snaps[d.Symbol]; ok {
		refPrice = snap.MarkPrice
	}
	ord := Order{
		LocalID:        uuid.NewString(),
		IdempotencyKey: rep.IdempotencyKey,
		Symbol:         d.Symbol,
		Side:           closeSide,
		Type:           OrderTypeMarket,
		Quantity:       pos.Quantity,
		Price:          refPrice,
		ReduceOnly:     true,
	}
	_ = e.ledger.Append(SubmissionRecord{
		LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
		Symbol: d.Symbol, Action: d.Action, Status: StatusSubmitting,
	})

	res, err := e.submitWithRetry(ctx, ord)
	if err != nil {
		_ = e.ledger.Append(SubmissionRecord{
			LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
			Symbol: d.Symbol, Action: d.Action, Status: StatusFailed,
		})
		// The brackets are already cancelled, so the position sits in
		// CLOSING unprotected until the monitor's trigger check re-forces
		// the close. Flag it so that window is visible.
		pos.ProtectionIncomplete = true
		pos.StopOrderID = ""
		pos.TakeProfitOrderID = ""
		if uerr := e.store.Upsert(&pos); uerr != nil {
			observ.Log("position_persist_failed", map[string]any{"symbol": d.Symbol, "error": uerr.Error()})
		}
		observ.IncProtectionIncomplete()
		rep.State, rep.Err = StateFailed, err
		rep.ProtectionIncomplete = true
		observ.IncExecutionFailure()
		observ.Log("execution_failed", map[string]any{
			"symbol": d.Symbol, "action": d.Action, "error": err.Error(),
			"idempotency_key": rep.IdempotencyKey,
		})
		return rep
	}
	observ.IncOrderSubmitted(e.ex.Mode(), d.Action)
	_ = e.ledger.Append(SubmissionRecord{
		LocalID: ord.LocalID, IdempotencyKey: rep.IdempotencyKey,
		Symbol: d.Symbol, Action: d.Action, Status: StatusFilled,
	})

	exitPrice := res.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice = refPrice
	}
	pos.State = position.StateClosed
	pos.ExitPrice = exitPrice
	pos.RealizedPnLUSD = pos.UnrealizedPnL(exitPrice)
	pos.ClosedAt = time.Now().UTC()
	pos.CloseReason = closeReason(d)

	e.transition(d.Symbol, StateClosing, StateClosed, rep.IdempotencyKey)
	e.monitor.ArchiveClosed(pos)
	if err := e.store.Remove(d.Symbol); err != nil {
		rep.Err = err
	}
	observ.SetPositionsOpen(len(e.store.Open()))
	observ.IncPositionClosed(pos.CloseReason)
	observ.Log("position_closed", map[string]any{
		"symbol": pos.Symbol, "reason": pos.CloseReason, "exit_price": exitPrice,
		"realized_pnl_usd": pos.RealizedPnLUSD, "size_usd": pos.SizeUSD,
	})

	rep.OrderID = res.OrderID
	rep.FillPrice = exitPrice
	rep.State = StateClosed
	return rep
}

// closeReason attributes the close: forced closes from the monitor carry
// their trigger in Rationale, everything else came from the oracle.
func closeReason(d plan.Decision) string {
	switch d.Rationale {
	case position.CloseReasonStopLoss, position.CloseReasonTakeProfit:
		return d.Rationale
	}
	return position.CloseReasonOracle
}

// submitWithRetry retries transient failures with capped exponential
// backoff. Rejections return immediately.
func (e *Engine) submitWithRetry(ctx context.Context, ord Order) (OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		res, err := e.ex.SubmitOrder(ctx, ord)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == e.cfg.MaxRetries {
			break
		}

		wait := e.cfg.BackoffBase << uint(attempt)
		if wait > e.cfg.BackoffMax {
			wait = e.cfg.BackoffMax
		}
		observ.IncOrderRetry()
		observ.Log("order_retry", map[string]any{
			"symbol": ord.Symbol, "type": ord.Type, "attempt": attempt + 1,
			"backoff_ms": wait.Milliseconds(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return OrderResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return OrderResult{}, lastErr
}

func (e *Engine) transition(symbol, from, to, key string) {
	observ.Log("execution_state", map[string]any{
		"symbol": symbol, "from": from, "to": to, "idempotency_key": key,
	})
}
