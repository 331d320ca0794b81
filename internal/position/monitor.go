package position

import (
	"context"

	"github.com/google/uuid"
	"github.com/perpdesk/perp-trader/internal/archive"
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/observ"
	"github.com/perpdesk/perp-trader/internal/plan"
)

// ExchangeView is the slice of exchange state reconciliation needs.
type ExchangeView interface {
	OpenPositions(ctx context.Context) ([]Position, error)
}

// Monitor reconciles the local store against the exchange and watches open
// positions for protective-level breaches independently of any resting
// orders, so a missed or unplaced bracket still leads to an exit.
type Monitor struct {
	store    *Store
	recorder archive.Recorder
	allowed  map[string]bool
}

func NewMonitor(store *Store, recorder archive.Recorder, allowed map[string]bool) *Monitor {
	return &Monitor{store: store, recorder: recorder, allowed: allowed}
}

// Reconcile aligns the store with exchange truth. Positions the exchange
// reports but we do not track are adopted; positions we track that the
// exchange no longer holds are closed out locally and archived.
func (m *Monitor) Reconcile(ctx context.Context, view ExchangeView) error {
	remote, err := view.OpenPositions(ctx)
	if err != nil {
		return err
	}

	remoteBySymbol := map[string]Position{}
	for _, rp := range remote {
		remoteBySymbol[rp.Symbol] = rp
	}

	for _, rp := range remote {
		// The store only ever holds whitelisted symbols. Anything else on
		// the account is someone else's trade; report it, do not manage it.
		if !m.allowed[rp.Symbol] {
			observ.Log("position_ignored", map[string]any{
				"symbol": rp.Symbol, "reason": "not_in_whitelist",
				"side": rp.Side, "size_usd": rp.SizeUSD,
			})
			continue
		}

		local, ok := m.store.Get(rp.Symbol)
		if !ok {
			adopted := rp
			if adopted.ID == "" {
				adopted.ID = uuid.NewString()
			}
			adopted.State = StateMonitoring
			// An adopted position has no bracket we know of.
			adopted.ProtectionIncomplete = true
			if err := m.store.Upsert(&adopted); err != nil {
				return err
			}
			observ.Log("position_adopted", map[string]any{
				"symbol": rp.Symbol, "side": rp.Side, "size_usd": rp.SizeUSD, "entry_price": rp.EntryPrice,
			})
			continue
		}

		if local.SizeUSD != rp.SizeUSD || local.EntryPrice != rp.EntryPrice {
			observ.Log("position_reconciled", map[string]any{
				"symbol":         rp.Symbol,
				"local_size_usd": local.SizeUSD, "exchange_size_usd": rp.SizeUSD,
				"local_entry":    local.EntryPrice, "exchange_entry": rp.EntryPrice,
			})
			local.SizeUSD = rp.SizeUSD
			local.Quantity = rp.Quantity
			local.EntryPrice = rp.EntryPrice
			if err := m.store.Upsert(&local); err != nil {
				return err
			}
		}
	}

	for _, local := range m.store.Open() {
		if _, ok := remoteBySymbol[local.Symbol]; ok {
			continue
		}
		local.State = StateClosed
		local.CloseReason = CloseReasonReconciled
		m.archive(local)
		observ.Log("position_closed", map[string]any{
			"symbol": local.Symbol, "reason": CloseReasonReconciled, "size_usd": local.SizeUSD,
		})
		observ.IncPositionClosed(CloseReasonReconciled)
		if err := m.store.Remove(local.Symbol); err != nil {
			return err
		}
	}

	observ.SetPositionsOpen(len(m.store.Open()))
	return nil
}

// CheckTriggers compares open positions against current marks and returns
// forced CLOSE decisions for breached stops and targets. The returned
// decisions carry the trigger in Rationale so execution can attribute the
// close. Symbols without a snapshot this cycle are left alone.
//
// CLOSING positions are checked too: a failed close attempt has already
// cancelled the resting brackets, so this re-emit is the only protection
// left until the close finally lands.
func (m *Monitor) CheckTriggers(snaps map[string]*market.Snapshot) []plan.Decision {
	var forced []plan.Decision

	for _, p := range m.store.Open() {
		if p.State != StateMonitoring && p.State != StateClosing {
			continue
		}
		snap, ok := snaps[p.Symbol]
		if !ok {
			continue
		}
		mark := snap.MarkPrice

		reason := ""
		if p.Side == "SHORT" {
			switch {
			case p.StopLoss > 0 && mark >= p.StopLoss:
				reason = CloseReasonStopLoss
			case p.TakeProfit > 0 && mark <= p.TakeProfit:
				reason = CloseReasonTakeProfit
			}
		} else {
			switch {
			case p.StopLoss > 0 && mark <= p.StopLoss:
				reason = CloseReasonStopLoss
			case p.TakeProfit > 0 && mark >= p.TakeProfit:
				reason = CloseReasonTakeProfit
			}
		}
		if reason == "" {
			continue
		}

		observ.Log("protective_trigger", map[string]any{
			"symbol": p.Symbol, "side": p.Side, "reason": reason,
			"mark_price": mark, "stop_loss": p.StopLoss, "take_profit": p.TakeProfit,
		})
		forced = append(forced, plan.Decision{
			Symbol:    p.Symbol,
			Action:    plan.ActionClose,
			Direction: p.Side,
			Rationale: reason,
		})
	}

	return forced
}

// ArchiveClosed records a finished round trip.
func (m *Monitor) ArchiveClosed(p Position) {
	m.archive(p)
}

func (m *Monitor) archive(p Position) {
	t := archive.ClosedTrade{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		SizeUSD:        p.SizeUSD,
		Quantity:       p.Quantity,
		Leverage:       p.Leverage,
		EntryPrice:     p.EntryPrice,
		ExitPrice:      p.ExitPrice,
		RealizedPnLUSD: p.RealizedPnLUSD,
		CloseReason:    p.CloseReason,
		OpenedAt:       p.OpenedAt,
		ClosedAt:       p.ClosedAt,
	}
	if err := m.recorder.Record(t); err != nil {
		observ.Log("archive_failed", map[string]any{"symbol": p.Symbol, "error": err.Error()})
	}
}
