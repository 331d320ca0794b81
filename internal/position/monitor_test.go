package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perp-trader/internal/archive"
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/plan"
)

type fakeView struct {
	positions []Position
}

func (f *fakeView) OpenPositions(ctx context.Context) ([]Position, error) {
	return f.positions, nil
}

type memRecorder struct {
	trades []archive.ClosedTrade
}

func (r *memRecorder) Record(t archive.ClosedTrade) error {
	r.trades = append(r.trades, t)
	return nil
}

func (r *memRecorder) Close() error { return nil }

var testAllowed = map[string]bool{"BTC": true, "ETH": true, "SOL": true}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	return store
}

func openBTC(store *Store, t *testing.T) Position {
	t.Helper()
	p := Position{
		ID: "p1", Symbol: "BTC", Side: "LONG",
		SizeUSD: 6000, Quantity: 0.0923, Leverage: 3,
		EntryPrice: 65000, StopLoss: 63000, TakeProfit: 70000,
		State: StateMonitoring, OpenedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(&p))
	return p
}

func TestReconcileAdoptsUnknownExchangePosition(t *testing.T) {
	store := newTestStore(t)
	rec := &memRecorder{}
	m := NewMonitor(store, rec, testAllowed)

	view := &fakeView{positions: []Position{{
		Symbol: "ETH", Side: "SHORT", SizeUSD: 3000, Quantity: 0.91, EntryPrice: 3300,
	}}}
	require.NoError(t, m.Reconcile(context.Background(), view))

	adopted, ok := store.Get("ETH")
	require.True(t, ok)
	assert.Equal(t, StateMonitoring, adopted.State)
	assert.True(t, adopted.ProtectionIncomplete, "adopted positions have no known bracket")
	assert.NotEmpty(t, adopted.ID)
}

func TestReconcileExchangeWinsOnDisagreement(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, &memRecorder{}, testAllowed)
	openBTC(store, t)

	// Exchange reports a partially reduced position.
	view := &fakeView{positions: []Position{{
		Symbol: "BTC", Side: "LONG", SizeUSD: 3000, Quantity: 0.046, EntryPrice: 65000,
	}}}
	require.NoError(t, m.Reconcile(context.Background(), view))

	local, ok := store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 3000.0, local.SizeUSD)
	assert.Equal(t, 0.046, local.Quantity)
}

func TestReconcileArchivesExternallyClosedPosition(t *testing.T) {
	store := newTestStore(t)
	rec := &memRecorder{}
	m := NewMonitor(store, rec, testAllowed)
	openBTC(store, t)

	require.NoError(t, m.Reconcile(context.Background(), &fakeView{}))

	_, ok := store.Get("BTC")
	assert.False(t, ok, "position absent on exchange must leave the store")
	require.Len(t, rec.trades, 1)
	assert.Equal(t, CloseReasonReconciled, rec.trades[0].CloseReason)
}

func TestCheckTriggers(t *testing.T) {
	testCases := []struct {
		name       string
		side       string
		stopLoss   float64
		takeProfit float64
		mark       float64
		wantReason string // empty = no trigger
	}{
		{"long stop breached", "LONG", 63000, 70000, 62500, CloseReasonStopLoss},
		{"long stop touched exactly", "LONG", 63000, 70000, 63000, CloseReasonStopLoss},
		{"long target reached", "LONG", 63000, 70000, 70500, CloseReasonTakeProfit},
		{"long in range", "LONG", 63000, 70000, 66000, ""},
		{"short stop breached", "SHORT", 67000, 60000, 67500, CloseReasonStopLoss},
		{"short target reached", "SHORT", 67000, 60000, 59800, CloseReasonTakeProfit},
		{"short in range", "SHORT", 67000, 60000, 64000, ""},
		{"no stop configured", "LONG", 0, 0, 1, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			m := NewMonitor(store, &memRecorder{}, testAllowed)
			p := Position{
				ID: "p1", Symbol: "BTC", Side: tc.side,
				SizeUSD: 6000, Quantity: 0.09, EntryPrice: 65000,
				StopLoss: tc.stopLoss, TakeProfit: tc.takeProfit,
				State: StateMonitoring,
			}
			require.NoError(t, store.Upsert(&p))

			forced := m.CheckTriggers(map[string]*market.Snapshot{
				"BTC": {Symbol: "BTC", MarkPrice: tc.mark, ContractActive: true},
			})

			if tc.wantReason == "" {
				assert.Empty(t, forced)
				return
			}
			require.Len(t, forced, 1)
			assert.Equal(t, plan.ActionClose, forced[0].Action)
			assert.Equal(t, tc.wantReason, forced[0].Rationale)
		})
	}
}

func TestReconcileIgnoresNonWhitelistPosition(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, &memRecorder{}, testAllowed)

	// A manual trade on the same account must never enter the store.
	view := &fakeView{positions: []Position{{
		Symbol: "DOT", Side: "LONG", SizeUSD: 900, Quantity: 150, EntryPrice: 6,
	}}}
	require.NoError(t, m.Reconcile(context.Background(), view))

	_, ok := store.Get("DOT")
	assert.False(t, ok)
	assert.Empty(t, store.Open())
}

func TestCheckTriggersCoversClosingPositions(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, &memRecorder{}, testAllowed)

	// A failed close leaves the position in CLOSING with its brackets
	// already cancelled; the trigger check is its only protection.
	p := Position{
		ID: "p1", Symbol: "BTC", Side: "LONG",
		SizeUSD: 6000, Quantity: 0.09, EntryPrice: 65000,
		StopLoss: 63000, TakeProfit: 70000,
		State: StateClosing, ProtectionIncomplete: true,
	}
	require.NoError(t, store.Upsert(&p))

	forced := m.CheckTriggers(map[string]*market.Snapshot{
		"BTC": {Symbol: "BTC", MarkPrice: 62000, ContractActive: true},
	})
	require.Len(t, forced, 1)
	assert.Equal(t, plan.ActionClose, forced[0].Action)
	assert.Equal(t, CloseReasonStopLoss, forced[0].Rationale)
}

func TestCheckTriggersSkipsSymbolsWithoutSnapshot(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, &memRecorder{}, testAllowed)
	openBTC(store, t)

	forced := m.CheckTriggers(map[string]*market.Snapshot{})
	assert.Empty(t, forced, "no snapshot means no trigger judgment this cycle")
}

func TestStoreSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	p := Position{ID: "p1", Symbol: "SOL", Side: "LONG", SizeUSD: 1500, Quantity: 10, EntryPrice: 150, State: StateMonitoring}
	require.NoError(t, store.Upsert(&p))

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("SOL")
	require.True(t, ok)
	assert.Equal(t, 1500.0, got.SizeUSD)

	bySymbol, total := reloaded.Exposure()
	assert.Equal(t, 1500.0, bySymbol["SOL"])
	assert.Equal(t, 1500.0, total)
}

func TestUnrealizedPnL(t *testing.T) {
	long := Position{Side: "LONG", Quantity: 2, EntryPrice: 100}
	assert.Equal(t, 40.0, long.UnrealizedPnL(120))
	assert.Equal(t, -30.0, long.UnrealizedPnL(85))

	short := Position{Side: "SHORT", Quantity: 2, EntryPrice: 100}
	assert.Equal(t, -40.0, short.UnrealizedPnL(120))
	assert.Equal(t, 30.0, short.UnrealizedPnL(85))
}
