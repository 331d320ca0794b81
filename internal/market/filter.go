package market

import (
	"context"
	"strings"

	"github.com/perpdesk/perp-trader/internal/observ"
)

// Skip reasons reported by the availability filter.
const (
	SkipNotAllowed          = "not_allowed"
	SkipNoPrice             = "no_price"
	SkipInvalidPrice        = "invalid_price"
	SkipContractUnavailable = "contract_unavailable"
)

// Skip records one symbol excluded from the cycle and why.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// FilterResult is what the rest of the cycle may act on: only symbols in
// Available are eligible for new entries this cycle.
type FilterResult struct {
	Available map[string]*Snapshot
	Skips     []Skip
}

// HasSymbol reports whether the symbol survived filtering.
func (r FilterResult) HasSymbol(symbol string) bool {
	_, ok := r.Available[strings.ToUpper(symbol)]
	return ok
}

// Filter fetches snapshots for the candidate symbols and partitions them
// into tradable and skipped. Missing or malformed data excludes a symbol
// for this cycle only; nothing is retried here, the next cycle refetches.
func Filter(ctx context.Context, provider Provider, candidates []string, allowed map[string]bool, maxStalenessMs int64) FilterResult {
	res := FilterResult{Available: make(map[string]*Snapshot)}

	for _, raw := range candidates {
		symbol := strings.ToUpper(strings.TrimSpace(raw))

		if !allowed[symbol] {
			res.skip(symbol, SkipNotAllowed, "")
			observ.Log("symbol_not_allowed", map[string]any{"symbol": symbol})
			continue
		}

		snap, err := provider.GetSnapshot(ctx, symbol)
		if err != nil {
			res.skip(symbol, SkipNoPrice, err.Error())
			observ.Log("price_fetch_failed", map[string]any{"symbol": symbol, "error": err.Error()})
			observ.Log("skip_unavailable_symbol", map[string]any{
				"symbol": symbol, "reason": SkipNoPrice, "detail": err.Error(),
			})
			continue
		}

		if err := ValidateSnapshot(snap); err != nil {
			res.skip(symbol, SkipInvalidPrice, err.Error())
			observ.Log("skip_unavailable_symbol", map[string]any{
				"symbol": symbol, "reason": SkipInvalidPrice, "detail": err.Error(),
			})
			continue
		}
		if snap.IsStale(maxStalenessMs) {
			res.skip(symbol, SkipInvalidPrice, "snapshot stale")
			observ.Log("skip_unavailable_symbol", map[string]any{
				"symbol": symbol, "reason": SkipInvalidPrice, "detail": "stale", "staleness_ms": snap.StalenessMs,
			})
			continue
		}

		if !snap.ContractActive {
			res.skip(symbol, SkipContractUnavailable, "")
			observ.Log("contract_unavailable", map[string]any{"symbol": symbol})
			continue
		}

		res.Available[symbol] = snap
	}

	return res
}

func (r *FilterResult) skip(symbol, reason, detail string) {
	r.Skips = append(r.Skips, Skip{Symbol: symbol, Reason: reason, Detail: detail})
	observ.IncSymbolSkipped(reason)
}
