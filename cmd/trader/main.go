package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perpdesk/perp-trader/internal/alerts"
	"github.com/perpdesk/perp-trader/internal/archive"
	"github.com/perpdesk/perp-trader/internal/config"
	"github.com/perpdesk/perp-trader/internal/exec"
	"github.com/perpdesk/perp-trader/internal/market"
	"github.com/perpdesk/perp-trader/internal/observ"
	"github.com/perpdesk/perp-trader/internal/oracle"
	"github.com/perpdesk/perp-trader/internal/plan"
	"github.com/perpdesk/perp-trader/internal/position"
	"github.com/perpdesk/perp-trader/internal/risk"
)

// A scripted all-HOLD plan keeps sim mode runnable without an oracle
// endpoint configured.
const holdPlan = `{"timestamp":"","market_view":"no oracle configured","candidates":[{"symbol":"BTC","action":"HOLD"}]}`

type app struct {
	cfg      config.Root
	allowed  map[string]bool
	provider market.Provider
	client   oracle.Client
	history  *oracle.History
	exchange exec.Exchange
	store    *position.Store
	monitor  *position.Monitor
	engine   *exec.Engine
	riskMgr  *risk.Manager
	riskSt   *risk.State
	notifier *alerts.Notifier
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	oneshot := flag.Bool("oneshot", false, "run a single cycle and exit")
	cycles := flag.Int("cycles", 0, "stop after N cycles (0 = run until signalled)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	observ.Log("startup", map[string]any{
		"mode": cfg.Mode, "provider": cfg.Market.Provider,
		"symbols": cfg.Symbols, "cycle_interval_s": cfg.CycleIntervalSecs,
	})

	a, err := wire(cfg)
	if err != nil {
		observ.Log("startup_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("http_server_failed", map[string]any{"error": err.Error()})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if *oneshot {
		a.runCycle(ctx)
		return
	}

	// One serialized worker: each cycle runs to completion before the next
	// starts, and shutdown waits for the cycle in flight.
	ticker := time.NewTicker(time.Duration(cfg.CycleIntervalSecs) * time.Second)
	defer ticker.Stop()

	ran := 0
	a.runCycle(ctx)
	ran++
	for *cycles == 0 || ran < *cycles {
		select {
		case <-ctx.Done():
			observ.Log("shutdown", map[string]any{"reason": "signal", "cycles_run": ran})
			return
		case <-ticker.C:
			a.runCycle(ctx)
			ran++
		}
	}
	observ.Log("shutdown", map[string]any{"reason": "cycle_limit", "cycles_run": ran})
}

func wire(cfg config.Root) (*app, error) {
	allowed := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		allowed[s] = true
	}

	var provider market.Provider
	switch cfg.Market.Provider {
	case "binance":
		provider = market.NewBinanceProvider(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"))
	default:
		provider = market.NewSimProvider()
	}

	var client oracle.Client
	if cfg.Oracle.BaseURL != "" {
		client = oracle.NewHTTPClient(
			cfg.Oracle.BaseURL, cfg.Oracle.Model,
			os.Getenv(cfg.Oracle.APIKeyEnv),
			time.Duration(cfg.Oracle.TimeoutMs)*time.Millisecond,
		)
	} else {
		client = oracle.NewScriptedClient(holdPlan)
	}

	var exchange exec.Exchange
	if cfg.Mode == "live" {
		exchange = exec.NewBinanceExchange(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"))
	} else {
		exchange = exec.NewSimExchange(cfg.InitialEquityUSD)
	}

	var recorder archive.Recorder
	if dsn := os.Getenv(cfg.Archive.PostgresDSNEnv); dsn != "" {
		r, err := archive.NewGormRecorder(dsn)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		recorder = r
	} else {
		r, err := archive.NewJSONLRecorder(cfg.Archive.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		recorder = r
	}

	store, err := position.NewStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("position store: %w", err)
	}
	monitor := position.NewMonitor(store, recorder, allowed)

	ledger, err := exec.NewLedger(cfg.Exec.LedgerPath, cfg.Exec.DedupeWindowSecs)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	limits := risk.Limits{
		MinLeverage:         cfg.Risk.MinLeverage,
		MaxLeverage:         cfg.Risk.MaxLeverage,
		MinPositionPct:      cfg.Risk.MinPositionPct,
		MaxPositionPct:      cfg.Risk.MaxPositionPct,
		MaxTotalExposurePct: cfg.Risk.MaxTotalExposurePct,
		MaxDrawdownPct:      cfg.Risk.MaxDrawdownPct,
		RecoveryDrawdownPct: cfg.Risk.RecoveryDrawdownPct,
		MaxDailyLossPct:     cfg.Risk.MaxDailyLossPct,
		StopLossPct:         cfg.Risk.StopLossPct,
		TakeProfitPct:       cfg.Risk.TakeProfitPct,
		MinConfidence:       cfg.Oracle.MinConfidence,
	}

	engine := exec.NewEngine(exchange, ledger, store, monitor, limits, exec.Config{
		MaxRetries:    cfg.Exec.MaxRetries,
		BackoffBase:   time.Duration(cfg.Exec.BackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Exec.BackoffMaxMs) * time.Millisecond,
		CycleInterval: time.Duration(cfg.CycleIntervalSecs) * time.Second,
	})

	notifier := alerts.NewNotifier(cfg.Alerts.Enabled, os.Getenv(cfg.Alerts.WebhookURLEnv), cfg.Alerts.Channel)

	return &app{
		cfg:      cfg,
		allowed:  allowed,
		provider: provider,
		client:   client,
		history:  oracle.NewHistory(cfg.Oracle.HistoryDepth),
		exchange: exchange,
		store:    store,
		monitor:  monitor,
		engine:   engine,
		riskMgr:  risk.NewManager(limits),
		riskSt:   risk.NewState(cfg.InitialEquityUSD, time.Now().UTC()),
		notifier: notifier,
	}, nil
}

// runCycle is the whole pipeline for one tick. Any stage failing closes
// the cycle for new entries; closes and reconciliation still run where
// possible.
func (a *app) runCycle(ctx context.Context) {
	start := time.Now()
	now := start.UTC()
	defer func() { observ.ObserveCycle(time.Since(start).Seconds()) }()

	equity, err := a.exchange.Equity(ctx)
	if err != nil {
		observ.Log("cycle_aborted", map[string]any{"stage": "equity", "error": err.Error()})
		return
	}
	wasHalted := a.riskSt.Halted()
	a.riskSt.UpdateEquity(equity, now, a.riskMgr.Limits())
	if a.riskSt.Halted() && !wasHalted {
		a.notifier.Notify("trading_halted", map[string]string{
			"breakers": fmt.Sprint(a.riskSt.HaltedBreakers()),
			"equity":   fmt.Sprintf("%.2f", equity),
		})
	}

	if err := a.monitor.Reconcile(ctx, a.exchange); err != nil {
		observ.Log("reconcile_failed", map[string]any{"error": err.Error()})
	}

	filtered := market.Filter(ctx, a.provider, a.cfg.Symbols, a.allowed, a.cfg.Market.MaxStalenessMs)
	if len(filtered.Available) == 0 {
		observ.Log("cycle_aborted", map[string]any{"stage": "filter", "reason": "no_available_symbols"})
		return
	}

	// Protective triggers fire regardless of what the oracle says.
	decisions := a.monitor.CheckTriggers(filtered.Available)

	raw, err := a.proposePlan(ctx, filtered, equity)
	if err != nil {
		observ.Log("oracle_failed", map[string]any{"error": err.Error()})
	} else if p, perr := plan.Extract(raw); perr != nil {
		observ.Log("plan_rejected", map[string]any{"error": perr.Error()})
	} else {
		valid, drops := plan.Validate(p, a.allowed, filtered)
		observ.Log("plan_validated", map[string]any{
			"candidates": len(p.Candidates), "valid": len(valid), "dropped": len(drops),
		})
		bySymbol, total := a.store.Exposure()
		approved := a.riskMgr.Apply(valid, risk.Exposure{BySymbolUSD: bySymbol, TotalUSD: total}, a.riskSt, filtered.Available)
		decisions = append(decisions, approved...)
		a.history.Add(fmt.Sprintf("%s: %d candidates, %d approved, view: %s",
			now.Format(time.RFC3339), len(p.Candidates), len(approved), p.MarketView))
	}

	reports := a.engine.Execute(ctx, now, decisions, filtered.Available, equity)
	for _, rep := range reports {
		if rep.Err != nil {
			a.notifier.Notify("execution_failed", map[string]string{
				"symbol": rep.Symbol, "action": rep.Action, "error": rep.Err.Error(),
			})
		}
		if rep.ProtectionIncomplete {
			a.notifier.Notify("protection_incomplete", map[string]string{"symbol": rep.Symbol})
		}
	}
}

func (a *app) proposePlan(ctx context.Context, filtered market.FilterResult, equity float64) (string, error) {
	var positions []oracle.PositionSummary
	for _, p := range a.store.Open() {
		mark := p.EntryPrice
		if snap, ok := filtered.Available[p.Symbol]; ok {
			mark = snap.MarkPrice
		}
		positions = append(positions, oracle.PositionSummary{
			Symbol: p.Symbol, Side: p.Side, SizeUSD: p.SizeUSD, Leverage: p.Leverage,
			EntryPrice: p.EntryPrice, MarkPrice: mark, PnLUSD: p.UnrealizedPnL(mark),
		})
	}

	limits := a.riskMgr.Limits()
	req := oracle.Request{
		CycleTime: time.Now().UTC(),
		Snapshots: filtered.Available,
		Positions: positions,
		Risk: oracle.RiskSummary{
			EquityUSD:        equity,
			DrawdownPct:      a.riskSt.DrawdownPct(),
			DailyLossPct:     a.riskSt.DailyLossPct(),
			TradingHalted:    a.riskSt.Halted(),
			MaxPositionPct:   limits.MaxPositionPct,
			MaxTotalExposure: limits.MaxTotalExposurePct,
			MaxLeverage:      limits.MaxLeverage,
		},
		PlanHistory: a.history.Entries(),
	}

	start := time.Now()
	raw, err := a.client.ProposePlan(ctx, req)
	observ.ObserveOracle(time.Since(start).Seconds())
	return raw, err
}

func (a *app) shutdown() {
	a.notifier.Close()
	_ = a.provider.Close()
	_ = a.exchange.Close()
}
