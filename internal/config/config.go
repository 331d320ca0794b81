package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Oracle struct {
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	APIKeyEnv     string  `yaml:"api_key_env"` // env var holding the key, never the key itself
	TimeoutMs     int     `yaml:"timeout_ms"`
	MinConfidence float64 `yaml:"min_confidence"`
	HistoryDepth  int     `yaml:"history_depth"`
}

type Risk struct {
	MinLeverage         float64 `yaml:"min_leverage"`
	MaxLeverage         float64 `yaml:"max_leverage"`
	MinPositionPct      float64 `yaml:"min_position_pct"`
	MaxPositionPct      float64 `yaml:"max_position_pct"`       // per-symbol cap, fraction of equity
	MaxTotalExposurePct float64 `yaml:"max_total_exposure_pct"` // sum across symbols
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct"`
	RecoveryDrawdownPct float64 `yaml:"recovery_drawdown_pct"` // drawdown halt clears below this
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
	StopLossPct         float64 `yaml:"stop_loss_pct"` // fallback protective distance
	TakeProfitPct       float64 `yaml:"take_profit_pct"`
}

type Exec struct {
	MaxRetries       int    `yaml:"max_retries"`
	BackoffBaseMs    int    `yaml:"backoff_base_ms"`
	BackoffMaxMs     int    `yaml:"backoff_max_ms"`
	OrderTimeoutMs   int    `yaml:"order_timeout_ms"`
	LedgerPath       string `yaml:"ledger_path"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Market struct {
	Provider       string `yaml:"provider"` // sim | binance
	MaxStalenessMs int64  `yaml:"max_staleness_ms"`
}

type Archive struct {
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`
	JSONLPath      string `yaml:"jsonl_path"`
}

type Alerts struct {
	Enabled       bool   `yaml:"enabled"`
	WebhookURLEnv string `yaml:"webhook_url_env"`
	Channel       string `yaml:"channel"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Mode              string   `yaml:"mode"` // sim | live
	CycleIntervalSecs int      `yaml:"cycle_interval_seconds"`
	Symbols           []string `yaml:"symbols"` // tradable universe, uppercase
	InitialEquityUSD  float64  `yaml:"initial_equity_usd"`
	Oracle            Oracle   `yaml:"oracle"`
	Risk              Risk     `yaml:"risk"`
	Exec              Exec     `yaml:"exec"`
	Market            Market   `yaml:"market"`
	Archive           Archive  `yaml:"archive"`
	Alerts            Alerts   `yaml:"alerts"`
	Server            Server   `yaml:"server"`
	StatePath         string   `yaml:"state_path"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Mode == "" {
		c.Mode = "sim"
	}
	if c.CycleIntervalSecs == 0 {
		c.CycleIntervalSecs = 180
	}
	if c.InitialEquityUSD == 0 {
		c.InitialEquityUSD = 10000
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if c.Oracle.TimeoutMs == 0 {
		c.Oracle.TimeoutMs = 60000
	}
	if c.Oracle.MinConfidence == 0 {
		c.Oracle.MinConfidence = 0.55
	}
	if c.Oracle.HistoryDepth == 0 {
		c.Oracle.HistoryDepth = 5
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = "ORACLE_API_KEY"
	}

	if c.Risk.MinLeverage == 0 {
		c.Risk.MinLeverage = 1
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 10
	}
	if c.Risk.MinPositionPct == 0 {
		c.Risk.MinPositionPct = 0.01
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.40
	}
	if c.Risk.MaxTotalExposurePct == 0 {
		c.Risk.MaxTotalExposurePct = 1.0
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 20
	}
	if c.Risk.RecoveryDrawdownPct == 0 {
		c.Risk.RecoveryDrawdownPct = 10
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 10
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 3
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = 8
	}

	if c.Exec.MaxRetries == 0 {
		c.Exec.MaxRetries = 3
	}
	if c.Exec.BackoffBaseMs == 0 {
		c.Exec.BackoffBaseMs = 200
	}
	if c.Exec.BackoffMaxMs == 0 {
		c.Exec.BackoffMaxMs = 5000
	}
	if c.Exec.OrderTimeoutMs == 0 {
		c.Exec.OrderTimeoutMs = 10000
	}
	if c.Exec.LedgerPath == "" {
		c.Exec.LedgerPath = "data/orders.jsonl"
	}
	if c.Exec.DedupeWindowSecs == 0 {
		c.Exec.DedupeWindowSecs = 300
	}

	if c.Market.Provider == "" {
		c.Market.Provider = "sim"
	}
	if c.Market.MaxStalenessMs == 0 {
		c.Market.MaxStalenessMs = 10000
	}

	if c.Archive.JSONLPath == "" {
		c.Archive.JSONLPath = "data/closed_trades.jsonl"
	}
	if c.Archive.PostgresDSNEnv == "" {
		c.Archive.PostgresDSNEnv = "ARCHIVE_POSTGRES_DSN"
	}
	if c.Alerts.WebhookURLEnv == "" {
		c.Alerts.WebhookURLEnv = "SLACK_WEBHOOK_URL"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.StatePath == "" {
		c.StatePath = "data/positions.json"
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects configurations the pipeline cannot run safely with.
// An empty whitelist or inverted limits must stop startup, not trade.
func (c Root) Validate() error {
	if c.Mode != "sim" && c.Mode != "live" {
		return fmt.Errorf("mode must be sim or live, got %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols whitelist is empty")
	}
	seen := map[string]bool{}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("symbols whitelist contains an empty entry")
		}
		if seen[s] {
			return fmt.Errorf("duplicate symbol %s in whitelist", s)
		}
		seen[s] = true
	}
	if c.Risk.MinLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("min_leverage %.1f exceeds max_leverage %.1f", c.Risk.MinLeverage, c.Risk.MaxLeverage)
	}
	if c.Risk.MinPositionPct > c.Risk.MaxPositionPct {
		return fmt.Errorf("min_position_pct %.2f exceeds max_position_pct %.2f", c.Risk.MinPositionPct, c.Risk.MaxPositionPct)
	}
	if c.Risk.MaxPositionPct > c.Risk.MaxTotalExposurePct {
		return fmt.Errorf("max_position_pct %.2f exceeds max_total_exposure_pct %.2f", c.Risk.MaxPositionPct, c.Risk.MaxTotalExposurePct)
	}
	if c.Risk.RecoveryDrawdownPct >= c.Risk.MaxDrawdownPct {
		return fmt.Errorf("recovery_drawdown_pct %.1f must be below max_drawdown_pct %.1f", c.Risk.RecoveryDrawdownPct, c.Risk.MaxDrawdownPct)
	}
	if c.Market.Provider != "sim" && c.Market.Provider != "binance" {
		return fmt.Errorf("market provider must be sim or binance, got %q", c.Market.Provider)
	}
	if c.Mode == "live" && c.Market.Provider == "sim" {
		return fmt.Errorf("live mode requires a live market provider")
	}
	return nil
}

// ApplyEnvOverrides lets operators flip mode and halt without editing YAML.
func (c *Root) ApplyEnvOverrides() {
	if v := os.Getenv("TRADING_MODE"); v == "sim" || v == "live" {
		c.Mode = v
	}
	if v := os.Getenv("CYCLE_INTERVAL_SECONDS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.CycleIntervalSecs = n
		}
	}
}
