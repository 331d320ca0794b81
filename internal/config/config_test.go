package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
symbols: [btc, eth]
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if c.Mode != "sim" {
		t.Errorf("mode: got %q want sim", c.Mode)
	}
	if c.CycleIntervalSecs != 180 {
		t.Errorf("cycle interval: got %d want 180", c.CycleIntervalSecs)
	}
	if c.Symbols[0] != "BTC" || c.Symbols[1] != "ETH" {
		t.Errorf("symbols not uppercased: %v", c.Symbols)
	}
	if c.Risk.MaxPositionPct != 0.40 {
		t.Errorf("max_position_pct default: got %v", c.Risk.MaxPositionPct)
	}
	if c.Risk.MaxDrawdownPct != 20 || c.Risk.RecoveryDrawdownPct != 10 {
		t.Errorf("drawdown defaults: got %v/%v", c.Risk.MaxDrawdownPct, c.Risk.RecoveryDrawdownPct)
	}
	if c.Exec.MaxRetries != 3 {
		t.Errorf("max_retries default: got %d", c.Exec.MaxRetries)
	}
	if c.Market.Provider != "sim" {
		t.Errorf("provider default: got %q", c.Market.Provider)
	}
	if c.Oracle.MinConfidence != 0.55 {
		t.Errorf("min_confidence default: got %v", c.Oracle.MinConfidence)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
mode: live
cycle_interval_seconds: 60
symbols: [BTC, ETH, SOL, BNB, XRP, DOGE]
market:
  provider: binance
risk:
  max_position_pct: 0.25
  max_leverage: 5
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Mode != "live" || c.CycleIntervalSecs != 60 {
		t.Errorf("explicit root values lost: %+v", c)
	}
	if c.Risk.MaxPositionPct != 0.25 || c.Risk.MaxLeverage != 5 {
		t.Errorf("explicit risk values lost: %+v", c.Risk)
	}
	// Untouched siblings still get defaults.
	if c.Risk.MaxDrawdownPct != 20 {
		t.Errorf("sibling default lost: got %v", c.Risk.MaxDrawdownPct)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"empty whitelist", `mode: sim`},
		{"blank symbol entry", "symbols: [BTC, '']"},
		{"duplicate symbol", `symbols: [BTC, btc]`},
		{"unknown mode", "mode: paper\nsymbols: [BTC]"},
		{"inverted leverage", "symbols: [BTC]\nrisk:\n  min_leverage: 5\n  max_leverage: 2"},
		{"per-symbol cap above total", "symbols: [BTC]\nrisk:\n  max_position_pct: 0.8\n  max_total_exposure_pct: 0.5"},
		{"recovery above drawdown limit", "symbols: [BTC]\nrisk:\n  max_drawdown_pct: 10\n  recovery_drawdown_pct: 15"},
		{"unknown provider", "symbols: [BTC]\nmarket:\n  provider: kraken"},
		{"live mode on sim provider", "mode: live\nsymbols: [BTC]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	c, err := Load(writeConfig(t, `symbols: [BTC]`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	t.Setenv("TRADING_MODE", "live")
	t.Setenv("CYCLE_INTERVAL_SECONDS", "30")
	c.ApplyEnvOverrides()

	if c.Mode != "live" {
		t.Errorf("mode override: got %q", c.Mode)
	}
	if c.CycleIntervalSecs != 30 {
		t.Errorf("interval override: got %d", c.CycleIntervalSecs)
	}

	t.Setenv("TRADING_MODE", "bogus")
	t.Setenv("CYCLE_INTERVAL_SECONDS", "-5")
	c.ApplyEnvOverrides()
	if c.Mode != "live" || c.CycleIntervalSecs != 30 {
		t.Errorf("invalid overrides must be ignored, got %q/%d", c.Mode, c.CycleIntervalSecs)
	}
}
