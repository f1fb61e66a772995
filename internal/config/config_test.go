package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Detection.CartAbandonThreshold != 5*time.Minute {
		t.Fatalf("cart abandon threshold = %s", cfg.Detection.CartAbandonThreshold)
	}
	if cfg.Detection.InactivityThreshold != 24*time.Hour {
		t.Fatalf("inactivity threshold = %s", cfg.Detection.InactivityThreshold)
	}
	if cfg.Decision.ForcedRemovalThreshold != 3 {
		t.Fatalf("forced removal threshold = %d", cfg.Decision.ForcedRemovalThreshold)
	}
	if cfg.Trend.MinPoints != 3 || cfg.Trend.DropThreshold != 0.30 {
		t.Fatalf("trend defaults: %+v", cfg.Trend)
	}
	if cfg.Storage.FlushInterval != time.Minute {
		t.Fatalf("storage flush interval = %s", cfg.Storage.FlushInterval)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "cartwatch.yaml", `
log_level: debug
detection:
  removal_penalty_tier1: 15
decision:
  forced_removal_threshold: 5
outreach:
  default_destination: "+15551234567"
  do_not_call:
    - u99
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Detection.RemovalPenaltyTier1 != 15 {
		t.Fatalf("tier1 = %d", cfg.Detection.RemovalPenaltyTier1)
	}
	if cfg.Decision.ForcedRemovalThreshold != 5 {
		t.Fatalf("forced threshold = %d", cfg.Decision.ForcedRemovalThreshold)
	}
	if cfg.Outreach.DefaultDestination != "+15551234567" || len(cfg.Outreach.DoNotCall) != 1 {
		t.Fatalf("outreach: %+v", cfg.Outreach)
	}
	// Untouched sections keep defaults.
	if cfg.Detection.InactivityThreshold != 24*time.Hour {
		t.Fatalf("default lost: %s", cfg.Detection.InactivityThreshold)
	}
	if cfg.Aggregator.HistoryLimit != 20 {
		t.Fatalf("default lost: %d", cfg.Aggregator.HistoryLimit)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTempConfig(t, "cartwatch.json", `{
  "log_level": "warn",
  "trend": {"min_points": 4}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Trend.MinPoints != 4 {
		t.Fatalf("json overrides not applied: %+v", cfg.Trend)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeTempConfig(t, "empty.yaml", "   \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("empty config should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing config should fail")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"api without addr", func(c *Config) { c.API.Addr = "" }},
		{"rest without addr", func(c *Config) { c.Ingest.REST.Addr = "" }},
		{"kafka without brokers", func(c *Config) { c.Ingest.Kafka.Enabled = true }},
		{"reasoning without url", func(c *Config) { c.Reasoning.Enabled = true }},
		{"telephony without url", func(c *Config) { c.Telephony.Enabled = true }},
		{"drop threshold too high", func(c *Config) { c.Trend.DropThreshold = 1.5 }},
		{"negative cart value min", func(c *Config) { c.Decision.AbandonCartValueMin = -1 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestManagerReloadOnChange(t *testing.T) {
	path := writeTempConfig(t, "cartwatch.yaml", "log_level: info\n")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.Get().LogLevel != "info" {
		t.Fatalf("initial log level = %q", mgr.Get().LogLevel)
	}

	// Push the mtime forward so the poll sees a change.
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	needs, err := mgr.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("needs reload = %v, %v", needs, err)
	}
	cfg, err := mgr.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "debug" || mgr.Get().LogLevel != "debug" {
		t.Fatalf("reload not applied: %q", mgr.Get().LogLevel)
	}
	if needs, _ := mgr.NeedsReload(); needs {
		t.Fatalf("reload should clear the dirty flag")
	}
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.Aggregator.HistoryLimit = 0
	mgr := NewStaticManager(cfg)
	if mgr.Path() != "" {
		t.Fatalf("static manager should have no path")
	}
	got := mgr.Get()
	if got.LogLevel != "debug" {
		t.Fatalf("log level = %q", got.LogLevel)
	}
	if got.Aggregator.HistoryLimit != 20 {
		t.Fatalf("defaults not applied: %d", got.Aggregator.HistoryLimit)
	}
	if _, err := mgr.Reload(); err == nil {
		t.Fatalf("static manager reload should fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.LogLevel != "error" {
		t.Fatalf("round trip lost log level: %q", loaded.LogLevel)
	}
	if loaded.Detection.CartAbandonThreshold != cfg.Detection.CartAbandonThreshold {
		t.Fatalf("round trip lost detection config: %s", loaded.Detection.CartAbandonThreshold)
	}
}
