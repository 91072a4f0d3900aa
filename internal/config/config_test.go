package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.PortBase != 55055 {
		t.Errorf("PortBase = %d, want 55055", cfg.Server.PortBase)
	}
	if cfg.Scan.Timeout != 30*time.Second {
		t.Errorf("Scan.Timeout = %s, want 30s", cfg.Scan.Timeout)
	}
	if cfg.Data.Dir != "/data" {
		t.Errorf("Data.Dir = %q, want /data", cfg.Data.Dir)
	}
	if cfg.Data.OptimizeInterval != 24*time.Hour {
		t.Errorf("Data.OptimizeInterval = %s, want 24h", cfg.Data.OptimizeInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
server:
  port_base: 60000
  accept_rate: 5
data:
  dir: /srv/grid
scan:
  timeout: 45s
  watch: true
  search_paths:
    VST3: [/opt/vst3]
  skip: ["**/Demo*"]
notify:
  webhook_urls: [http://hooks.local/all]
  webhooks:
    - name: ops
      url: https://discord.example/api/webhooks/1
      type: discord
      events: [plugin.blacklisted]
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.PortBase != 60000 {
		t.Errorf("PortBase = %d", cfg.Server.PortBase)
	}
	if cfg.Server.AcceptRate != 5 {
		t.Errorf("AcceptRate = %v", cfg.Server.AcceptRate)
	}
	if cfg.Scan.Timeout != 45*time.Second {
		t.Errorf("Timeout = %s", cfg.Scan.Timeout)
	}
	if !cfg.Scan.Watch {
		t.Error("Watch should be true")
	}
	if got := cfg.Scan.SearchPaths["VST3"]; len(got) != 1 || got[0] != "/opt/vst3" {
		t.Errorf("SearchPaths[VST3] = %v", got)
	}
	if len(cfg.Scan.Skip) != 1 || cfg.Scan.Skip[0] != "**/Demo*" {
		t.Errorf("Skip = %v", cfg.Scan.Skip)
	}
	if len(cfg.Notify.WebhookURLs) != 1 || len(cfg.Notify.Webhooks) != 1 {
		t.Fatalf("Notify = %+v", cfg.Notify)
	}
	if w := cfg.Notify.Webhooks[0]; w.Type != "discord" || len(w.Events) != 1 || w.Events[0] != "plugin.blacklisted" {
		t.Errorf("Webhooks[0] = %+v", w)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	// Untouched logging fields keep defaults.
	if cfg.Logging.Format != "auto" {
		t.Errorf("Logging.Format = %q, want auto", cfg.Logging.Format)
	}
	if got := cfg.Data.CatalogPath(); got != filepath.Join("/srv/grid", "catalog.db") {
		t.Errorf("CatalogPath = %q", got)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server:\n  port_base: 60000\n")

	t.Setenv("GS_PORT_BASE", "61000")
	t.Setenv("GS_DATA_DIR", "/tmp/grid")
	t.Setenv("GS_SCAN_TIMEOUT", "5s")
	t.Setenv("GS_ADMIN_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.PortBase != 61000 {
		t.Errorf("PortBase = %d, want 61000", cfg.Server.PortBase)
	}
	if cfg.Data.Dir != "/tmp/grid" {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Scan.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s", cfg.Scan.Timeout)
	}
	if cfg.Server.AdminAddr != "" {
		t.Errorf("AdminAddr = %q, want empty (disabled)", cfg.Server.AdminAddr)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative port", "server:\n  port_base: -1\n"},
		{"zero timeout", "scan:\n  timeout: 0s\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"empty data dir", "data:\n  dir: \"\"\n"},
		{"negative optimize interval", "data:\n  optimize_interval: -1h\n"},
		{"zero backup retention", "data:\n  backup_retention: 0\n"},
		{"webhook without url", "notify:\n  webhooks:\n    - name: x\n"},
		{"unknown webhook type", "notify:\n  webhooks:\n    - url: http://x\n      type: teams\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
