package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/sydlexius/gridserver/internal/logging"
)

// Config holds process-level settings. Unlike Identity it is never written
// back by the server.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Data    DataConfig     `yaml:"data"`
	Scan    ScanConfig     `yaml:"scan"`
	Notify  NotifyConfig   `yaml:"notify"`
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// PortBase plus the identity's ID selects the client listener port.
	PortBase    int     `yaml:"port_base"`
	AdminAddr   string  `yaml:"admin_addr"`
	AcceptRate  float64 `yaml:"accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst int     `yaml:"accept_burst"`
}

// DataConfig locates persisted state.
type DataConfig struct {
	Dir string `yaml:"dir"`
	// OptimizeInterval schedules catalog database optimize passes. Zero disables.
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
	// BackupInterval schedules catalog snapshots. Zero disables the schedule;
	// a snapshot is still taken before each crash recovery.
	BackupInterval  time.Duration `yaml:"backup_interval"`
	BackupRetention int           `yaml:"backup_retention"`
}

// ScanConfig holds plugin discovery settings.
type ScanConfig struct {
	Timeout       time.Duration       `yaml:"timeout"`
	Watch         bool                `yaml:"watch"`
	WatchDebounce time.Duration       `yaml:"watch_debounce"`
	SearchPaths   map[string][]string `yaml:"search_paths"` // format name -> directories
	Skip          []string            `yaml:"skip"`         // glob patterns over identifiers
}

// NotifyConfig holds outbound event notification settings.
type NotifyConfig struct {
	// WebhookURLs are generic JSON endpoints receiving every event.
	WebhookURLs []string        `yaml:"webhook_urls"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound webhook. An empty Events list subscribes to
// every event type.
type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Type   string   `yaml:"type"` // generic, discord, slack or gotify
	Events []string `yaml:"events"`
}

// IdentityPath is the persisted server identity file.
func (d DataConfig) IdentityPath() string { return filepath.Join(d.Dir, "identity.yaml") }

// CatalogPath is the SQLite plugin catalog.
func (d DataConfig) CatalogPath() string { return filepath.Join(d.Dir, "catalog.db") }

// BackupDir holds catalog snapshots.
func (d DataConfig) BackupDir() string { return filepath.Join(d.Dir, "backups") }

// SentinelPath is the in-flight probe journal.
func (d DataConfig) SentinelPath() string { return filepath.Join(d.Dir, "scanning.lst") }

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			PortBase:    55055,
			AdminAddr:   "127.0.0.1:55054",
			AcceptBurst: 8,
		},
		Data: DataConfig{
			Dir:              "/data",
			OptimizeInterval: 24 * time.Hour,
			BackupRetention:  5,
		},
		Scan: ScanConfig{
			Timeout:       30 * time.Second,
			WatchDebounce: 2 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from operator-controlled env
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("GS_PORT_BASE"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.PortBase = port
		}
	}
	if v, ok := os.LookupEnv("GS_ADMIN_ADDR"); ok {
		c.Server.AdminAddr = v
	}
	if v := os.Getenv("GS_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("GS_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scan.Timeout = d
		}
	}
	if v := os.Getenv("GS_SCAN_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scan.Watch = b
		}
	}
	if v := os.Getenv("GS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GS_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
}

func (c *Config) validate() error {
	if c.Server.PortBase < 0 || c.Server.PortBase > 65535 {
		return fmt.Errorf("invalid port base: %d", c.Server.PortBase)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("invalid accept rate: %v", c.Server.AcceptRate)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.Data.OptimizeInterval < 0 {
		return fmt.Errorf("optimize interval must not be negative, got %s", c.Data.OptimizeInterval)
	}
	if c.Data.BackupInterval < 0 {
		return fmt.Errorf("backup interval must not be negative, got %s", c.Data.BackupInterval)
	}
	if c.Data.BackupRetention < 1 {
		return fmt.Errorf("backup retention must be at least 1, got %d", c.Data.BackupRetention)
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan timeout must be positive, got %s", c.Scan.Timeout)
	}
	for _, p := range c.Scan.Skip {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("invalid scan skip pattern %q: %w", p, err)
		}
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		switch w.Type {
		case "", "generic", "discord", "slack", "gotify":
		default:
			return fmt.Errorf("webhook %d: unknown type %q", i, w.Type)
		}
	}
	if c.Scan.WatchDebounce <= 0 {
		c.Scan.WatchDebounce = 2 * time.Second
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	c.Server.AdminAddr = strings.TrimSpace(c.Server.AdminAddr)
	return nil
}
