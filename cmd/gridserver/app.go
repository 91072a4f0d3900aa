package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/sydlexius/gridserver/internal/backup"
	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/config"
	"github.com/sydlexius/gridserver/internal/database"
	"github.com/sydlexius/gridserver/internal/format"
	"github.com/sydlexius/gridserver/internal/logging"
	"github.com/sydlexius/gridserver/internal/maintenance"
	"github.com/sydlexius/gridserver/internal/scanner"
	"github.com/sydlexius/gridserver/internal/sentinel"
)

// defaultConfigPath honors GS_CONFIG_PATH, which probe children inherit.
func defaultConfigPath() string {
	if p := os.Getenv("GS_CONFIG_PATH"); p != "" {
		return p
	}
	return "/data/config.yaml"
}

// app holds the state every command opens: config, logging, the catalog
// database and the persisted identity.
type app struct {
	cfg        *config.Config
	configPath string
	logManager *logging.Manager
	logger     *slog.Logger
	db         *sql.DB
	identity   *config.Store
	store      *catalog.Store
	sentinel   *sentinel.File
	formats    *format.Registry
	maint      *maintenance.Service
	backups    *backup.Service
}

// openApp loads configuration and opens persisted state. adjust, when set,
// edits the logging config before the logger is built.
func openApp(configPath string, adjust func(*logging.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if adjust != nil {
		adjust(&cfg.Logging)
	}

	logManager, logger := logging.NewManager(cfg.Logging)
	a := &app{
		cfg:        cfg,
		configPath: configPath,
		logManager: logManager,
		logger:     logger,
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o750); err != nil {
		a.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := database.Open(cfg.Data.CatalogPath())
	if err != nil {
		a.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	if err := database.Migrate(db); err != nil {
		a.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	a.identity = config.NewStore(cfg.Data.IdentityPath(), logger)
	if err := a.identity.Load(); err != nil {
		a.Close() //nolint:errcheck
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	a.maint = maintenance.NewService(db, cfg.Data.CatalogPath(), logger)
	a.backups = backup.NewService(db, cfg.Data.BackupDir(), cfg.Data.BackupRetention, logger)
	a.store = catalog.NewStore(db)
	a.sentinel = sentinel.New(cfg.Data.SentinelPath())
	a.formats = format.Defaults(cfg.Scan.SearchPaths)
	return a, nil
}

// newScanner builds the scanner service. prober may be nil for commands
// that never probe in a child.
func (a *app) newScanner(prober scanner.Prober) (*scanner.Service, error) {
	svc := scanner.NewService(a.identity, a.store, a.sentinel, a.formats, prober, a.logger)
	skip, err := format.CompileSkip(a.cfg.Scan.Skip)
	if err != nil {
		return nil, err
	}
	svc.SetSkip(skip)
	return svc, nil
}

// newProcessProber returns a prober whose children inherit this config
// file and write into this process's log stream.
func (a *app) newProcessProber() (*scanner.ProcessProber, error) {
	prober, err := scanner.NewProcessProber(a.cfg.Scan.Timeout, a.logManager.Writer())
	if err != nil {
		return nil, err
	}
	prober.Env = append(os.Environ(), "GS_CONFIG_PATH="+a.configPath)
	return prober, nil
}

// recoverInterrupted snapshots the catalog when the sentinel shows an interrupted
// probe, then blacklists the interrupted identifiers.
func (a *app) recoverInterrupted(ctx context.Context, svc *scanner.Service) error {
	entries, err := a.sentinel.Entries()
	if err != nil {
		return fmt.Errorf("reading sentinel: %w", err)
	}
	if len(entries) > 0 {
		if _, err := a.backups.Backup(ctx, "pre-recovery"); err != nil {
			a.logger.Warn("catalog snapshot before recovery failed", slog.Any("error", err))
		}
	}
	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted scan: %w", err)
	}
	return nil
}

// searchDirs lists the search paths of every enabled format.
func (a *app) searchDirs() []string {
	var dirs []string
	for _, d := range a.formats.Enabled(a.identity.Identity()) {
		dirs = append(dirs, d.SearchPaths()...)
	}
	return dirs
}

func (a *app) Close() error {
	var err error
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
	}
	if cerr := a.logManager.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
