// Package api serves the admin HTTP API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sydlexius/gridserver/internal/api/middleware"
	"github.com/sydlexius/gridserver/internal/backup"
	"github.com/sydlexius/gridserver/internal/maintenance"
	"github.com/sydlexius/gridserver/internal/scanner"
	"github.com/sydlexius/gridserver/internal/worker"
)

// Admin requests allowed per second per client IP, and the burst on top.
const (
	adminRateLimit = 10
	adminRateBurst = 20
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Scanner  *scanner.Service
	Workers  *worker.Registry
	Maint    *maintenance.Service
	Backups  *backup.Service
	Gatherer prometheus.Gatherer
	// Shutdown asks the process to stop. It must not block.
	Shutdown func()
	Logger   *slog.Logger
}

// Router sets up HTTP routes and holds handler dependencies.
type Router struct {
	scanner  *scanner.Service
	workers  *worker.Registry
	maint    *maintenance.Service
	backups  *backup.Service
	gatherer prometheus.Gatherer
	shutdown func()
	logger   *slog.Logger
	// ctx bounds background scans started by requests.
	ctx context.Context

	addMu      sync.Mutex
	addResults map[string]bool
	addOrder   []string // oldest first
}

// NewRouter creates a new router with the given dependencies.
func NewRouter(deps RouterDeps) *Router {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		scanner:    deps.Scanner,
		workers:    deps.Workers,
		maint:      deps.Maint,
		backups:    deps.Backups,
		gatherer:   gatherer,
		shutdown:   deps.Shutdown,
		logger:     logger.With(slog.String("component", "admin")),
		ctx:        context.Background(),
		addResults: make(map[string]bool),
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
// ctx bounds the rate limiter's cleanup and any scan started through the API.
func (r *Router) Handler(ctx context.Context) http.Handler {
	r.ctx = ctx
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", r.handleHealth)
	mux.HandleFunc("GET /api/v1/plugins", r.handleListPlugins)
	mux.HandleFunc("POST /api/v1/plugins/add", r.handleAddPlugins)
	mux.HandleFunc("GET /api/v1/plugins/add/{id}", r.handleAddResult)
	mux.HandleFunc("GET /api/v1/blacklist", r.handleListBlacklist)
	mux.HandleFunc("DELETE /api/v1/blacklist", r.handleUnblacklist)
	mux.HandleFunc("GET /api/v1/exclude", r.handleShouldExclude)
	mux.HandleFunc("PUT /api/v1/exclusions/{name}", r.handleSetExclusion)
	mux.HandleFunc("DELETE /api/v1/exclusions/{name}", r.handleDeleteExclusion)
	mux.HandleFunc("GET /api/v1/scan/status", r.handleScanStatus)
	mux.HandleFunc("POST /api/v1/scan/run", r.handleScanRun)
	mux.HandleFunc("GET /api/v1/workers", r.handleListWorkers)
	mux.HandleFunc("GET /api/v1/maintenance/status", r.handleMaintenanceStatus)
	mux.HandleFunc("POST /api/v1/maintenance/optimize", r.handleMaintenanceOptimize)
	mux.HandleFunc("POST /api/v1/maintenance/vacuum", r.handleMaintenanceVacuum)
	mux.HandleFunc("GET /api/v1/backups", r.handleListBackups)
	mux.HandleFunc("POST /api/v1/backups", r.handleCreateBackup)
	mux.HandleFunc("DELETE /api/v1/backups/{filename}", r.handleDeleteBackup)
	mux.HandleFunc("POST /api/v1/shutdown", r.handleShutdown)
	mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	limiter := middleware.NewRateLimiter(ctx, rate.Limit(adminRateLimit), adminRateBurst)
	return middleware.Logging(r.logger)(middleware.SecurityHeaders(limiter.Middleware(mux)))
}
