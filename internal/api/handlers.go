package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sydlexius/gridserver/internal/api/middleware"
	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/scanner"
	"github.com/sydlexius/gridserver/internal/version"
)

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if r.scanner != nil {
		resp["scanning"] = r.scanner.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListPlugins returns the in-memory catalog.
// GET /api/v1/plugins
func (r *Router) handleListPlugins(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	ds := r.scanner.Catalog().Descriptors()
	if ds == nil {
		ds = []catalog.Descriptor{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleAddPlugins scans for the named plugins in the background.
// POST /api/v1/plugins/add
func (r *Router) handleAddPlugins(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	var body struct {
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, req, http.StatusBadRequest, "invalid request body")
		return
	}
	names := make([]string, 0, len(body.Names))
	for _, n := range body.Names {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		writeError(w, req, http.StatusBadRequest, "names is required")
		return
	}

	// The callback may fire before AddPlugins returns the scan id.
	var (
		mu      sync.Mutex
		scanID  string
		pending *bool
	)
	fn := func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if scanID == "" {
			pending = &ok
			return
		}
		r.recordAdd(scanID, ok)
	}

	result, err := r.scanner.AddPlugins(r.ctx, names, fn)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	mu.Lock()
	scanID = result.ID
	if pending != nil {
		r.recordAdd(scanID, *pending)
	}
	mu.Unlock()

	middleware.Annotate(req, slog.String("scan_id", result.ID), slog.Int("names", len(names)))
	w.Header().Set("Location", "/api/v1/plugins/add/"+result.ID)
	writeJSON(w, http.StatusAccepted, result)
}

// maxAddResults bounds the remembered add-plugins outcomes. The oldest
// are forgotten first.
const maxAddResults = 64

func (r *Router) recordAdd(id string, ok bool) {
	r.addMu.Lock()
	if _, seen := r.addResults[id]; !seen {
		r.addOrder = append(r.addOrder, id)
	}
	r.addResults[id] = ok
	for len(r.addOrder) > maxAddResults {
		delete(r.addResults, r.addOrder[0])
		r.addOrder = r.addOrder[1:]
	}
	r.addMu.Unlock()
	r.logger.Info("add plugins finished", slog.String("scan_id", id), slog.Bool("success", ok))
}

type addResult struct {
	ID      string `json:"id"`
	Done    bool   `json:"done"`
	Success *bool  `json:"success,omitempty"`
}

// handleAddResult reports the outcome of an add-plugins request.
// GET /api/v1/plugins/add/{id}
func (r *Router) handleAddResult(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	r.addMu.Lock()
	ok, found := r.addResults[id]
	r.addMu.Unlock()
	if found {
		writeJSON(w, http.StatusOK, addResult{ID: id, Done: true, Success: &ok})
		return
	}
	if r.scanner != nil {
		if status := r.scanner.Status(); status != nil && status.ID == id {
			writeJSON(w, http.StatusOK, addResult{ID: id})
			return
		}
	}
	writeError(w, req, http.StatusNotFound, "unknown add request")
}

// handleListBlacklist returns every blacklisted identifier.
// GET /api/v1/blacklist
func (r *Router) handleListBlacklist(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	ids := r.scanner.Catalog().Blacklisted()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleUnblacklist lets the next scan probe an identifier again.
// DELETE /api/v1/blacklist?id=...
func (r *Router) handleUnblacklist(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	id := req.URL.Query().Get("id")
	if id == "" {
		writeError(w, req, http.StatusBadRequest, "id is required")
		return
	}
	middleware.Annotate(req, slog.String("identifier", id))
	removed, err := r.scanner.Unblacklist(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if !removed {
		writeError(w, req, http.StatusNotFound, "identifier is not blacklisted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// handleShouldExclude answers the exclusion query for one plugin name.
// GET /api/v1/exclude?name=...&include=a,b
func (r *Router) handleShouldExclude(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	q := req.URL.Query()
	name := q.Get("name")
	if name == "" {
		writeError(w, req, http.StatusBadRequest, "name is required")
		return
	}
	var include []string
	for _, v := range q["include"] {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				include = append(include, n)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"excluded": r.scanner.ShouldExclude(name, include),
	})
}

// PUT /api/v1/exclusions/{name}
func (r *Router) handleSetExclusion(w http.ResponseWriter, req *http.Request) {
	r.setExclusion(w, req, true)
}

// DELETE /api/v1/exclusions/{name}
func (r *Router) handleDeleteExclusion(w http.ResponseWriter, req *http.Request) {
	r.setExclusion(w, req, false)
}

func (r *Router) setExclusion(w http.ResponseWriter, req *http.Request, excluded bool) {
	if !r.requireScanner(w, req) {
		return
	}
	name := req.PathValue("name")
	if strings.TrimSpace(name) == "" {
		writeError(w, req, http.StatusBadRequest, "name is required")
		return
	}
	changed, err := r.scanner.SetExcluded(name, excluded)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	middleware.Annotate(req, slog.String("name", name), slog.Bool("excluded", excluded), slog.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"excluded": excluded,
		"changed":  changed,
	})
}

// handleScanStatus returns the current or most recent scan status.
// GET /api/v1/scan/status
func (r *Router) handleScanStatus(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	status := r.scanner.Status()
	if status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleScanRun triggers a full scan.
// POST /api/v1/scan/run
func (r *Router) handleScanRun(w http.ResponseWriter, req *http.Request) {
	if !r.requireScanner(w, req) {
		return
	}
	result, err := r.scanner.ScanAsync(r.ctx)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	middleware.Annotate(req, slog.String("scan_id", result.ID))
	writeJSON(w, http.StatusAccepted, result)
}

// handleListWorkers lists client workers.
// GET /api/v1/workers
func (r *Router) handleListWorkers(w http.ResponseWriter, req *http.Request) {
	if r.workers == nil {
		writeError(w, req, http.StatusServiceUnavailable, "client server not running")
		return
	}
	writeJSON(w, http.StatusOK, r.workers.List())
}

// POST /api/v1/shutdown
func (r *Router) handleShutdown(w http.ResponseWriter, req *http.Request) {
	if r.shutdown == nil {
		writeError(w, req, http.StatusServiceUnavailable, "shutdown not available")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	r.shutdown()
}

func (r *Router) requireScanner(w http.ResponseWriter, req *http.Request) bool {
	if r.scanner == nil {
		writeError(w, req, http.StatusServiceUnavailable, "scanner not configured")
		return false
	}
	return true
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, scanner.ErrScanInProgress) {
		writeError(w, req, http.StatusConflict, err.Error())
		return
	}
	middleware.Annotate(req, slog.Any("error", err))
	writeError(w, req, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, _ *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
