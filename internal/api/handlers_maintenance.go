package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sydlexius/gridserver/internal/api/middleware"
	"github.com/sydlexius/gridserver/internal/backup"
)

// handleMaintenanceStatus returns catalog database statistics.
// GET /api/v1/maintenance/status
func (r *Router) handleMaintenanceStatus(w http.ResponseWriter, req *http.Request) {
	if r.maint == nil {
		writeError(w, req, http.StatusServiceUnavailable, "maintenance not configured")
		return
	}
	st, err := r.maint.Status(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleMaintenanceOptimize runs an optimize pass now.
// POST /api/v1/maintenance/optimize
func (r *Router) handleMaintenanceOptimize(w http.ResponseWriter, req *http.Request) {
	if r.maint == nil {
		writeError(w, req, http.StatusServiceUnavailable, "maintenance not configured")
		return
	}
	if err := r.maint.Optimize(req.Context()); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "optimized"})
}

// handleMaintenanceVacuum rebuilds the database file. It is refused while a
// scan is writing the catalog.
// POST /api/v1/maintenance/vacuum
func (r *Router) handleMaintenanceVacuum(w http.ResponseWriter, req *http.Request) {
	if r.maint == nil {
		writeError(w, req, http.StatusServiceUnavailable, "maintenance not configured")
		return
	}
	if r.scanner != nil && r.scanner.Running() {
		writeError(w, req, http.StatusConflict, "scan in progress")
		return
	}
	if err := r.maint.Vacuum(req.Context()); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "vacuumed"})
}

// handleListBackups lists catalog snapshots, newest first.
// GET /api/v1/backups
func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	if r.backups == nil {
		writeError(w, req, http.StatusServiceUnavailable, "backups not configured")
		return
	}
	snapshots, err := r.backups.List()
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if snapshots == nil {
		snapshots = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// handleCreateBackup takes a catalog snapshot now.
// POST /api/v1/backups
func (r *Router) handleCreateBackup(w http.ResponseWriter, req *http.Request) {
	if r.backups == nil {
		writeError(w, req, http.StatusServiceUnavailable, "backups not configured")
		return
	}
	info, err := r.backups.Backup(req.Context(), "manual")
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	middleware.Annotate(req, slog.String("filename", info.Filename))
	writeJSON(w, http.StatusCreated, info)
}

// handleDeleteBackup removes one snapshot.
// DELETE /api/v1/backups/{filename}
func (r *Router) handleDeleteBackup(w http.ResponseWriter, req *http.Request) {
	if r.backups == nil {
		writeError(w, req, http.StatusServiceUnavailable, "backups not configured")
		return
	}
	filename := req.PathValue("filename")
	middleware.Annotate(req, slog.String("filename", filename))
	err := r.backups.Delete(filename)
	switch {
	case errors.Is(err, backup.ErrInvalidFilename):
		writeError(w, req, http.StatusBadRequest, "invalid snapshot filename")
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, req, http.StatusNotFound, "snapshot not found")
	case err != nil:
		r.writeServiceError(w, req, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
