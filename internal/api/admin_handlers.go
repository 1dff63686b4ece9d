package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spsoc/batchmailer/internal/engine"
)

// RegisterAdminRoutes mounts the admin routes: send log management and
// the safety controls.
func (h *Handlers) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/logs", h.ListLogs)
		r.Get("/logs/{file}", h.ViewLog)
		r.Get("/logs/{file}/download", h.DownloadLog)
		r.Delete("/logs/{file}", h.DeleteLog)
		r.Post("/lock", h.LockSending)
		r.Post("/unlock", h.UnlockSending)
		r.Post("/override/enable", h.EnableOverride)
		r.Post("/override/disable", h.DisableOverride)
		r.Post("/campaign/clear", h.ClearCampaign)
	})
}

// ListLogs handles GET /admin/logs
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.logs.List()
	if err != nil {
		log.Printf("Failed to list send logs: %v", err)
		writeError(w, "failed to list send logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// logView is the GET /admin/logs/{file} response.
type logView struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// ViewLog handles GET /admin/logs/{file}
func (h *Handlers) ViewLog(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	content, err := h.logs.Read(file)
	if err != nil {
		if errors.Is(err, engine.ErrUnsafeLogName) {
			writeError(w, "invalid log filename", http.StatusBadRequest)
			return
		}
		writeError(w, "log not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, logView{File: file, Content: string(content)})
}

// DownloadLog handles GET /admin/logs/{file}/download - the raw log as a
// plain text attachment.
func (h *Handlers) DownloadLog(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	content, err := h.logs.Read(file)
	if err != nil {
		if errors.Is(err, engine.ErrUnsafeLogName) {
			writeError(w, "invalid log filename", http.StatusBadRequest)
			return
		}
		writeError(w, "log not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// DeleteLog handles DELETE /admin/logs/{file}. Refused while a batch is
// in flight; the engine would just recreate the file mid-write.
func (h *Handlers) DeleteLog(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if state.Sending {
		writeError(w, "cannot delete logs while a batch is sending", http.StatusConflict)
		return
	}

	file := chi.URLParam(r, "file")
	if err := h.logs.Delete(file); err != nil {
		if errors.Is(err, engine.ErrUnsafeLogName) {
			writeError(w, "invalid log filename", http.StatusBadRequest)
			return
		}
		writeError(w, "log not found", http.StatusNotFound)
		return
	}

	log.Printf("Deleted send log %s", file)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// LockSending handles POST /admin/lock - block batch sends for this
// session until unlocked.
func (h *Handlers) LockSending(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	state.SendLocked = true
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// UnlockSending handles POST /admin/unlock
func (h *Handlers) UnlockSending(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	state.SendLocked = false
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// EnableOverride handles POST /admin/override/enable - waive the dry-run
// requirement. Approval and the abort check still apply.
func (h *Handlers) EnableOverride(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	state.AdminOverride = true
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// DisableOverride handles POST /admin/override/disable
func (h *Handlers) DisableOverride(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	state.AdminOverride = false
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// ClearCampaign handles POST /admin/campaign/clear - wipe the session's
// entire campaign state, selections included.
func (h *Handlers) ClearCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.states.Delete(r.Context(), SessionID(r)); err != nil {
		log.Printf("Failed to clear session state: %v", err)
		writeError(w, "failed to clear session state", http.StatusInternalServerError)
		return
	}
	redirectAfterPost(w, r, "/prepare")
}
