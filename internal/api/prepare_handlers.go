package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spsoc/batchmailer/internal/csvlist"
)

// maxUploadBytes caps recipient list uploads at 32 MB.
const maxUploadBytes = 32 << 20

// RegisterPrepareRoutes mounts the recipient list routes.
func (h *Handlers) RegisterPrepareRoutes(r chi.Router) {
	r.Route("/prepare", func(r chi.Router) {
		r.Get("/", h.GetPrepare)
		r.Post("/upload", h.UploadCSV)
		r.Post("/use", h.UseCSV)
		r.Post("/delete", h.DeleteCSV)
		r.Post("/clear", h.ClearCSV)
	})
}

// prepareView is the GET /prepare response.
type prepareView struct {
	CSV      interface{}          `json:"csv"`
	Analysis *csvlist.Analysis    `json:"analysis,omitempty"`
	Files    []csvlist.StoredFile `json:"files"`
}

// GetPrepare handles GET /prepare - active selection, analysis preview and
// the stored file list.
func (h *Handlers) GetPrepare(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	files, err := h.csvs.List()
	if err != nil {
		log.Printf("Failed to list CSV files: %v", err)
		writeError(w, "failed to list recipient files", http.StatusInternalServerError)
		return
	}

	view := prepareView{Files: files}
	if state.CSV != nil {
		view.CSV = state.CSV
		analysis := csvlist.AnalyzeForPreview(state.CSV.Path, h.cfg.Sending.PreviewRows)
		view.Analysis = &analysis
	}

	writeJSON(w, http.StatusOK, view)
}

// UploadCSV handles POST /prepare/upload - store a recipient list upload.
func (h *Handlers) UploadCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, "invalid upload", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("csvfile")
	if err != nil {
		writeError(w, "csvfile field missing", http.StatusBadRequest)
		return
	}
	defer file.Close()

	saved, err := h.csvs.SaveUpload(header.Filename, file)
	if err != nil {
		log.Printf("Failed to store upload: %v", err)
		writeError(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	log.Printf("Stored recipient list %s (%d bytes)", saved.Name, saved.Size)
	redirectAfterPost(w, r, "/prepare")
}

// UseCSV handles POST /prepare/use - activate a stored recipient list.
// Approval, dry-run and campaign state all reset; they belonged to the
// previous list.
func (h *Handlers) UseCSV(w http.ResponseWriter, r *http.Request) {
	name := r.PostFormValue("file")
	if name == "" {
		writeError(w, "file field missing", http.StatusBadRequest)
		return
	}

	path, err := h.csvs.Resolve(name)
	if err != nil {
		writeError(w, "recipient file not found", http.StatusNotFound)
		return
	}

	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	files, err := h.csvs.List()
	if err != nil {
		writeError(w, "failed to list recipient files", http.StatusInternalServerError)
		return
	}
	var uploaded time.Time
	for _, f := range files {
		if f.Name == name {
			uploaded = f.UploadedAt
			break
		}
	}

	state.SelectCSV(path, csvlist.DisplayName(name), uploaded)
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/prepare")
}

// DeleteCSV handles POST /prepare/delete - remove a stored recipient list.
// The active list is protected; clear it first.
func (h *Handlers) DeleteCSV(w http.ResponseWriter, r *http.Request) {
	name := r.PostFormValue("file")
	if name == "" {
		writeError(w, "file field missing", http.StatusBadRequest)
		return
	}

	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	if state.CSV != nil {
		if path, err := h.csvs.Resolve(name); err == nil && path == state.CSV.Path {
			writeError(w, "cannot delete the active recipient list", http.StatusConflict)
			return
		}
	}

	if err := h.csvs.Delete(name); err != nil {
		if errors.Is(err, csvlist.ErrFileNotFound) {
			writeError(w, "recipient file not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete recipient file", http.StatusInternalServerError)
		return
	}
	redirectAfterPost(w, r, "/prepare")
}

// ClearCSV handles POST /prepare/clear - drop the active list selection.
func (h *Handlers) ClearCSV(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	state.CSV = nil
	state.ResetWorkflow()
	state.ResetCampaign()

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/prepare")
}
