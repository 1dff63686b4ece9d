package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/templates"
)

// RegisterTemplateRoutes mounts the template management routes.
func (h *Handlers) RegisterTemplateRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Post("/", h.CreateTemplate)
		r.Get("/{file}", h.GetTemplate)
		r.Put("/{file}", h.UpdateTemplate)
		r.Post("/use", h.UseTemplate)
		r.Post("/copy", h.CopyTemplate)
		r.Post("/delete", h.DeleteTemplate)
		r.Post("/clear", h.ClearTemplate)
	})
}

// templateListEntry pairs a stored template with its compatibility
// against the active CSV.
type templateListEntry struct {
	File           string              `json:"file"`
	Template       *templates.Template `json:"template"`
	MissingColumns []string            `json:"missing_columns,omitempty"`
}

// templateListView is the GET /templates response.
type templateListView struct {
	Active    string              `json:"active,omitempty"`
	Templates []templateListEntry `json:"templates"`
}

// ListTemplates handles GET /templates - every stored template, with the
// columns it would miss against the active CSV.
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	list, err := h.tpls.List()
	if err != nil {
		log.Printf("Failed to list templates: %v", err)
		writeError(w, "failed to list templates", http.StatusInternalServerError)
		return
	}

	var headers []string
	if state.CSV != nil {
		headers = csvlist.ReadHeader(state.CSV.Path)
	}

	view := templateListView{Active: state.TemplateFile, Templates: []templateListEntry{}}
	for file, tpl := range list {
		entry := templateListEntry{File: file, Template: tpl}
		if len(headers) > 0 {
			entry.MissingColumns = tpl.MissingColumns(headers)
		}
		view.Templates = append(view.Templates, entry)
	}

	writeJSON(w, http.StatusOK, view)
}

// GetTemplate handles GET /templates/{file}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.tpls.Load(chi.URLParam(r, "file"))
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			writeError(w, "template not found", http.StatusNotFound)
			return
		}
		writeError(w, "template unreadable", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// savedTemplateView reports where a template landed plus its validation.
type savedTemplateView struct {
	File       string                     `json:"file"`
	Validation templates.ValidationResult `json:"validation"`
}

// CreateTemplate handles POST /templates - create a template from a JSON
// body laid over the standard draft defaults. Validation errors block the
// save; warnings do not.
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl := templates.NewDraft()
	if err := json.NewDecoder(r.Body).Decode(tpl); err != nil {
		writeError(w, "invalid template payload", http.StatusBadRequest)
		return
	}
	tpl.ForceEmailField()

	validation := templates.Validate(tpl)
	if !validation.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, savedTemplateView{Validation: validation})
		return
	}

	file, err := h.tpls.Save(tpl)
	if err != nil {
		log.Printf("Failed to save template: %v", err)
		writeError(w, "failed to save template", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, savedTemplateView{File: file, Validation: validation})
}

// UpdateTemplate handles PUT /templates/{file} - save in place under the
// existing filename. Note an in-place edit does not move the file, so an
// approval recorded against this filename stays valid.
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")

	if _, err := h.tpls.Load(file); err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			writeError(w, "template not found", http.StatusNotFound)
			return
		}
	}

	tpl := templates.NewDraft()
	if err := json.NewDecoder(r.Body).Decode(tpl); err != nil {
		writeError(w, "invalid template payload", http.StatusBadRequest)
		return
	}
	tpl.ForceEmailField()

	validation := templates.Validate(tpl)
	if !validation.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, savedTemplateView{Validation: validation})
		return
	}

	if err := h.tpls.SaveAs(file, tpl); err != nil {
		log.Printf("Failed to save template %s: %v", file, err)
		writeError(w, "failed to save template", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, savedTemplateView{File: file, Validation: validation})
}

// UseTemplate handles POST /templates/use - activate a template, with the
// same downstream resets as a CSV change.
func (h *Handlers) UseTemplate(w http.ResponseWriter, r *http.Request) {
	file := r.PostFormValue("file")
	if file == "" {
		writeError(w, "file field missing", http.StatusBadRequest)
		return
	}

	if _, err := h.tpls.Load(file); err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			writeError(w, "template not found", http.StatusNotFound)
			return
		}
		writeError(w, "template unreadable", http.StatusUnprocessableEntity)
		return
	}

	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	state.SelectTemplate(file)
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/templates")
}

// CopyTemplate handles POST /templates/copy
func (h *Handlers) CopyTemplate(w http.ResponseWriter, r *http.Request) {
	file := r.PostFormValue("file")
	if file == "" {
		writeError(w, "file field missing", http.StatusBadRequest)
		return
	}

	copyName, err := h.tpls.Copy(file)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			writeError(w, "template not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to copy template", http.StatusInternalServerError)
		return
	}

	log.Printf("Copied template %s to %s", file, copyName)
	redirectAfterPost(w, r, "/templates")
}

// DeleteTemplate handles POST /templates/delete - remove a template file.
// The active template is protected; clear it first.
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	file := r.PostFormValue("file")
	if file == "" {
		writeError(w, "file field missing", http.StatusBadRequest)
		return
	}

	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if state.TemplateFile == file {
		writeError(w, "cannot delete the active template", http.StatusConflict)
		return
	}

	if err := h.tpls.Delete(file); err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			writeError(w, "template not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete template", http.StatusInternalServerError)
		return
	}
	redirectAfterPost(w, r, "/templates")
}

// ClearTemplate handles POST /templates/clear - drop the active template.
func (h *Handlers) ClearTemplate(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	state.TemplateFile = ""
	state.ResetWorkflow()
	state.ResetCampaign()

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/templates")
}
