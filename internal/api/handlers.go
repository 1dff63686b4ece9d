package api

import (
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/spsoc/batchmailer/internal/campaign"
	"github.com/spsoc/batchmailer/internal/config"
	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/engine"
	"github.com/spsoc/batchmailer/internal/templates"
)

// Handlers carries the dependencies shared by every route group.
type Handlers struct {
	cfg    *config.Config
	states campaign.Store
	csvs   *csvlist.Store
	tpls   *templates.Store
	logs   *engine.LogStore
	engine *engine.Engine
	redis  *redis.Client
	org    templates.Org
}

// NewHandlers wires the handler set.
func NewHandlers(
	cfg *config.Config,
	states campaign.Store,
	csvs *csvlist.Store,
	tpls *templates.Store,
	logs *engine.LogStore,
	eng *engine.Engine,
	redisClient *redis.Client,
) *Handlers {
	return &Handlers{
		cfg:    cfg,
		states: states,
		csvs:   csvs,
		tpls:   tpls,
		logs:   logs,
		engine: eng,
		redis:  redisClient,
		org: templates.Org{
			Name:    cfg.Org.Name,
			Address: cfg.Org.Address,
			Phone:   cfg.Org.Phone,
			Email:   cfg.Org.Email,
			Web:     cfg.Org.Web,
			LogoURL: cfg.Org.LogoURL,
		},
	}
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadState fetches the session's campaign state, answering 500 on store
// failure. The bool reports success.
func (h *Handlers) loadState(w http.ResponseWriter, r *http.Request) (*campaign.State, bool) {
	state, err := h.states.Get(r.Context(), SessionID(r))
	if err != nil {
		log.Printf("Failed to load session state: %v", err)
		writeError(w, "failed to load session state", http.StatusInternalServerError)
		return nil, false
	}
	return state, true
}

// saveState persists the session's campaign state, answering 500 on store
// failure. The bool reports success.
func (h *Handlers) saveState(w http.ResponseWriter, r *http.Request, state *campaign.State) bool {
	if err := h.states.Put(r.Context(), SessionID(r), state); err != nil {
		log.Printf("Failed to save session state: %v", err)
		writeError(w, "failed to save session state", http.StatusInternalServerError)
		return false
	}
	return true
}

// activeTemplate loads the session's selected template. Missing and
// unreadable files both surface as "no template selected".
func (h *Handlers) activeTemplate(state *campaign.State) *templates.Template {
	if state.TemplateFile == "" {
		return nil
	}
	tpl, err := h.tpls.Load(state.TemplateFile)
	if err != nil {
		return nil
	}
	return tpl
}

// headersOK re-reads the active CSV header from disk. Derived workflow
// state always works from the file as it is now, not as it was.
func (h *Handlers) headersOK(state *campaign.State) bool {
	if state.CSV == nil {
		return false
	}
	return len(csvlist.ReadHeader(state.CSV.Path)) > 0
}
