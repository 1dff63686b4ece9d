package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spsoc/batchmailer/internal/campaign"
	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/pkg/distlock"
	"github.com/spsoc/batchmailer/internal/templates"
)

// sendLockTTL bounds how long a crashed batch request can hold the
// per-session send lock.
const sendLockTTL = 15 * time.Minute

// RegisterSendRoutes mounts the send workflow routes.
func (h *Handlers) RegisterSendRoutes(r chi.Router) {
	r.Route("/send", func(r chi.Router) {
		r.Get("/", h.GetSend)
		r.Get("/preview", h.PreviewRow)
		r.Post("/approve", h.Approve)
		r.Post("/dryrun", h.RunDryRun)
		r.Post("/batch", h.SendBatch)
		r.Post("/abort", h.AbortCampaign)
		r.Post("/dismiss-abort", h.DismissAbort)
		r.Post("/reset", h.StartNewBatch)
		r.Post("/restart", h.RestartCampaign)
	})
}

// sendView is the GET /send response: the derived workflow stage plus
// everything the operator needs to decide the next step.
type sendView struct {
	State         campaign.SendState     `json:"state"`
	CSV           *campaign.CSVSelection `json:"csv,omitempty"`
	TemplateFile  string                 `json:"template_file,omitempty"`
	Approved      bool                   `json:"approved"`
	DryRun        *campaign.DryRunRecord `json:"dry_run,omitempty"`
	Progress      campaign.Progress      `json:"progress"`
	Totals        *campaign.Totals       `json:"totals,omitempty"`
	LastResult    *campaign.SendResult   `json:"last_result,omitempty"`
	Aborted       *campaign.AbortRecord  `json:"aborted,omitempty"`
	BatchSize     int                    `json:"batch_size"`
	DelaySeconds  int                    `json:"delay_seconds"`
	SendLocked    bool                   `json:"send_locked"`
	AdminOverride bool                   `json:"admin_override"`
}

// GetSend handles GET /send. The workflow stage is derived fresh from raw
// state and the CSV file as it is on disk right now.
func (h *Handlers) GetSend(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	view := sendView{
		State:         campaign.DeriveState(state, h.headersOK(state)),
		CSV:           state.CSV,
		TemplateFile:  state.TemplateFile,
		Approved:      state.ApprovalValid(),
		Progress:      state.Progress(),
		Totals:        state.Totals,
		LastResult:    state.LastResult,
		Aborted:       state.Aborted,
		BatchSize:     h.cfg.Sending.DefaultBatchSize,
		DelaySeconds:  h.cfg.Sending.DelaySeconds,
		SendLocked:    state.SendLocked,
		AdminOverride: state.AdminOverride,
	}
	if state.DryRunValid() {
		view.DryRun = state.DryRun
	}
	if state.Campaign != nil && state.Campaign.BatchSize > 0 {
		view.BatchSize = state.Campaign.BatchSize
	}

	writeJSON(w, http.StatusOK, view)
}

// previewView is the GET /send/preview response.
type previewView struct {
	Row     int    `json:"row"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// PreviewRow handles GET /send/preview?row=N - render the template
// against one CSV row.
func (h *Handlers) PreviewRow(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if state.CSV == nil {
		writeError(w, "no recipient list selected", http.StatusConflict)
		return
	}
	tpl := h.activeTemplate(state)
	if tpl == nil {
		writeError(w, "no template selected", http.StatusConflict)
		return
	}

	rowNum := 1
	if v := r.URL.Query().Get("row"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rowNum = n
		}
	}

	row, err := csvlist.ReadRow(state.CSV.Path, rowNum)
	if err != nil {
		writeError(w, "unable to load that row", http.StatusNotFound)
		return
	}

	// Preview shows the body exactly as the engine would send it,
	// logo and footer included
	rendered := templates.Render(tpl.BodyHTML, row)
	view := previewView{
		Row:     rowNum,
		To:      row["email"],
		Subject: templates.Render(tpl.Subject, row),
		HTML:    templates.WrapBody(rendered, tpl, h.org),
		Text:    templates.PlainText(rendered),
	}
	if tpl.BodyText != "" {
		view.Text = templates.Render(tpl.BodyText, row)
	}

	writeJSON(w, http.StatusOK, view)
}

// Approve handles POST /send/approve - record or withdraw the operator's
// sign-off. The approval is pinned to the current CSV + template pairing.
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if state.CSV == nil || state.TemplateFile == "" {
		writeError(w, "select a recipient list and template first", http.StatusConflict)
		return
	}

	if r.PostFormValue("approve") == "1" {
		state.Approval = &campaign.Approval{
			CSVPath:      state.CSV.Path,
			TemplateFile: state.TemplateFile,
			ApprovedAt:   time.Now(),
		}
	} else {
		state.Approval = nil
	}

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// RunDryRun handles POST /send/dryrun - simulate the full list without
// sending, and pin the result to the current CSV + template pairing.
func (h *Handlers) RunDryRun(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}
	if state.CSV == nil {
		writeError(w, "no recipient list selected", http.StatusConflict)
		return
	}
	tpl := h.activeTemplate(state)
	if tpl == nil {
		writeError(w, "no template selected", http.StatusConflict)
		return
	}

	result, err := csvlist.DryRun(state.CSV.Path, tpl.RequiredFields())
	if err != nil {
		writeError(w, "dry run failed: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	state.DryRun = &campaign.DryRunRecord{
		CSVPath:      state.CSV.Path,
		TemplateFile: state.TemplateFile,
		RanAt:        time.Now(),
		TotalRows:    result.TotalRows,
		Sendable:     result.Sendable,
		Skipped:      len(result.Skipped),
	}
	if !h.saveState(w, r, state) {
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// SendBatch handles POST /send/batch - dispatch the next batch of the
// campaign. The per-session Redis lock makes a double submit harmless:
// the second request is refused instead of re-sending the same window.
func (h *Handlers) SendBatch(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	if err := campaign.CheckSendAllowed(state); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if state.CSV == nil {
		writeError(w, "no recipient list selected", http.StatusConflict)
		return
	}
	tpl := h.activeTemplate(state)
	if tpl == nil {
		writeError(w, "no template selected", http.StatusConflict)
		return
	}

	lock := distlock.NewRedisLock(h.redis, "batchmailer:send:"+SessionID(r), sendLockTTL)
	acquired, err := lock.Acquire(r.Context())
	if err != nil {
		log.Printf("Failed to acquire send lock: %v", err)
		writeError(w, "failed to acquire send lock", http.StatusInternalServerError)
		return
	}
	if !acquired {
		writeError(w, "a batch is already being sent for this session", http.StatusConflict)
		return
	}
	defer lock.Release(r.Context())

	batchSize := h.cfg.Sending.DefaultBatchSize
	if state.Campaign != nil && state.Campaign.BatchSize > 0 {
		batchSize = state.Campaign.BatchSize
	}
	if v := r.PostFormValue("batch_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}

	// A big batch with a long inter-send delay can outlive the default
	// lock TTL; stretch the lock to cover the worst case.
	if worst := time.Duration(batchSize)*h.cfg.Sending.Delay() + time.Minute; worst > sendLockTTL {
		if err := lock.Extend(r.Context(), worst); err != nil {
			log.Printf("Failed to extend send lock: %v", err)
		}
	}

	offset := 0
	if state.Campaign != nil {
		offset = state.Campaign.Offset
	}

	// Mark the batch in flight so concurrent views derive sending_batch
	if state.Campaign == nil {
		state.Campaign = &campaign.Campaign{BatchSize: batchSize}
	}
	state.Campaign.BatchSize = batchSize
	state.Sending = true
	if !h.saveState(w, r, state) {
		return
	}

	result, err := h.engine.SendBatch(r.Context(), state.CSV.Path, state.TemplateFile, tpl, batchSize, offset)

	state.Sending = false
	if err != nil {
		if saveErr := h.states.Put(r.Context(), SessionID(r), state); saveErr != nil {
			log.Printf("Failed to clear sending flag: %v", saveErr)
		}
		log.Printf("Batch send failed: %v", err)
		writeError(w, "batch send failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// The offset only ever moves forward, by the rows actually attempted
	state.Campaign.Offset = offset + result.Attempted
	state.Campaign.Total = result.Total
	if state.Totals == nil {
		state.Totals = &campaign.Totals{}
	}
	state.Totals.Sent += result.Sent
	state.Totals.Failed += len(result.Failed)
	state.LastResult = result

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// AbortCampaign handles POST /send/abort - freeze the campaign where it
// stands. Only starting a new batch clears an abort.
func (h *Handlers) AbortCampaign(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	abort := &campaign.AbortRecord{AbortedAt: time.Now()}
	if state.Campaign != nil {
		abort.Offset = state.Campaign.Offset
		abort.Total = state.Campaign.Total
	}
	state.Aborted = abort

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// DismissAbort handles POST /send/dismiss-abort - hide the abort notice
// without resuming anything.
func (h *Handlers) DismissAbort(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	state.Aborted = nil
	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}

// clearCampaign rewinds the campaign to row zero and voids the approval
// and dry run, keeping the CSV and template selections.
func clearCampaign(state *campaign.State) {
	state.ResetWorkflow()
	state.ResetCampaign()
	state.Aborted = nil
}

// StartNewBatch handles POST /send/reset - clear workflow and campaign
// state, then send the operator back to preparation to review the list
// and template again.
func (h *Handlers) StartNewBatch(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	clearCampaign(state)

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/prepare")
}

// RestartCampaign handles POST /send/restart - same selections, back to
// row zero. Approval and dry run must be redone, so the operator stays
// on the send page where those actions live.
func (h *Handlers) RestartCampaign(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadState(w, r)
	if !ok {
		return
	}

	clearCampaign(state)

	if !h.saveState(w, r, state) {
		return
	}
	redirectAfterPost(w, r, "/send")
}
