package campaign

import (
	"time"
)

// CSVSelection is the recipient list currently selected for the campaign.
type CSVSelection struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Approval records the operator's sign-off on a specific CSV + template
// pairing. It is only honoured while that exact pairing is still active.
type Approval struct {
	CSVPath      string    `json:"csv_path"`
	TemplateFile string    `json:"template_file"`
	ApprovedAt   time.Time `json:"approved_at"`
}

// DryRunRecord pins a completed dry run to the CSV + template pairing it
// was run against.
type DryRunRecord struct {
	CSVPath      string    `json:"csv_path"`
	TemplateFile string    `json:"template_file"`
	RanAt        time.Time `json:"ran_at"`
	TotalRows    int       `json:"total_rows"`
	Sendable     int       `json:"sendable"`
	Skipped      int       `json:"skipped"`
}

// Campaign holds the raw batch counters once sending has started.
// A nil Campaign means no batch has been sent yet.
type Campaign struct {
	Offset    int `json:"offset"`
	Total     int `json:"total"`
	BatchSize int `json:"batch_size"`
}

// Totals accumulates outcomes across every batch of the campaign.
type Totals struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// AbortRecord captures where a campaign stood when the operator aborted it.
type AbortRecord struct {
	Offset    int       `json:"offset"`
	Total     int       `json:"total"`
	AbortedAt time.Time `json:"aborted_at"`
}

// FailedRecipient is one address a batch could not deliver to.
type FailedRecipient struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// SendResult is the outcome of a single batch run.
type SendResult struct {
	Attempted int               `json:"attempted"`
	Sent      int               `json:"sent"`
	Failed    []FailedRecipient `json:"failed"`
	Total     int               `json:"total"`
	LogFile   string            `json:"log_file"`
	LastEmail string            `json:"last_email,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// State is everything one operator session knows about the campaign in
// progress. Only raw facts live here; the workflow stage is derived from
// them on every request, never stored.
type State struct {
	CSV           *CSVSelection `json:"csv,omitempty"`
	TemplateFile  string        `json:"template_file,omitempty"`
	Approval      *Approval     `json:"approval,omitempty"`
	DryRun        *DryRunRecord `json:"dry_run,omitempty"`
	Campaign      *Campaign     `json:"campaign,omitempty"`
	Totals        *Totals       `json:"totals,omitempty"`
	LastResult    *SendResult   `json:"last_result,omitempty"`
	Sending       bool          `json:"sending,omitempty"`
	Aborted       *AbortRecord  `json:"aborted,omitempty"`
	SendLocked    bool          `json:"send_locked,omitempty"`
	AdminOverride bool          `json:"admin_override,omitempty"`
}

// ApprovalValid reports whether the stored approval still matches the
// active CSV + template pairing. Changing either invalidates it.
func (s *State) ApprovalValid() bool {
	return s.Approval != nil && s.CSV != nil && s.TemplateFile != "" &&
		s.Approval.CSVPath == s.CSV.Path &&
		s.Approval.TemplateFile == s.TemplateFile
}

// DryRunValid reports whether the stored dry run still matches the active
// CSV + template pairing.
func (s *State) DryRunValid() bool {
	return s.DryRun != nil && s.CSV != nil && s.TemplateFile != "" &&
		s.DryRun.CSVPath == s.CSV.Path &&
		s.DryRun.TemplateFile == s.TemplateFile
}

// ResetWorkflow clears preview/approval/dry-run records. Called whenever
// the CSV or template selection changes.
func (s *State) ResetWorkflow() {
	s.Approval = nil
	s.DryRun = nil
}

// ResetCampaign clears batch execution state: counters, totals, the last
// result and the sending flag.
func (s *State) ResetCampaign() {
	s.Campaign = nil
	s.Totals = nil
	s.LastResult = nil
	s.Sending = false
}

// ResetAll clears the whole session back to an empty workflow.
func (s *State) ResetAll() {
	s.ResetWorkflow()
	s.ResetCampaign()
	s.CSV = nil
	s.TemplateFile = ""
	s.Aborted = nil
}

// SelectCSV activates a recipient list. Downstream approval, dry-run and
// campaign state all become stale and are cleared, as is any abort record.
func (s *State) SelectCSV(path, name string, uploadedAt time.Time) {
	s.CSV = &CSVSelection{Path: path, Name: name, UploadedAt: uploadedAt}
	s.ResetWorkflow()
	s.ResetCampaign()
	s.Aborted = nil
}

// SelectTemplate activates a template file, with the same downstream
// resets as a CSV change.
func (s *State) SelectTemplate(filename string) {
	s.TemplateFile = filename
	s.ResetWorkflow()
	s.ResetCampaign()
	s.Aborted = nil
}

// Progress describes batch arithmetic for the UI.
type Progress struct {
	HasCampaign      bool `json:"has_campaign"`
	CanBatchMath     bool `json:"can_batch_math"`
	Offset           int  `json:"offset"`
	Total            int  `json:"total"`
	BatchSize        int  `json:"batch_size"`
	TotalBatches     int  `json:"total_batches"`
	CurrentBatch     int  `json:"current_batch"`
	CompletedBatches int  `json:"completed_batches"`
	NextBatch        int  `json:"next_batch"`
}

// Progress computes batch counts from the raw counters. Values are clamped
// so a drifting offset can never produce "batch 7 of 5".
func (s *State) Progress() Progress {
	p := Progress{}
	if s.Campaign == nil {
		return p
	}

	p.HasCampaign = true
	p.Offset = max(0, s.Campaign.Offset)
	p.Total = max(0, s.Campaign.Total)
	p.BatchSize = max(0, s.Campaign.BatchSize)

	if p.BatchSize <= 0 || p.Total <= 0 {
		return p
	}

	p.CanBatchMath = true
	p.TotalBatches = (p.Total + p.BatchSize - 1) / p.BatchSize
	p.CompletedBatches = p.Offset / p.BatchSize

	p.CurrentBatch = p.Offset/p.BatchSize + 1
	if p.CurrentBatch > p.TotalBatches {
		p.CurrentBatch = p.TotalBatches
	}
	if p.CurrentBatch < 1 {
		p.CurrentBatch = 1
	}

	p.NextBatch = p.CompletedBatches + 1
	if p.NextBatch > p.TotalBatches {
		p.NextBatch = p.TotalBatches
	}

	return p
}
