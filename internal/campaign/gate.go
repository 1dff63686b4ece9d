package campaign

import "errors"

// SendState is the derived workflow stage. It is recomputed from raw
// session facts on every request and never persisted.
type SendState string

const (
	StateNoCSV             SendState = "no_csv"
	StateNoTemplate        SendState = "no_template"
	StateBadCSV            SendState = "bad_csv"
	StatePreviewAndApprove SendState = "preview_and_approve"
	StateApproved          SendState = "approved"
	StateReadyToSend       SendState = "ready_to_send"
	StateSendingBatch      SendState = "sending_batch"
	StateCompleted         SendState = "completed"
	StateAborted           SendState = "aborted"
)

// Reasons a batch send is refused, in the order they are checked.
var (
	ErrAborted          = errors.New("campaign aborted, start a new batch to continue")
	ErrSendLocked       = errors.New("sending is locked by an administrator")
	ErrApprovalRequired = errors.New("preview and approval required before sending")
	ErrDryRunRequired   = errors.New("dry run required before sending")
)

// DeriveState computes the workflow stage from raw state. headersOK says
// whether the active CSV currently yields a usable header row; it is
// re-read from disk by the caller, never cached.
func DeriveState(s *State, headersOK bool) SendState {
	if s.Aborted != nil {
		return StateAborted
	}

	if s.Campaign != nil {
		if s.Campaign.Total > 0 && s.Campaign.Offset >= s.Campaign.Total {
			return StateCompleted
		}
		if s.Sending {
			return StateSendingBatch
		}
		return StateReadyToSend
	}

	if s.CSV == nil {
		return StateNoCSV
	}
	if s.TemplateFile == "" {
		return StateNoTemplate
	}
	if !headersOK {
		return StateBadCSV
	}
	if !s.ApprovalValid() {
		return StatePreviewAndApprove
	}
	if !s.DryRunValid() {
		return StateApproved
	}
	return StateReadyToSend
}

// CheckSendAllowed decides whether a batch may be dispatched right now.
// Checks run in a fixed order: abort first, then the admin lock, then
// approval, then dry run. Admin override waives the dry run only.
func CheckSendAllowed(s *State) error {
	if s.Aborted != nil {
		return ErrAborted
	}
	if s.SendLocked {
		return ErrSendLocked
	}
	if !s.ApprovalValid() {
		return ErrApprovalRequired
	}
	if !s.DryRunValid() && !s.AdminOverride {
		return ErrDryRunRequired
	}
	return nil
}
