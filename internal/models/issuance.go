package models

import "time"

// IssuanceStatus tracks the executor's own ledger of send attempts.
type IssuanceStatus string

const (
	IssuanceStatusSending IssuanceStatus = "sending"
	IssuanceStatusSent    IssuanceStatus = "sent"
	IssuanceStatusFailed  IssuanceStatus = "failed"
)

// Issuance is the executor-side record keyed by request id. It is what makes a
// repeated issue call for the same request recognisable.
type Issuance struct {
	RequestID      string         `db:"request_id" json:"requestId"`
	Status         IssuanceStatus `db:"status" json:"status"`
	Attempts       int            `db:"attempts" json:"attempts"`
	ConfirmationID *string        `db:"confirmation_id" json:"confirmationId,omitempty"`
	DocumentPath   *string        `db:"document_path" json:"documentPath,omitempty"`
	DownloadURL    *string        `db:"download_url" json:"downloadUrl,omitempty"`
	Recipient      *string        `db:"recipient" json:"recipient,omitempty"`
	LastError      *string        `db:"last_error" json:"lastError,omitempty"`
	ClaimedAt      time.Time      `db:"claimed_at" json:"claimedAt"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// Result converts a completed ledger row into the orchestrator-facing result.
func (i *Issuance) Result() *IssuanceResult {
	if i == nil || i.Status != IssuanceStatusSent {
		return nil
	}
	res := &IssuanceResult{}
	if i.ConfirmationID != nil {
		res.ConfirmationID = *i.ConfirmationID
	}
	if i.DocumentPath != nil {
		res.DocumentPath = *i.DocumentPath
	}
	if i.DownloadURL != nil {
		res.DownloadURL = *i.DownloadURL
	}
	if i.Recipient != nil {
		res.Recipient = *i.Recipient
	}
	if i.CompletedAt != nil {
		res.IssuedAt = *i.CompletedAt
	}
	return res
}
