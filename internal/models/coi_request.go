package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestState captures the lifecycle of a COI request.
type RequestState string

const (
	RequestStateCreated          RequestState = "created"
	RequestStateExtracting       RequestState = "extracting"
	RequestStateAwaitingApproval RequestState = "awaiting_approval"
	RequestStateApproved         RequestState = "approved"
	RequestStateIssued           RequestState = "issued"
	RequestStateExtractionFailed RequestState = "extraction_failed"
	RequestStateApprovalFailed   RequestState = "approval_failed"
	RequestStateRejected         RequestState = "rejected"
	RequestStateExpired          RequestState = "expired"
	RequestStateIssuanceFailed   RequestState = "issuance_failed"
)

// transitions lists the only forward moves a request may make.
var transitions = map[RequestState][]RequestState{
	RequestStateCreated:          {RequestStateExtracting},
	RequestStateExtracting:       {RequestStateAwaitingApproval, RequestStateExtractionFailed},
	RequestStateAwaitingApproval: {RequestStateApproved, RequestStateRejected, RequestStateExpired, RequestStateApprovalFailed},
	RequestStateApproved:         {RequestStateIssued, RequestStateIssuanceFailed},
}

// AllRequestStates returns every known state in lifecycle order.
func AllRequestStates() []RequestState {
	return []RequestState{
		RequestStateCreated,
		RequestStateExtracting,
		RequestStateAwaitingApproval,
		RequestStateApproved,
		RequestStateIssued,
		RequestStateExtractionFailed,
		RequestStateApprovalFailed,
		RequestStateRejected,
		RequestStateExpired,
		RequestStateIssuanceFailed,
	}
}

// TerminalRequestStates returns the states from which no transition occurs.
func TerminalRequestStates() []RequestState {
	return []RequestState{
		RequestStateIssued,
		RequestStateExtractionFailed,
		RequestStateApprovalFailed,
		RequestStateRejected,
		RequestStateExpired,
		RequestStateIssuanceFailed,
	}
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	for _, known := range AllRequestStates() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state accepts no further transitions.
func (s RequestState) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether moving from one state to another is a legal forward step.
func CanTransition(from, to RequestState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DecisionValue enumerates reviewer outcomes.
type DecisionValue string

const (
	DecisionApproved DecisionValue = "approved"
	DecisionRejected DecisionValue = "rejected"
	DecisionExpired  DecisionValue = "expired"
)

// Request is one workflow instance tracking a single mailbox-triggered COI issuance.
type Request struct {
	ID                string          `db:"id" json:"id"`
	SourceEventKey    string          `db:"source_event_key" json:"sourceEventKey"`
	State             RequestState    `db:"state" json:"state"`
	Message           MessageRef      `db:"message" json:"message"`
	HolderDetails     *HolderDetails  `db:"holder_details" json:"holderDetails,omitempty"`
	ApprovalToken     *string         `db:"approval_token" json:"-"`
	Decision          *Decision       `db:"decision" json:"decision,omitempty"`
	IssuanceResult    *IssuanceResult `db:"issuance_result" json:"issuanceResult,omitempty"`
	FailureReason     *string         `db:"failure_reason" json:"failureReason,omitempty"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
	ApprovalExpiresAt *time.Time      `db:"approval_expires_at" json:"approvalExpiresAt,omitempty"`
	PromptedAt        *time.Time      `db:"prompted_at" json:"promptedAt,omitempty"`
	RemindedAt        *time.Time      `db:"reminded_at" json:"remindedAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Message = r.Message.Clone()
	if r.HolderDetails != nil {
		d := *r.HolderDetails
		out.HolderDetails = &d
	}
	if r.ApprovalToken != nil {
		t := *r.ApprovalToken
		out.ApprovalToken = &t
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.IssuanceResult != nil {
		res := *r.IssuanceResult
		out.IssuanceResult = &res
	}
	if r.FailureReason != nil {
		reason := *r.FailureReason
		out.FailureReason = &reason
	}
	out.ApprovalExpiresAt = cloneTime(r.ApprovalExpiresAt)
	out.PromptedAt = cloneTime(r.PromptedAt)
	out.RemindedAt = cloneTime(r.RemindedAt)
	return &out
}

// Token returns the approval token or an empty string when none was issued.
func (r *Request) Token() string {
	if r == nil || r.ApprovalToken == nil {
		return ""
	}
	return *r.ApprovalToken
}

// ApprovalElapsed reports whether a pending approval outlived its deadline at now.
func (r *Request) ApprovalElapsed(now time.Time) bool {
	return r.State == RequestStateAwaitingApproval &&
		r.ApprovalExpiresAt != nil &&
		!now.Before(*r.ApprovalExpiresAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RequestFilter constrains operator listing queries.
type RequestFilter struct {
	States []RequestState
	Limit  int
	Offset int
}

// MessageRef identifies the triggering message and carries the content handed to extraction.
// RFCMessageID holds the Message-ID header so the COI reply joins the thread.
type MessageRef struct {
	Mailbox      string   `json:"mailbox"`
	MessageID    string   `json:"messageId"`
	ThreadID     string   `json:"threadId,omitempty"`
	RFCMessageID string   `json:"rfcMessageId,omitempty"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body,omitempty"`
	From         string   `json:"from,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

// SourceEventKey identifies the underlying mailbox message independent of how
// many times it was delivered.
func (m MessageRef) SourceEventKey() string {
	return m.Mailbox + "/" + m.MessageID
}

// Clone copies the reference including its recipient slices.
func (m MessageRef) Clone() MessageRef {
	out := m
	out.To = append([]string(nil), m.To...)
	out.Cc = append([]string(nil), m.Cc...)
	return out
}

// Value marshals the message reference for JSONB persistence.
func (m MessageRef) Value() (driver.Value, error) {
	return marshalJSONB(m, "message ref")
}

// Scan unmarshals a JSONB message reference.
func (m *MessageRef) Scan(value interface{}) error {
	return scanJSONB(value, m, "message ref")
}

// HolderDetails are the structured fields inferred from a COI request email.
type HolderDetails struct {
	InsuredName string `json:"insuredName"`
	HolderName  string `json:"holderName"`
	HolderAddr1 string `json:"holderAddr1"`
	HolderAddr2 string `json:"holderAddr2"`
	SendToEmail string `json:"sendToEmail,omitempty"`
}

// Value marshals holder details for JSONB persistence.
func (d HolderDetails) Value() (driver.Value, error) {
	return marshalJSONB(d, "holder details")
}

// Scan unmarshals JSONB holder details.
func (d *HolderDetails) Scan(value interface{}) error {
	return scanJSONB(value, d, "holder details")
}

// Decision records the reviewer (or expiry) outcome for a request.
type Decision struct {
	Outcome   DecisionValue `json:"value"`
	Actor     string        `json:"actor,omitempty"`
	DecidedAt time.Time     `json:"decidedAt"`
}

// Value marshals the decision for JSONB persistence.
func (d Decision) Value() (driver.Value, error) {
	return marshalJSONB(d, "decision")
}

// Scan unmarshals a JSONB decision.
func (d *Decision) Scan(value interface{}) error {
	return scanJSONB(value, d, "decision")
}

// IssuanceResult is the externally visible confirmation of a sent COI.
type IssuanceResult struct {
	ConfirmationID string    `json:"confirmationId"`
	DocumentPath   string    `json:"documentPath,omitempty"`
	DownloadURL    string    `json:"downloadUrl,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	IssuedAt       time.Time `json:"issuedAt"`
	// Repeat is set when the executor recognised a prior completed attempt.
	Repeat bool `json:"-"`
}

// Value marshals the issuance result for JSONB persistence.
func (r IssuanceResult) Value() (driver.Value, error) {
	return marshalJSONB(r, "issuance result")
}

// Scan unmarshals a JSONB issuance result.
func (r *IssuanceResult) Scan(value interface{}) error {
	return scanJSONB(value, r, "issuance result")
}

func marshalJSONB(v interface{}, label string) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", label, err)
	}
	return data, nil
}

func scanJSONB(value interface{}, dest interface{}, label string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for %s", value, label)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", label, err)
	}
	return nil
}
