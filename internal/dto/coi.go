package dto

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// PushEnvelope is the body of a Pub/Sub push delivery.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage carries the base64 encoded mailbox change.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime time.Time         `json:"publishTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// MailboxChange is the decoded push payload. A mailbox watch notification only
// names the mailbox and its new history id; the message is then looked up
// through the mailbox API. A relay that already holds the message may send it
// inline instead, identified by messageId.
type MailboxChange struct {
	EmailAddress string      `json:"emailAddress" validate:"required,email"`
	HistoryID    json.Number `json:"historyId,omitempty" validate:"omitempty,numeric"`
	MessageID    string      `json:"messageId,omitempty" validate:"required_without=HistoryID"`
	ThreadID     string      `json:"threadId,omitempty"`
	RFCMessageID string      `json:"rfcMessageId,omitempty"`
	Subject      string      `json:"subject,omitempty"`
	Body         string      `json:"body,omitempty"`
	From         string      `json:"from,omitempty"`
	To           []string    `json:"to,omitempty"`
	Cc           []string    `json:"cc,omitempty"`
}

// Inline reports whether the change already carries the message.
func (c MailboxChange) Inline() bool {
	return c.MessageID != ""
}

// MessageRef converts an inline change into the reference handed to extraction.
func (c MailboxChange) MessageRef() models.MessageRef {
	return models.MessageRef{
		Mailbox:      c.EmailAddress,
		MessageID:    c.MessageID,
		ThreadID:     c.ThreadID,
		RFCMessageID: c.RFCMessageID,
		Subject:      c.Subject,
		Body:         c.Body,
		From:         c.From,
		To:           append([]string(nil), c.To...),
		Cc:           append([]string(nil), c.Cc...),
	}
}

// AdmitResponse is returned to the push source after admission.
type AdmitResponse struct {
	RequestID string `json:"requestId,omitempty"`
	Outcome   string `json:"outcome"`
}

// DecisionRequest is an operator-submitted reviewer decision.
type DecisionRequest struct {
	Token    string               `json:"token" validate:"required,uuid"`
	Decision models.DecisionValue `json:"decision" validate:"required,oneof=approved rejected"`
}

// DecisionResponse reports how a decision was handled.
type DecisionResponse struct {
	RequestID string              `json:"requestId,omitempty"`
	Outcome   string              `json:"outcome"`
	State     models.RequestState `json:"state,omitempty"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	States   []models.RequestState
	Page     int
	PageSize int
}

// TelegramUpdate is the subset of a Bot API update the webhook consumes.
type TelegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	CallbackQuery *TelegramCallbackQuery `json:"callback_query,omitempty"`
	Message       *TelegramMessage       `json:"message,omitempty"`
}

// TelegramCallbackQuery is produced when a reviewer presses an inline button.
type TelegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    TelegramUser     `json:"from"`
	Message *TelegramMessage `json:"message,omitempty"`
	Data    string           `json:"data"`
}

// TelegramMessage is a chat message.
type TelegramMessage struct {
	MessageID int64        `json:"message_id"`
	Chat      TelegramChat `json:"chat"`
	Text      string       `json:"text,omitempty"`
}

// TelegramChat identifies a chat.
type TelegramChat struct {
	ID int64 `json:"id"`
}

// TelegramUser identifies the reviewer.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Actor returns a stable label for audit records.
func (u TelegramUser) Actor() string {
	if u.Username != "" {
		return "telegram:@" + u.Username
	}
	if u.ID != 0 {
		return "telegram:" + strconv.FormatInt(u.ID, 10)
	}
	return "telegram"
}
