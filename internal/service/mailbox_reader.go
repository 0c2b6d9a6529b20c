package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// AdapterMailbox names mailbox lookups in errors and logs.
const AdapterMailbox = "mailbox"

// GmailServiceFactory returns an API client acting as the given mailbox.
type GmailServiceFactory func(ctx context.Context, mailbox string) (*gmail.Service, error)

// DelegatedGmailServices impersonates each mailbox with a service account that
// holds domain-wide delegation for scopes.
func DelegatedGmailServices(credentialsJSON []byte, scopes ...string) (GmailServiceFactory, error) {
	if _, err := google.JWTConfigFromJSON(credentialsJSON, scopes...); err != nil {
		return nil, fmt.Errorf("gmail credentials: %w", err)
	}
	return func(ctx context.Context, mailbox string) (*gmail.Service, error) {
		conf, err := google.JWTConfigFromJSON(credentialsJSON, scopes...)
		if err != nil {
			return nil, err
		}
		conf.Subject = mailbox
		// the client outlives the request that created it
		base := context.WithoutCancel(ctx)
		return gmail.NewService(base, option.WithTokenSource(conf.TokenSource(base)))
	}, nil
}

// MailboxWatch describes an active push subscription on a mailbox.
type MailboxWatch struct {
	Mailbox    string    `json:"mailbox"`
	HistoryID  uint64    `json:"historyId"`
	Expiration time.Time `json:"expiration"`
}

// GmailMailboxReader looks up announced messages through the Gmail API.
type GmailMailboxReader struct {
	services GmailServiceFactory
	labelID  string
	allowed  map[string]struct{}
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*gmail.Service
}

// NewGmailMailboxReader builds the reader. When mailboxes is non-empty,
// notifications for any other mailbox are refused.
func NewGmailMailboxReader(services GmailServiceFactory, labelID string, mailboxes []string, logger *zap.Logger) *GmailMailboxReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if labelID == "" {
		labelID = "INBOX"
	}
	allowed := make(map[string]struct{}, len(mailboxes))
	for _, m := range mailboxes {
		allowed[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &GmailMailboxReader{
		services: services,
		labelID:  labelID,
		allowed:  allowed,
		logger:   logger,
		clients:  map[string]*gmail.Service{},
	}
}

func (r *GmailMailboxReader) service(ctx context.Context, mailbox string) (*gmail.Service, error) {
	key := strings.ToLower(mailbox)
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[key]; !ok {
			return nil, Permanent(AdapterMailbox, "mailbox "+mailbox+" is not watched", nil)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.clients[key]; ok {
		return svc, nil
	}
	svc, err := r.services(ctx, mailbox)
	if err != nil {
		return nil, Permanent(AdapterMailbox, "mailbox client", err)
	}
	r.clients[key] = svc
	return svc, nil
}

// LatestMessage returns the newest message under the watched label. Repeated
// notifications resolve to the same message id and are deduplicated by the
// caller; an empty label yields nil.
func (r *GmailMailboxReader) LatestMessage(ctx context.Context, mailbox, historyID string) (*models.MessageRef, error) {
	svc, err := r.service(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	list, err := svc.Users.Messages.List("me").LabelIds(r.labelID).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError("list messages", err)
	}
	if len(list.Messages) == 0 {
		return nil, nil
	}
	msg, err := svc.Users.Messages.Get("me", list.Messages[0].Id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError("get message", err)
	}
	ref := gmailMessageRef(mailbox, msg)
	r.logger.Sugar().Debugw("resolved mailbox notification", "mailbox", mailbox, "history_id", historyID, "message_id", ref.MessageID, "thread_id", ref.ThreadID)
	return &ref, nil
}

// Watch (re)registers the push subscription for mailbox. Gmail expires
// watches after seven days, so this runs on a schedule.
func (r *GmailMailboxReader) Watch(ctx context.Context, mailbox, topic string) (*MailboxWatch, error) {
	svc, err := r.service(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName:         topic,
		LabelIds:          []string{r.labelID},
		LabelFilterAction: "include",
	}).Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError("watch", err)
	}
	return &MailboxWatch{
		Mailbox:    mailbox,
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

func gmailMessageRef(mailbox string, msg *gmail.Message) models.MessageRef {
	ref := models.MessageRef{Mailbox: mailbox, MessageID: msg.Id, ThreadID: msg.ThreadId}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				ref.Subject = h.Value
			case "from":
				ref.From = h.Value
			case "to":
				ref.To = splitAddresses(h.Value)
			case "cc":
				ref.Cc = splitAddresses(h.Value)
			case "message-id":
				ref.RFCMessageID = strings.TrimSpace(h.Value)
			}
		}
		ref.Body = partText(msg.Payload, true)
		if ref.Body == "" {
			ref.Body = partText(msg.Payload, false)
		}
	}
	if ref.Body == "" {
		ref.Body = msg.Snippet
	}
	return ref
}

// partText returns the first decodable body in the part tree, restricted to
// text/plain when plainOnly is set.
func partText(part *gmail.MessagePart, plainOnly bool) string {
	if part == nil {
		return ""
	}
	if part.Body != nil && part.Body.Data != "" && (!plainOnly || strings.HasPrefix(part.MimeType, "text/plain")) {
		if data, err := decodeGmailData(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, child := range part.Parts {
		if text := partText(child, plainOnly); text != "" {
			return text
		}
	}
	return ""
}

func decodeGmailData(data string) ([]byte, error) {
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

func splitAddresses(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(value); err == nil {
		out := make([]string, 0, len(list))
		for _, addr := range list {
			out = append(out, addr.Address)
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func classifyGmailError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return Transient(AdapterMailbox, fmt.Errorf("%s: %w", op, err))
		}
		return Permanent(AdapterMailbox, fmt.Sprintf("%s rejected (%d)", op, apiErr.Code), err)
	}
	return Transient(AdapterMailbox, fmt.Errorf("%s: %w", op, err))
}
