package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/pkg/config"
)

// ErrNotDelivered marks failures that happened before the server accepted the
// message body, so the message is known not to have been sent.
var ErrNotDelivered = errors.New("message not delivered")

// Attachment is a file attached to an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outgoing email.
type Message struct {
	MessageID   string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	InReplyTo   string
	Attachments []Attachment
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// New returns an SMTP sender, or a logging sender when no host is configured.
func New(cfg config.SMTPConfig, logger *zap.Logger) Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		return &LogSender{logger: logger}
	}
	return NewSMTPSender(cfg, logger)
}

// SMTPSender delivers mail through an SMTP relay, upgrading to TLS when offered.
type SMTPSender struct {
	cfg     config.SMTPConfig
	logger  *zap.Logger
	timeout time.Duration
}

// NewSMTPSender constructs the sender.
func NewSMTPSender(cfg config.SMTPConfig, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{cfg: cfg, logger: logger, timeout: 15 * time.Second}
}

func (s *SMTPSender) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return mail.NewClient(s.cfg.Host, opts...)
}

// Send transmits msg. Errors wrapping ErrNotDelivered are safe to retry; any
// other error means the server may already hold the message.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.cfg.Override != "" {
		msg.To = []string{s.cfg.Override}
		msg.Cc = nil
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrNotDelivered)
	}
	m, err := Compose(s.cfg.From, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}

	client, err := s.client()
	if err != nil {
		return fmt.Errorf("%w: smtp client: %v", ErrNotDelivered, err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotDelivered, s.cfg.Host, err)
	}
	sendErr := client.Send(m)
	if closeErr := client.Close(); closeErr != nil {
		s.logger.Sugar().Debugw("smtp close failed", "message_id", msg.MessageID, "error", closeErr)
	}
	if sendErr == nil {
		return nil
	}
	if m.IsDelivered() {
		s.logger.Sugar().Warnw("smtp error after delivery", "message_id", msg.MessageID, "error", sendErr)
		return nil
	}
	return classifySendError(sendErr)
}

// classifySendError splits failures at the DATA boundary. Once the body has
// been written the server may have queued it, so the outcome is unknown.
func classifySendError(err error) error {
	var sendErr *mail.SendError
	if !errors.As(err, &sendErr) {
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
	switch sendErr.Reason {
	case mail.ErrWriteContent, mail.ErrSMTPDataClose, mail.ErrAmbiguous:
		return fmt.Errorf("smtp outcome unknown: %w", err)
	default:
		return fmt.Errorf("%w: %v", ErrNotDelivered, err)
	}
}

// LogSender records messages in the log instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a logging sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message envelope.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Sugar().Infow("smtp disabled, message not sent",
		"message_id", msg.MessageID,
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
	)
	return nil
}

var messageIDPattern = regexp.MustCompile(`^<[^<>@\s]+@[^<>@\s]+>$`)

// headerMessageID normalises a Message-ID value to its bracketed form and
// returns "" for anything that is not a single well-formed id.
func headerMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id + ">"
	}
	if !messageIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// headerText folds any line breaks in free text into spaces.
func headerText(raw string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(raw)), " ")
}

// Compose builds the MIME message for msg.
func Compose(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("cc address: %w", err)
		}
	}
	m.Subject(headerText(msg.Subject))
	m.SetDate()
	if id := headerMessageID(msg.MessageID); id != "" {
		m.SetMessageIDWithValue(strings.Trim(id, "<>"))
	} else {
		m.SetMessageID()
	}
	if parent := headerMessageID(msg.InReplyTo); parent != "" {
		m.SetGenHeader(mail.HeaderInReplyTo, parent)
		m.SetGenHeader(mail.HeaderReferences, parent)
	}
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Data), mail.WithFileContentType(mail.ContentType(contentType))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", att.Filename, err)
		}
	}
	return m, nil
}
