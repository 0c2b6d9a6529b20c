package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/pkg/config"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/export"
	"github.com/noah-isme/coi-workflow/pkg/mailer"
	"github.com/noah-isme/coi-workflow/pkg/storage"
)

type issuanceLedger interface {
	Claim(ctx context.Context, requestID string, now time.Time) (*models.Issuance, bool, error)
	Get(ctx context.Context, requestID string) (*models.Issuance, error)
	Complete(ctx context.Context, requestID string, result models.IssuanceResult) error
	Release(ctx context.Context, requestID, reason string) error
}

type certificateRenderer interface {
	Render(cert export.Certificate) ([]byte, error)
}

type certificateStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type downloadSigner interface {
	Generate(subjectID, relPath string) (string, time.Time, error)
	Parse(token string) (*storage.DownloadClaims, error)
}

type requestReader interface {
	Get(ctx context.Context, id string) (*models.Request, error)
}

// CertificateDownload is an opened, issued certificate.
type CertificateDownload struct {
	File      *os.File
	Filename  string
	ExpiresAt time.Time
}

// CertificateIssuer renders, stores and emails a COI. A ledger row per request
// makes repeated calls recognisable, so a request is sent at most once.
type CertificateIssuer struct {
	ledger   issuanceLedger
	renderer certificateRenderer
	storage  certificateStorage
	signer   downloadSigner
	sender   mailer.Sender
	requests requestReader
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      config.CertificatesConfig
	now      func() time.Time
}

// CertificateIssuerOption configures the issuer.
type CertificateIssuerOption func(*CertificateIssuer)

// WithRequestReader lets the issuer reply on the original email thread.
func WithRequestReader(reader requestReader) CertificateIssuerOption {
	return func(c *CertificateIssuer) {
		c.requests = reader
	}
}

// WithIssuerMetrics records issuance outcomes.
func WithIssuerMetrics(metrics *MetricsService) CertificateIssuerOption {
	return func(c *CertificateIssuer) {
		c.metrics = metrics
	}
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) CertificateIssuerOption {
	return func(c *CertificateIssuer) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCertificateIssuer constructs the executor.
func NewCertificateIssuer(ledger issuanceLedger, renderer certificateRenderer, store certificateStorage, signer downloadSigner, sender mailer.Sender, cfg config.CertificatesConfig, logger *zap.Logger, opts ...CertificateIssuerOption) *CertificateIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	if cfg.ProducerName == "" {
		cfg.ProducerName = "Insurance Agency"
	}
	c := &CertificateIssuer{
		ledger:   ledger,
		renderer: renderer,
		storage:  store,
		signer:   signer,
		sender:   sender,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Issue sends the certificate for requestID unless the ledger shows a prior attempt.
func (c *CertificateIssuer) Issue(ctx context.Context, requestID string, details models.HolderDetails) (*models.IssuanceResult, error) {
	now := c.now().UTC()
	row, claimed, err := c.ledger.Claim(ctx, requestID, now)
	if err != nil {
		return nil, Transient(AdapterIssuance, err)
	}
	if !claimed {
		return c.resolvePrior(row, now)
	}

	var original *models.Request
	if c.requests != nil {
		if req, err := c.requests.Get(ctx, requestID); err == nil {
			original = req
		}
	}
	recipient := details.SendToEmail
	if recipient == "" && original != nil {
		recipient = bareAddress(original.Message.From)
	}
	if recipient == "" {
		return nil, c.release(ctx, requestID, Permanent(AdapterIssuance, "no recipient email could be determined", nil))
	}
	if !validEmail(recipient) {
		return nil, c.release(ctx, requestID, Permanent(AdapterIssuance, fmt.Sprintf("recipient %q is not a valid email address", recipient), nil))
	}

	confirmationID := ConfirmationID(requestID, now)
	pdf, err := c.renderer.Render(export.Certificate{
		ConfirmationID: confirmationID,
		Producer:       c.cfg.ProducerName,
		InsuredName:    details.InsuredName,
		HolderName:     details.HolderName,
		HolderAddr1:    details.HolderAddr1,
		HolderAddr2:    details.HolderAddr2,
		IssuedAt:       now,
	})
	if err != nil {
		return nil, c.release(ctx, requestID, Permanent(AdapterIssuance, "render certificate", err))
	}

	relPath, err := c.storage.Save(filepath.Join(now.Format("2006/01"), requestID+".pdf"), pdf)
	if err != nil {
		return nil, c.release(ctx, requestID, Transient(AdapterIssuance, err))
	}
	downloadURL := ""
	if token, _, err := c.signer.Generate(requestID, relPath); err == nil {
		downloadURL = c.cfg.PublicBaseURL + "/certificates/" + token
	} else {
		c.logger.Sugar().Warnw("failed to sign certificate link", "request_id", requestID, "error", err)
	}

	msg := mailer.Message{
		MessageID: "<" + confirmationID + "@coi-workflow>",
		To:        []string{recipient},
		Subject:   "Certificate of Insurance",
		Body:      certificateEmailBody(details, downloadURL),
		Attachments: []mailer.Attachment{{
			Filename:    certificateFilename(details.InsuredName),
			ContentType: "application/pdf",
			Data:        pdf,
		}},
	}
	if original != nil {
		if original.Message.Subject != "" {
			msg.Subject = "Re: " + original.Message.Subject
		}
		msg.InReplyTo = original.Message.RFCMessageID
	}

	if err := c.sender.Send(ctx, msg); err != nil {
		if errors.Is(err, mailer.ErrNotDelivered) {
			return nil, c.release(ctx, requestID, Transient(AdapterIssuance, err))
		}
		c.metrics.RecordIssuance("ambiguous")
		c.logger.Sugar().Warnw("certificate delivery outcome unknown", "request_id", requestID, "error", err)
		return nil, Ambiguous(AdapterIssuance, err)
	}

	result := models.IssuanceResult{
		ConfirmationID: confirmationID,
		DocumentPath:   relPath,
		DownloadURL:    downloadURL,
		Recipient:      recipient,
		IssuedAt:       now,
	}
	if err := c.ledger.Complete(context.WithoutCancel(ctx), requestID, result); err != nil {
		c.logger.Sugar().Errorw("certificate sent but ledger not updated", "request_id", requestID, "confirmation_id", confirmationID, "error", err)
		return nil, Ambiguous(AdapterIssuance, err)
	}
	c.metrics.RecordIssuance("sent")
	c.logger.Sugar().Infow("certificate issued", "request_id", requestID, "confirmation_id", confirmationID, "recipient", recipient)
	return &result, nil
}

func (c *CertificateIssuer) resolvePrior(row *models.Issuance, now time.Time) (*models.IssuanceResult, error) {
	switch row.Status {
	case models.IssuanceStatusSent:
		res := row.Result()
		res.Repeat = true
		c.metrics.RecordIssuance("repeat")
		return res, nil
	case models.IssuanceStatusSending:
		if now.Sub(row.ClaimedAt) < c.cfg.ClaimTTL {
			return nil, Ambiguous(AdapterIssuance, errors.New("a send attempt is still in flight"))
		}
		c.metrics.RecordIssuance("failed")
		return nil, Permanent(AdapterIssuance, "unconfirmed: previous send attempt never completed, check the outbox manually", nil)
	default:
		return nil, Transient(AdapterIssuance, fmt.Errorf("unexpected ledger status %q", row.Status))
	}
}

func (c *CertificateIssuer) release(ctx context.Context, requestID string, cause *AdapterError) error {
	if err := c.ledger.Release(context.WithoutCancel(ctx), requestID, FailureReason(cause)); err != nil {
		c.logger.Sugar().Errorw("failed to release issuance claim", "request_id", requestID, "error", err)
		return Ambiguous(AdapterIssuance, err)
	}
	c.metrics.RecordIssuance("failed")
	return cause
}

// ResolveDownload validates a signed link and opens the issued certificate.
func (c *CertificateIssuer) ResolveDownload(ctx context.Context, token string) (*CertificateDownload, error) {
	claims, err := c.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	row, err := c.ledger.Get(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, repository.ErrIssuanceNotFound) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load issuance")
	}
	if row.Status != models.IssuanceStatusSent || row.DocumentPath == nil || *row.DocumentPath != claims.Path {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "certificate not available")
	}
	file, err := c.storage.Open(claims.Path)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open certificate")
	}
	return &CertificateDownload{File: file, Filename: filepath.Base(claims.Path), ExpiresAt: claims.ExpiresAt}, nil
}

// ConfirmationID derives the certificate number printed on the COI.
func ConfirmationID(requestID string, issuedAt time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(requestID, "-", ""))
	if len(short) > 10 {
		short = short[:10]
	}
	return fmt.Sprintf("COI-%s-%s", issuedAt.UTC().Format("20060102"), short)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

func certificateFilename(insured string) string {
	name := strings.Trim(unsafeFilenameChars.ReplaceAllString(insured, "_"), "_")
	if name == "" {
		name = "certificate"
	}
	return "COI_" + name + ".pdf"
}

func certificateEmailBody(details models.HolderDetails, downloadURL string) string {
	var b strings.Builder
	b.WriteString("Hello,\n\nPlease find attached the Certificate of Insurance")
	if details.InsuredName != "" {
		fmt.Fprintf(&b, " for %s", details.InsuredName)
	}
	if details.HolderName != "" {
		fmt.Fprintf(&b, ", certificate holder %s", details.HolderName)
	}
	b.WriteString(".\n")
	if downloadURL != "" {
		fmt.Fprintf(&b, "\nThe certificate can also be downloaded here: %s\n", downloadURL)
	}
	b.WriteString("\nBest regards\n")
	return b.String()
}

// bareAddress strips the display name from a From header value.
func bareAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(from)
}
