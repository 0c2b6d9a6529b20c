package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/pkg/config"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/export"
	"github.com/noah-isme/coi-workflow/pkg/mailer"
	"github.com/noah-isme/coi-workflow/pkg/storage"
)

type stubMailer struct {
	mu   sync.Mutex
	errs []error
	sent []mailer.Message
}

func (m *stubMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

type brokenRenderer struct{}

func (brokenRenderer) Render(export.Certificate) ([]byte, error) {
	return nil, errors.New("font missing")
}

type issuerHarness struct {
	issuer *CertificateIssuer
	ledger *repository.MemoryIssuanceLedger
	store  *repository.MemoryRequestStore
	mail   *stubMailer
	clock  *fakeClock
	signer *storage.SignedURLSigner
}

func newIssuerHarness(t *testing.T, renderer certificateRenderer) *issuerHarness {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	clock := newFakeClock()
	signer := storage.NewSignedURLSigner("secret", time.Hour).WithClock(clock.Now)
	h := &issuerHarness{
		ledger: repository.NewMemoryIssuanceLedger(),
		store:  repository.NewMemoryRequestStore(),
		mail:   &stubMailer{},
		clock:  clock,
		signer: signer,
	}
	if renderer == nil {
		renderer = export.NewCertificateRenderer()
	}
	h.issuer = NewCertificateIssuer(h.ledger, renderer, files, signer, h.mail, config.CertificatesConfig{
		PublicBaseURL: "https://coi.test",
		ProducerName:  "Test Agency",
		ClaimTTL:      15 * time.Minute,
	}, nil, WithRequestReader(h.store), WithIssuerClock(clock.Now))
	return h
}

func (h *issuerHarness) seedRequest(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateIfAbsent(context.Background(), &models.Request{
		ID:      id,
		State:   models.RequestStateApproved,
		Version: 1,
		Message: models.MessageRef{
			Mailbox:      "coi@agency.test",
			MessageID:    "18f2a0c41d",
			RFCMessageID: "<m-1@broker.test>",
			Subject:      "COI needed",
			From:         "Broker Desk <broker@example.test>",
		},
	}))
}

var issueDetails = models.HolderDetails{
	InsuredName: "Rapid Trucking Inc",
	HolderName:  "Highway App, Inc.",
	HolderAddr1: "5931 Greenville Ave",
	HolderAddr2: "Dallas, TX 75206",
}

func TestCertificateIssuerSendsOnce(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "3f2b7a10-0000-4000-8000-000000000001")
	ctx := context.Background()

	res, err := h.issuer.Issue(ctx, "3f2b7a10-0000-4000-8000-000000000001", issueDetails)
	require.NoError(t, err)
	require.False(t, res.Repeat)
	require.Equal(t, "COI-20240506-3F2B7A1000", res.ConfirmationID)
	require.Equal(t, "broker@example.test", res.Recipient)
	require.True(t, strings.HasPrefix(res.DownloadURL, "https://coi.test/certificates/"))

	require.Len(t, h.mail.sent, 1)
	msg := h.mail.sent[0]
	require.Equal(t, "Re: COI needed", msg.Subject)
	require.Equal(t, "<m-1@broker.test>", msg.InReplyTo)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "COI_Rapid_Trucking_Inc.pdf", msg.Attachments[0].Filename)
	require.True(t, strings.HasPrefix(string(msg.Attachments[0].Data), "%PDF"))

	again, err := h.issuer.Issue(ctx, "3f2b7a10-0000-4000-8000-000000000001", issueDetails)
	require.NoError(t, err)
	require.True(t, again.Repeat)
	require.Equal(t, res.ConfirmationID, again.ConfirmationID)
	require.Len(t, h.mail.sent, 1)
}

func TestCertificateIssuerPrefersExtractedRecipient(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "req-1")
	details := issueDetails
	details.SendToEmail = "certs@highway.test"

	res, err := h.issuer.Issue(context.Background(), "req-1", details)
	require.NoError(t, err)
	require.Equal(t, "certs@highway.test", res.Recipient)
	require.Equal(t, []string{"certs@highway.test"}, h.mail.sent[0].To)
}

func TestCertificateIssuerRejectsInvalidRecipient(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "req-1")
	details := issueDetails
	details.SendToEmail = "certs at highway"

	_, err := h.issuer.Issue(context.Background(), "req-1", details)
	require.Equal(t, ErrorPermanent, ClassifyError(err))
	require.Contains(t, FailureReason(err), "not a valid email address")
	require.Empty(t, h.mail.sent)

	row, err := h.ledger.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.IssuanceStatusFailed, row.Status)
}

func TestCertificateIssuerUndeliveredReleasesClaim(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "req-1")
	h.mail.errs = []error{mailer.ErrNotDelivered}

	_, err := h.issuer.Issue(context.Background(), "req-1", issueDetails)
	require.Error(t, err)
	require.Equal(t, ErrorTransient, ClassifyError(err))

	row, err := h.ledger.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.IssuanceStatusFailed, row.Status)

	res, err := h.issuer.Issue(context.Background(), "req-1", issueDetails)
	require.NoError(t, err)
	require.False(t, res.Repeat)
	require.Len(t, h.mail.sent, 1)
}

func TestCertificateIssuerAmbiguousSendIsNotRepeated(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "req-1")
	h.mail.errs = []error{errors.New("connection reset after DATA")}
	ctx := context.Background()

	_, err := h.issuer.Issue(ctx, "req-1", issueDetails)
	require.Equal(t, ErrorAmbiguous, ClassifyError(err))

	_, err = h.issuer.Issue(ctx, "req-1", issueDetails)
	require.Equal(t, ErrorAmbiguous, ClassifyError(err))
	require.Empty(t, h.mail.sent)

	h.clock.Advance(16 * time.Minute)
	_, err = h.issuer.Issue(ctx, "req-1", issueDetails)
	require.Equal(t, ErrorPermanent, ClassifyError(err))
	require.Contains(t, FailureReason(err), "unconfirmed")
	require.Empty(t, h.mail.sent)
}

func TestCertificateIssuerPermanentFailures(t *testing.T) {
	h := newIssuerHarness(t, brokenRenderer{})
	h.seedRequest(t, "req-1")
	_, err := h.issuer.Issue(context.Background(), "req-1", issueDetails)
	require.Equal(t, ErrorPermanent, ClassifyError(err))
	require.Equal(t, "render certificate", FailureReason(err))

	h = newIssuerHarness(t, nil)
	_, err = h.issuer.Issue(context.Background(), "unknown", issueDetails)
	require.Equal(t, ErrorPermanent, ClassifyError(err))
	require.Equal(t, "no recipient email could be determined", FailureReason(err))
}

func TestCertificateIssuerResolveDownload(t *testing.T) {
	h := newIssuerHarness(t, nil)
	h.seedRequest(t, "req-1")
	res, err := h.issuer.Issue(context.Background(), "req-1", issueDetails)
	require.NoError(t, err)
	token := strings.TrimPrefix(res.DownloadURL, "https://coi.test/certificates/")

	download, err := h.issuer.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	require.Equal(t, "req-1.pdf", download.Filename)
	data, err := io.ReadAll(download.File)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "%PDF"))

	_, err = h.issuer.ResolveDownload(context.Background(), "not-a-token")
	require.Equal(t, appErrors.ErrForbidden.Status, appErrors.FromError(err).Status)

	h.clock.Advance(2 * time.Hour)
	_, err = h.issuer.ResolveDownload(context.Background(), token)
	require.Equal(t, "download link expired", appErrors.FromError(err).Message)
}
