package bootstrap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/service"
	"github.com/noah-isme/coi-workflow/pkg/config"
)

type fixedExtractor struct{}

func (fixedExtractor) Extract(context.Context, models.MessageRef) (*models.HolderDetails, error) {
	return &models.HolderDetails{
		InsuredName: "Acme Roofing LLC",
		HolderName:  "Harbor Property Group",
		HolderAddr1: "12 Dock St",
		HolderAddr2: "Portland, ME 04101",
	}, nil
}

type promptRecorder struct {
	mu      sync.Mutex
	prompts []service.ApprovalPrompt
	answers []string
}

func (g *promptRecorder) RequestApproval(_ context.Context, prompt service.ApprovalPrompt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return nil
}

func (g *promptRecorder) Notify(context.Context, string) error { return nil }

func (g *promptRecorder) AnswerCallback(_ context.Context, _ string, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, text)
	return nil
}

func (g *promptRecorder) lastToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1].Token
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:         config.EnvDevelopment,
		APIPrefix:   "/api/v1",
		StoreDriver: config.StoreDriverMemory,
		Auth:        config.AuthConfig{JWTSecret: "test-secret", PushVerificationToken: "push-token"},
		Telegram:    config.TelegramConfig{WebhookSecret: "hook-secret"},
		Workflow: config.WorkflowConfig{
			ApprovalTTL:          time.Hour,
			ExtractionTimeout:    time.Second,
			GatewayTimeout:       time.Second,
			IssuanceTimeout:      5 * time.Second,
			RetryMaxAttempts:     2,
			RetryInitialInterval: 10 * time.Millisecond,
			RetryMaxInterval:     50 * time.Millisecond,
			StallAfter:           time.Minute,
			WorkerConcurrency:    2,
		},
		Certificates: config.CertificatesConfig{
			StorageDir:      t.TempDir(),
			SignedURLSecret: "url-secret",
			SignedURLTTL:    time.Hour,
			PublicBaseURL:   "http://coi.test",
		},
	}
}

type latestMessage struct {
	ref models.MessageRef
}

func (l latestMessage) LatestMessage(_ context.Context, mailbox, _ string) (*models.MessageRef, error) {
	ref := l.ref.Clone()
	ref.Mailbox = mailbox
	return &ref, nil
}

func newTestApp(t *testing.T, opts ...Option) (*App, *promptRecorder, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gateway := &promptRecorder{}
	opts = append([]Option{WithExtractor(fixedExtractor{}), WithGateway(gateway)}, opts...)
	app, err := New(context.Background(), testConfig(t), zap.NewNop(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	t.Cleanup(func() {
		cancel()
		app.Close(context.Background())
	})
	return app, gateway, NewRouter(app)
}

func pushRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	return pushChange(t, token, dto.MailboxChange{
		EmailAddress: "coi@agency.test",
		MessageID:    "msg-100",
		Subject:      "Need a COI for Harbor Property",
		From:         "ops@harbor.test",
	})
}

func pushChange(t *testing.T, token string, mailboxChange dto.MailboxChange) *http.Request {
	t.Helper()
	change, err := json.Marshal(mailboxChange)
	require.NoError(t, err)
	body, err := json.Marshal(dto.PushEnvelope{Message: dto.PushMessage{Data: base64.StdEncoding.EncodeToString(change), MessageID: "d-1"}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/pubsub/mailbox?token="+token, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterHealthAndAuth(t *testing.T) {
	_, _, router := newTestApp(t)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(router, pushRequest(t, "wrong"))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkflowEndToEnd(t *testing.T) {
	app, gateway, router := newTestApp(t)

	w := serve(router, pushRequest(t, "push-token"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var admitted struct {
		Data dto.AdmitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &admitted))
	requestID := admitted.Data.RequestID
	require.NotEmpty(t, requestID)

	w = serve(router, pushRequest(t, "push-token"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	require.Eventually(t, func() bool { return gateway.lastToken() != "" }, 2*time.Second, 10*time.Millisecond)

	callback := `{"update_id":9,"callback_query":{"id":"cb-9","from":{"id":1,"username":"reviewer"},"data":"approve:` + gateway.lastToken() + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewBufferString(callback))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	w = serve(router, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		stored, err := app.Store.Requests.Get(context.Background(), requestID)
		return err == nil && stored.State == models.RequestStateIssued
	}, 2*time.Second, 10*time.Millisecond)

	token, _, err := app.Auth.IssueToken("op-1", "Operator", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+requestID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = serve(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"toState":"issued"`)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, []string{"Sending the COI"}, gateway.answers)
}

func TestWatchNotificationResolvedThroughMailbox(t *testing.T) {
	reader := latestMessage{ref: models.MessageRef{
		MessageID:    "18f2a0c41d",
		ThreadID:     "18f2a0c000",
		RFCMessageID: "<CAF=abc@mail.gmail.com>",
		Subject:      "Request for certificate",
		From:         "Dispatch <dispatch@broker.test>",
	}}
	app, gateway, router := newTestApp(t, WithMailboxReader(reader))

	watch := dto.MailboxChange{EmailAddress: "tony@lioninsurance.us", HistoryID: "9876"}
	w := serve(router, pushChange(t, "push-token", watch))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"new"`)

	watch.HistoryID = "9877"
	w = serve(router, pushChange(t, "push-token", watch))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	require.Eventually(t, func() bool { return gateway.lastToken() != "" }, 2*time.Second, 10*time.Millisecond)
	stored, err := app.Store.Requests.Get(context.Background(), service.RequestIDFor("tony@lioninsurance.us/18f2a0c41d"))
	require.NoError(t, err)
	assert.Equal(t, "<CAF=abc@mail.gmail.com>", stored.Message.RFCMessageID)
}

func TestWatchNotificationWithoutMailboxReader(t *testing.T) {
	_, _, router := newTestApp(t)
	w := serve(router, pushChange(t, "push-token", dto.MailboxChange{EmailAddress: "tony@lioninsurance.us", HistoryID: "9876"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
