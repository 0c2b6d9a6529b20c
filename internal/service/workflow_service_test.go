package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/pkg/config"
	"github.com/noah-isme/coi-workflow/pkg/events"
	"github.com/noah-isme/coi-workflow/pkg/jobs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExtractor struct {
	mu      sync.Mutex
	details *models.HolderDetails
	err     error
	calls   int
}

func (f *fakeExtractor) Extract(context.Context, models.MessageRef) (*models.HolderDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d := *f.details
	return &d, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	prompts   []ApprovalPrompt
	notices   []string
	promptErr error
}

func (g *fakeGateway) RequestApproval(_ context.Context, prompt ApprovalPrompt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.promptErr != nil {
		return g.promptErr
	}
	g.prompts = append(g.prompts, prompt)
	return nil
}

func (g *fakeGateway) Notify(_ context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notices = append(g.notices, text)
	return nil
}

func (g *fakeGateway) lastPrompt(t *testing.T) ApprovalPrompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.prompts)
	return g.prompts[len(g.prompts)-1]
}

// fakeIssuer keeps its own record of sent certificates the way the real
// executor keeps a ledger.
type fakeIssuer struct {
	mu               sync.Mutex
	sent             map[string]models.IssuanceResult
	calls            int
	sends            int
	ambiguousFirst   bool
	alwaysAmbiguous  bool
	permanentFailure bool
	confirmationID   string
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{sent: map[string]models.IssuanceResult{}, confirmationID: "conf-123"}
}

func (f *fakeIssuer) Issue(_ context.Context, requestID string, details models.HolderDetails) (*models.IssuanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanentFailure {
		return nil, Permanent(AdapterIssuance, "invalid recipient", nil)
	}
	if f.alwaysAmbiguous {
		return nil, Ambiguous(AdapterIssuance, errors.New("smtp connection dropped after DATA"))
	}
	if prior, ok := f.sent[requestID]; ok {
		prior.Repeat = true
		return &prior, nil
	}
	result := models.IssuanceResult{ConfirmationID: f.confirmationID, Recipient: details.SendToEmail, IssuedAt: time.Now().UTC()}
	f.sent[requestID] = result
	f.sends++
	if f.ambiguousFirst && f.calls == 1 {
		return nil, Ambiguous(AdapterIssuance, errors.New("timeout waiting for smtp response"))
	}
	return &result, nil
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []events.Transition
}

func (p *recordingPublisher) Publish(_ context.Context, t events.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (d *recordingDispatcher) Enqueue(job jobs.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

type workflowHarness struct {
	svc       *WorkflowService
	store     *repository.MemoryRequestStore
	eventLog  *repository.MemoryRequestEventLog
	publisher *recordingPublisher
	clock     *fakeClock
	extractor *fakeExtractor
	gateway   *fakeGateway
	issuer    *fakeIssuer
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		ApprovalTTL:          24 * time.Hour,
		ExtractionTimeout:    time.Second,
		GatewayTimeout:       time.Second,
		IssuanceTimeout:      time.Second,
		RetryMaxAttempts:     3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		StallAfter:           10 * time.Minute,
	}
}

func newWorkflowHarness(t *testing.T, cfg config.WorkflowConfig, opts ...WorkflowOption) *workflowHarness {
	t.Helper()
	h := &workflowHarness{
		store:     repository.NewMemoryRequestStore(),
		eventLog:  repository.NewMemoryRequestEventLog(),
		publisher: &recordingPublisher{},
		clock:     newFakeClock(),
		extractor: &fakeExtractor{details: &models.HolderDetails{
			InsuredName: "Acme Roofing LLC",
			HolderName:  "Beta Property Management",
			HolderAddr1: "1 Main St",
			HolderAddr2: "Austin, TX 78701",
			SendToEmail: "ops@beta.test",
		}},
		gateway: &fakeGateway{},
		issuer:  newFakeIssuer(),
	}
	dedup := NewDeduplicator(h.store, nil, zap.NewNop(), WithDeduplicatorClock(h.clock.Now))
	base := []WorkflowOption{
		WithWorkflowClock(h.clock.Now),
		WithTransitionLog(h.eventLog),
		WithEventPublisher(h.publisher),
		WithWorkflowMetrics(NewMetricsService()),
	}
	h.svc = NewWorkflowService(h.store, dedup, h.extractor, h.gateway, h.issuer, cfg, zap.NewNop(), append(base, opts...)...)
	return h
}

func (h *workflowHarness) get(t *testing.T, id string) *models.Request {
	t.Helper()
	req, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func TestWorkflowIssuesApprovedRequestOnce(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("E1"))
	require.NoError(t, err)
	require.Equal(t, AdmitNew, admitted.Outcome)

	r1 := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateAwaitingApproval, r1.State)
	require.NotNil(t, r1.HolderDetails)
	require.Equal(t, "Beta Property Management", r1.HolderDetails.HolderName)
	require.NotNil(t, r1.PromptedAt)
	require.NotNil(t, r1.ApprovalExpiresAt)
	require.Equal(t, h.clock.Now().Add(24*time.Hour), *r1.ApprovalExpiresAt)
	t1 := r1.Token()
	require.NotEmpty(t, t1)
	require.Equal(t, t1, h.gateway.lastPrompt(t).Token)

	decided, err := h.svc.HandleDecision(ctx, DecisionInput{Token: t1, Decision: models.DecisionApproved, Actor: "telegram:@reviewer"})
	require.NoError(t, err)
	require.Equal(t, DecisionApplied, decided.Outcome)

	issued := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateIssued, issued.State)
	require.NotNil(t, issued.IssuanceResult)
	require.Equal(t, "conf-123", issued.IssuanceResult.ConfirmationID)
	require.Equal(t, models.DecisionApproved, issued.Decision.Outcome)
	require.Equal(t, 1, h.issuer.sends)

	// Redelivered inbound event after issuance.
	again, err := h.svc.HandleNotification(ctx, sampleChange("E1"))
	require.NoError(t, err)
	require.Equal(t, AdmitDuplicate, again.Outcome)
	require.Equal(t, admitted.RequestID, again.RequestID)
	total, err := h.store.Count(ctx, models.RequestFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	// Redelivered decision after issuance.
	dup, err := h.svc.HandleDecision(ctx, DecisionInput{Token: t1, Decision: models.DecisionApproved, Actor: "telegram:@reviewer"})
	require.NoError(t, err)
	require.Equal(t, DecisionDuplicate, dup.Outcome)
	require.Equal(t, models.RequestStateIssued, dup.State)
	require.Equal(t, 1, h.issuer.calls)
	require.Equal(t, issued.Version, h.get(t, admitted.RequestID).Version)

	history, err := h.eventLog.ListByRequest(ctx, admitted.RequestID)
	require.NoError(t, err)
	var path []models.RequestState
	for _, ev := range history {
		path = append(path, ev.ToState)
	}
	require.Equal(t, []models.RequestState{
		models.RequestStateExtracting,
		models.RequestStateAwaitingApproval,
		models.RequestStateApproved,
		models.RequestStateIssued,
	}, path)
	require.Len(t, h.publisher.transitions, 4)
	require.True(t, strings.HasPrefix(h.gateway.notices[len(h.gateway.notices)-1], "✅ Sent COI for Acme Roofing LLC"))
}

func TestWorkflowAmbiguousIssuanceIsRecognisedAsRepeat(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.issuer.ambiguousFirst = true
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-ambiguous"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	_, err = h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateIssued, req.State)
	require.Equal(t, "conf-123", req.IssuanceResult.ConfirmationID)
	require.Equal(t, 2, h.issuer.calls)
	require.Equal(t, 1, h.issuer.sends)
}

func TestWorkflowUnresolvedAmbiguityLeavesRequestApproved(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.issuer.alwaysAmbiguous = true
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-unknown"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	_, err = h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateApproved, req.State)
	require.Nil(t, req.IssuanceResult)
	require.Equal(t, 3, h.issuer.calls)

	err = h.svc.Advance(ctx, admitted.RequestID)
	require.Error(t, err)
	require.Equal(t, ErrorAmbiguous, ClassifyError(err))
}

func TestWorkflowPermanentIssuanceFailure(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.issuer.permanentFailure = true
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-bad-recipient"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	_, err = h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateIssuanceFailed, req.State)
	require.Equal(t, "invalid recipient", *req.FailureReason)
	require.Equal(t, 1, h.issuer.calls)
}

func TestWorkflowRejectedDecision(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-reject"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	res, err := h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionRejected, Actor: "ops"})
	require.NoError(t, err)
	require.Equal(t, DecisionApplied, res.Outcome)
	require.Equal(t, models.RequestStateRejected, res.State)

	// A later approval with the same token cannot reopen the request.
	res, err = h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)
	require.Equal(t, DecisionDuplicate, res.Outcome)
	require.Equal(t, models.RequestStateRejected, h.get(t, admitted.RequestID).State)
	require.Zero(t, h.issuer.calls)
	require.Contains(t, h.gateway.notices, "🚫 Skipped COI for Acme Roofing LLC")
}

func TestWorkflowLateDecisionAfterSweepExpiry(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-late"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	h.clock.Advance(24*time.Hour + time.Minute)
	n, err := h.svc.SweepExpired(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	expired := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateExpired, expired.State)
	require.Equal(t, models.DecisionExpired, expired.Decision.Outcome)

	res, err := h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)
	require.Equal(t, DecisionExpired, res.Outcome)
	after := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateExpired, after.State)
	require.Equal(t, expired.Version, after.Version)
	require.Zero(t, h.issuer.calls)

	n, err = h.svc.SweepExpired(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkflowDecisionPastDeadlineExpiresOnAccess(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-on-access"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	h.clock.Advance(25 * time.Hour)
	res, err := h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)
	require.Equal(t, DecisionExpired, res.Outcome)
	require.Equal(t, models.RequestStateExpired, h.get(t, admitted.RequestID).State)
	require.Zero(t, h.issuer.calls)
}

func TestWorkflowUnknownTokenIsIgnored(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	res, err := h.svc.HandleDecision(context.Background(), DecisionInput{Token: "5f0c3c52-6f0e-4c1e-9a59-0d1bd5f1a7c2", Decision: models.DecisionApproved})
	require.NoError(t, err)
	require.Equal(t, DecisionUnknownToken, res.Outcome)
}

func TestWorkflowRejectsMalformedDecision(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	_, err := h.svc.HandleDecision(context.Background(), DecisionInput{Token: "t", Decision: models.DecisionExpired})
	require.Error(t, err)
	_, err = h.svc.HandleDecision(context.Background(), DecisionInput{Decision: models.DecisionApproved})
	require.Error(t, err)
}

func TestWorkflowConcurrentDuplicateDecisionsApplyOnce(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-race"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	var wg sync.WaitGroup
	outcomes := make(chan DecisionOutcome, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
			require.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == DecisionApplied {
			applied++
		} else {
			require.Equal(t, DecisionDuplicate, outcome)
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, models.RequestStateIssued, h.get(t, admitted.RequestID).State)
	require.Equal(t, 1, h.issuer.sends)
}

func TestWorkflowTransientExtractionExhaustsRetries(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.extractor.err = Transient(AdapterExtraction, errors.New("529 overloaded"))

	admitted, err := h.svc.HandleNotification(context.Background(), sampleChange("m-flaky"))
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateExtractionFailed, req.State)
	require.NotNil(t, req.FailureReason)
	require.Equal(t, 3, h.extractor.calls)
	require.Empty(t, h.gateway.prompts)
	require.Empty(t, req.Token())
}

func TestWorkflowPermanentExtractionFailsWithoutRetry(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.extractor.err = Permanent(AdapterExtraction, "not a COI request", nil)

	admitted, err := h.svc.HandleNotification(context.Background(), sampleChange("m-newsletter"))
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateExtractionFailed, req.State)
	require.Equal(t, "not a COI request", *req.FailureReason)
	require.Equal(t, 1, h.extractor.calls)
	require.Len(t, h.gateway.notices, 1)
}

func TestWorkflowUndeliverablePromptFailsApproval(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	h.gateway.promptErr = Permanent(AdapterApproval, "chat not found", nil)

	admitted, err := h.svc.HandleNotification(context.Background(), sampleChange("m-no-chat"))
	require.NoError(t, err)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateApprovalFailed, req.State)
	require.Equal(t, "chat not found", *req.FailureReason)
}

func TestWorkflowSendsOneReminder(t *testing.T) {
	cfg := testWorkflowConfig()
	cfg.ReminderBefore = time.Hour
	h := newWorkflowHarness(t, cfg)
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-remind"))
	require.NoError(t, err)
	token := h.get(t, admitted.RequestID).Token()

	n, err := h.svc.SendReminders(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(23*time.Hour + 30*time.Minute)
	n, err = h.svc.SendReminders(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	reminder := h.gateway.lastPrompt(t)
	require.True(t, reminder.Reminder)
	require.Equal(t, token, reminder.Token)

	n, err = h.svc.SendReminders(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	req := h.get(t, admitted.RequestID)
	require.Equal(t, models.RequestStateAwaitingApproval, req.State)
	require.NotNil(t, req.RemindedAt)
}

func TestWorkflowRecoverStalledRedispatches(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newWorkflowHarness(t, testWorkflowConfig(), WithJobQueue(dispatcher))
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-stalled"))
	require.NoError(t, err)
	require.Len(t, dispatcher.jobs, 1)
	require.Equal(t, jobs.Job{ID: admitted.RequestID, Type: JobAdvance}, dispatcher.jobs[0])

	n, err := h.svc.RecoverStalled(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(11 * time.Minute)
	n, err = h.svc.RecoverStalled(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dispatcher.jobs, 2)

	require.NoError(t, h.svc.Advance(ctx, admitted.RequestID))
	require.Equal(t, models.RequestStateAwaitingApproval, h.get(t, admitted.RequestID).State)
}

func TestWorkflowAdvanceIsIdempotent(t *testing.T) {
	h := newWorkflowHarness(t, testWorkflowConfig())
	ctx := context.Background()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-idem"))
	require.NoError(t, err)
	before := h.get(t, admitted.RequestID)

	require.NoError(t, h.svc.Advance(ctx, admitted.RequestID))
	require.NoError(t, h.svc.Advance(ctx, admitted.RequestID))

	after := h.get(t, admitted.RequestID)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, 1, h.extractor.calls)
	require.Len(t, h.gateway.prompts, 1)

	err = h.svc.Advance(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrRequestNotFound)
}

func TestWorkflowRunsJobsThroughQueue(t *testing.T) {
	queue := jobs.NewQueue("workflow", nil, jobs.QueueConfig{Workers: 2, RetryDelay: time.Millisecond})
	h := newWorkflowHarness(t, testWorkflowConfig(), WithJobQueue(queue))
	h.svc.RegisterJobs(queue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)
	defer queue.Stop()

	admitted, err := h.svc.HandleNotification(ctx, sampleChange("m-queued"))
	require.NoError(t, err)

	drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer drainCancel()
	require.NoError(t, queue.Drain(drainCtx))

	token := h.get(t, admitted.RequestID).Token()
	_, err = h.svc.HandleDecision(ctx, DecisionInput{Token: token, Decision: models.DecisionApproved})
	require.NoError(t, err)
	require.NoError(t, queue.Drain(drainCtx))

	require.Equal(t, models.RequestStateIssued, h.get(t, admitted.RequestID).State)
}

func TestWorkflowStatesNeverMoveBackward(t *testing.T) {
	for _, terminal := range models.TerminalRequestStates() {
		for _, state := range models.AllRequestStates() {
			require.False(t, models.CanTransition(terminal, state), "%s -> %s", terminal, state)
		}
	}
	for _, state := range models.AllRequestStates() {
		require.False(t, models.CanTransition(state, models.RequestStateAwaitingApproval) && state != models.RequestStateExtracting)
	}
}
