package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/pkg/config"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/events"
	"github.com/noah-isme/coi-workflow/pkg/jobs"
	"github.com/noah-isme/coi-workflow/pkg/telemetry"
)

// Job types dispatched by the orchestrator. Jobs carry only the request id.
const (
	JobAdvance = "advance"
	JobIssue   = "issue"
)

const (
	systemActor    = "system"
	maxCASAttempts = 8
	sweepBatchSize = 100
)

// errNotApplicable reports that the request already moved past the attempted step.
var errNotApplicable = errors.New("transition not applicable")

// Extractor infers holder details from a COI request email.
type Extractor interface {
	Extract(ctx context.Context, msg models.MessageRef) (*models.HolderDetails, error)
}

// ApprovalPrompt is what the reviewer is asked to decide on.
type ApprovalPrompt struct {
	RequestID string
	Token     string
	Subject   string
	Details   models.HolderDetails
	ExpiresAt time.Time
	Reminder  bool
}

// ApprovalGateway delivers prompts and notices to the human reviewer.
type ApprovalGateway interface {
	RequestApproval(ctx context.Context, prompt ApprovalPrompt) error
	Notify(ctx context.Context, text string) error
}

// IssuanceExecutor generates and sends the COI. Repeated calls for the same
// request id must not send a second certificate.
type IssuanceExecutor interface {
	Issue(ctx context.Context, requestID string, details models.HolderDetails) (*models.IssuanceResult, error)
}

type workflowStore interface {
	Get(ctx context.Context, id string) (*models.Request, error)
	FindByApprovalToken(ctx context.Context, token string) (*models.Request, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, updated *models.Request) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Request, error)
	ListReminderDue(ctx context.Context, now, dueBy time.Time, limit int) ([]models.Request, error)
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Request, error)
}

type transitionLog interface {
	Append(ctx context.Context, event *models.RequestEvent) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// DecisionOutcome describes how a reviewer decision was handled.
type DecisionOutcome string

const (
	DecisionApplied      DecisionOutcome = "applied"
	DecisionDuplicate    DecisionOutcome = "duplicate"
	DecisionUnknownToken DecisionOutcome = "unknown_token"
	DecisionExpired      DecisionOutcome = "expired"
)

// DecisionInput is a reviewer decision as delivered by the approval transport.
type DecisionInput struct {
	Token    string
	Decision models.DecisionValue
	Actor    string
}

// DecisionResult reports the outcome and the request state after handling.
type DecisionResult struct {
	RequestID string
	Outcome   DecisionOutcome
	State     models.RequestState
}

// WorkflowService drives COI requests through their lifecycle. All writes go
// through a version compare-and-swap; no goroutine waits on the reviewer.
type WorkflowService struct {
	store     workflowStore
	dedup     *Deduplicator
	extractor Extractor
	gateway   ApprovalGateway
	issuer    IssuanceExecutor
	queue     jobDispatcher
	log       transitionLog
	publisher events.Publisher
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       config.WorkflowConfig
	now       func() time.Time
	newToken  func() string
}

// WorkflowOption configures optional collaborators.
type WorkflowOption func(*WorkflowService)

// WithJobQueue routes advance and issue work through the worker pool. Without
// a queue the work runs inline on the caller's goroutine.
func WithJobQueue(queue jobDispatcher) WorkflowOption {
	return func(s *WorkflowService) {
		s.queue = queue
	}
}

// WithTransitionLog records every applied transition for audit.
func WithTransitionLog(log transitionLog) WorkflowOption {
	return func(s *WorkflowService) {
		s.log = log
	}
}

// WithEventPublisher emits lifecycle transitions downstream.
func WithEventPublisher(publisher events.Publisher) WorkflowOption {
	return func(s *WorkflowService) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithWorkflowMetrics records transitions, conflicts and adapter latency.
func WithWorkflowMetrics(metrics *MetricsService) WorkflowOption {
	return func(s *WorkflowService) {
		s.metrics = metrics
	}
}

// WithWorkflowClock overrides the time source.
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(s *WorkflowService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenGenerator overrides approval token generation.
func WithTokenGenerator(gen func() string) WorkflowOption {
	return func(s *WorkflowService) {
		if gen != nil {
			s.newToken = gen
		}
	}
}

// NewWorkflowService constructs the orchestrator.
func NewWorkflowService(store workflowStore, dedup *Deduplicator, extractor Extractor, gateway ApprovalGateway, issuer IssuanceExecutor, cfg config.WorkflowConfig, logger *zap.Logger, opts ...WorkflowOption) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 30 * time.Second
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.IssuanceTimeout <= 0 {
		cfg.IssuanceTimeout = time.Minute
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 4
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = 30 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 10 * time.Minute
	}
	s := &WorkflowService{
		store:     store,
		dedup:     dedup,
		extractor: extractor,
		gateway:   gateway,
		issuer:    issuer,
		publisher: events.NewNoop(),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RegisterJobs binds the orchestrator's job types to the queue.
func (s *WorkflowService) RegisterJobs(queue *jobs.Queue) {
	queue.Handle(JobAdvance, s.handleJob)
	queue.Handle(JobIssue, s.handleJob)
}

func (s *WorkflowService) handleJob(ctx context.Context, job jobs.Job) error {
	err := s.Advance(ctx, job.ID)
	if errors.Is(err, repository.ErrRequestNotFound) {
		s.logger.Sugar().Warnw("job references unknown request", "request_id", job.ID, "type", job.Type)
		return nil
	}
	return err
}

// HandleNotification admits an inbound mailbox change and starts the workflow for new requests.
func (s *WorkflowService) HandleNotification(ctx context.Context, change dto.MailboxChange) (*AdmitResult, error) {
	result, err := s.dedup.Admit(ctx, change)
	if err != nil {
		return nil, err
	}
	if result.Outcome == AdmitNew {
		s.dispatch(ctx, JobAdvance, result.RequestID)
	}
	return result, nil
}

// Advance performs the next automatic step for the request. It is safe to
// call repeatedly and from several workers at once.
func (s *WorkflowService) Advance(ctx context.Context, requestID string) error {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	switch req.State {
	case models.RequestStateCreated:
		return s.startExtraction(ctx, req)
	case models.RequestStateExtracting:
		return s.runExtraction(ctx, req)
	case models.RequestStateAwaitingApproval:
		if req.ApprovalElapsed(s.now()) {
			_, err := s.expire(ctx, req.ID)
			return err
		}
		if req.PromptedAt == nil {
			return s.sendPrompt(ctx, req)
		}
		return nil
	case models.RequestStateApproved:
		return s.runIssuance(ctx, req)
	default:
		return nil
	}
}

// HandleDecision applies a reviewer decision delivered at-least-once.
func (s *WorkflowService) HandleDecision(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	if in.Token == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "approval token is required")
	}
	if in.Decision != models.DecisionApproved && in.Decision != models.DecisionRejected {
		return nil, appErrors.Clone(appErrors.ErrValidation, "decision must be approved or rejected")
	}
	actor := in.Actor
	if actor == "" {
		actor = "reviewer"
	}

	req, err := s.store.FindByApprovalToken(ctx, in.Token)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			s.logger.Sugar().Warnw("decision with unknown approval token ignored", "actor", actor, "decision", in.Decision)
			s.metrics.RecordDecision(DecisionUnknownToken)
			return &DecisionResult{Outcome: DecisionUnknownToken}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "request store unavailable")
	}

	outcome := DecisionApplied
	after, err := s.apply(ctx, req.ID, actor, func(next *models.Request, now time.Time) error {
		if next.State != models.RequestStateAwaitingApproval || next.Token() != in.Token {
			return errNotApplicable
		}
		if next.ApprovalElapsed(now) {
			outcome = DecisionExpired
			next.State = models.RequestStateExpired
			next.Decision = &models.Decision{Outcome: models.DecisionExpired, Actor: systemActor, DecidedAt: now}
			return nil
		}
		outcome = DecisionApplied
		next.State = models.RequestStateApproved
		if in.Decision == models.DecisionRejected {
			next.State = models.RequestStateRejected
		}
		next.Decision = &models.Decision{Outcome: in.Decision, Actor: actor, DecidedAt: now}
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		outcome = DecisionDuplicate
		if after.State == models.RequestStateExpired {
			outcome = DecisionExpired
		}
		s.logger.Sugar().Infow("decision for settled request ignored", "request_id", after.ID, "state", after.State, "actor", actor)
		s.metrics.RecordDecision(outcome)
		return &DecisionResult{RequestID: after.ID, Outcome: outcome, State: after.State}, nil
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "failed to record decision")
	}
	s.metrics.RecordDecision(outcome)

	switch after.State {
	case models.RequestStateApproved:
		s.dispatch(ctx, JobIssue, after.ID)
	case models.RequestStateRejected:
		s.notify(ctx, fmt.Sprintf("🚫 Skipped COI for %s", describeHolder(after)))
	case models.RequestStateExpired:
		s.notify(ctx, fmt.Sprintf("⌛ Approval window closed for %s", describeHolder(after)))
	}
	return &DecisionResult{RequestID: after.ID, Outcome: outcome, State: after.State}, nil
}

// SweepExpired expires awaiting requests whose approval deadline passed at now.
func (s *WorkflowService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListExpiredPending(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired requests: %w", err)
	}
	expired := 0
	for _, req := range due {
		ok, err := s.expire(ctx, req.ID)
		if err != nil {
			s.logger.Sugar().Warnw("failed to expire request", "request_id", req.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// SendReminders re-prompts, once, every awaiting request whose remaining
// approval time dropped below the configured reminder lead.
func (s *WorkflowService) SendReminders(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.ReminderBefore <= 0 {
		return 0, nil
	}
	due, err := s.store.ListReminderDue(ctx, now, now.Add(s.cfg.ReminderBefore), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list reminder-due requests: %w", err)
	}
	sent := 0
	for _, req := range due {
		claimed, err := s.apply(ctx, req.ID, systemActor, func(next *models.Request, at time.Time) error {
			if next.State != models.RequestStateAwaitingApproval || next.RemindedAt != nil || next.ApprovalElapsed(at) {
				return errNotApplicable
			}
			next.RemindedAt = &at
			return nil
		})
		if errors.Is(err, errNotApplicable) {
			continue
		}
		if err != nil {
			s.logger.Sugar().Warnw("failed to claim reminder", "request_id", req.ID, "error", err)
			continue
		}
		if err := s.callAdapter(ctx, AdapterApproval, claimed.ID, s.cfg.GatewayTimeout, ErrorTransient, func(ctx context.Context) error {
			return s.gateway.RequestApproval(ctx, promptFor(claimed, true))
		}); err != nil {
			s.logger.Sugar().Warnw("reminder not delivered", "request_id", claimed.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// RecoverStalled re-dispatches requests with pending automatic work that
// nobody touched for the stall window, e.g. after a restart.
func (s *WorkflowService) RecoverStalled(ctx context.Context, now time.Time) (int, error) {
	stalled, err := s.store.ListStalled(ctx, now.Add(-s.cfg.StallAfter), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stalled requests: %w", err)
	}
	for _, req := range stalled {
		s.dispatch(ctx, JobAdvance, req.ID)
	}
	if len(stalled) > 0 {
		s.logger.Sugar().Infow("stalled requests re-dispatched", "count", len(stalled))
	}
	return len(stalled), nil
}

// RunMaintenance performs one expiry sweep, reminder pass and stall recovery.
func (s *WorkflowService) RunMaintenance(ctx context.Context) {
	now := s.now()
	if n, err := s.SweepExpired(ctx, now); err != nil {
		s.logger.Sugar().Warnw("expiry sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Sugar().Infow("expired pending approvals", "count", n)
	}
	if n, err := s.SendReminders(ctx, now); err != nil {
		s.logger.Sugar().Warnw("reminder pass failed", "error", err)
	} else if n > 0 {
		s.logger.Sugar().Infow("sent approval reminders", "count", n)
	}
	if _, err := s.RecoverStalled(ctx, now); err != nil {
		s.logger.Sugar().Warnw("stall recovery failed", "error", err)
	}
}

// StartBackground boots a goroutine running maintenance every sweep interval
// until ctx is done.
func (s *WorkflowService) StartBackground(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		s.RunMaintenance(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunMaintenance(ctx)
			}
		}
	}()
}

func (s *WorkflowService) startExtraction(ctx context.Context, req *models.Request) error {
	next, err := s.apply(ctx, req.ID, systemActor, func(next *models.Request, _ time.Time) error {
		if next.State != models.RequestStateCreated {
			return errNotApplicable
		}
		next.State = models.RequestStateExtracting
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.runExtraction(ctx, next)
}

func (s *WorkflowService) runExtraction(ctx context.Context, req *models.Request) error {
	var details *models.HolderDetails
	err := s.callAdapter(ctx, AdapterExtraction, req.ID, s.cfg.ExtractionTimeout, ErrorTransient, func(ctx context.Context) error {
		d, err := s.extractor.Extract(ctx, req.Message)
		if err != nil {
			return err
		}
		if d == nil {
			return Permanent(AdapterExtraction, "extraction returned no details", nil)
		}
		details = d
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		reason := FailureReason(err)
		failed, ferr := s.apply(ctx, req.ID, systemActor, func(next *models.Request, _ time.Time) error {
			if next.State != models.RequestStateExtracting {
				return errNotApplicable
			}
			next.State = models.RequestStateExtractionFailed
			next.FailureReason = &reason
			return nil
		})
		if ferr == nil {
			s.notify(ctx, fmt.Sprintf("🚨 Could not infer holder details for %q, please check manually (%s)", failed.Message.Subject, reason))
		}
		return ignoreNotApplicable(ferr)
	}

	token := s.newToken()
	awaiting, err := s.apply(ctx, req.ID, systemActor, func(next *models.Request, now time.Time) error {
		if next.State != models.RequestStateExtracting {
			return errNotApplicable
		}
		expiresAt := now.Add(s.cfg.ApprovalTTL)
		d := *details
		next.State = models.RequestStateAwaitingApproval
		next.HolderDetails = &d
		next.ApprovalToken = &token
		next.ApprovalExpiresAt = &expiresAt
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sendPrompt(ctx, awaiting)
}

func (s *WorkflowService) sendPrompt(ctx context.Context, req *models.Request) error {
	err := s.callAdapter(ctx, AdapterApproval, req.ID, s.cfg.GatewayTimeout, ErrorTransient, func(ctx context.Context) error {
		return s.gateway.RequestApproval(ctx, promptFor(req, false))
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		reason := FailureReason(err)
		_, ferr := s.apply(ctx, req.ID, systemActor, func(next *models.Request, _ time.Time) error {
			if next.State != models.RequestStateAwaitingApproval || next.PromptedAt != nil {
				return errNotApplicable
			}
			next.State = models.RequestStateApprovalFailed
			next.FailureReason = &reason
			return nil
		})
		return ignoreNotApplicable(ferr)
	}
	_, err = s.apply(ctx, req.ID, systemActor, func(next *models.Request, now time.Time) error {
		if next.State != models.RequestStateAwaitingApproval || next.PromptedAt != nil {
			return errNotApplicable
		}
		next.PromptedAt = &now
		return nil
	})
	return ignoreNotApplicable(err)
}

func (s *WorkflowService) runIssuance(ctx context.Context, req *models.Request) error {
	if req.HolderDetails == nil {
		return s.failIssuance(ctx, req.ID, "approved request has no holder details")
	}
	// Issuance is not abandoned when the triggering request or job is cancelled.
	issueCtx := context.WithoutCancel(ctx)
	details := *req.HolderDetails

	var result *models.IssuanceResult
	err := s.callAdapter(issueCtx, AdapterIssuance, req.ID, s.cfg.IssuanceTimeout, ErrorAmbiguous, func(ctx context.Context) error {
		res, err := s.issuer.Issue(ctx, req.ID, details)
		if err != nil {
			return err
		}
		if res == nil {
			return Ambiguous(AdapterIssuance, errors.New("executor returned no result"))
		}
		result = res
		return nil
	})
	if err != nil {
		if ClassifyError(err) == ErrorAmbiguous {
			s.logger.Sugar().Warnw("issuance outcome unknown, request left approved for retry", "request_id", req.ID, "error", err)
			return fmt.Errorf("issue %s: %w", req.ID, err)
		}
		return s.failIssuance(issueCtx, req.ID, FailureReason(err))
	}

	issued, err := s.apply(issueCtx, req.ID, systemActor, func(next *models.Request, _ time.Time) error {
		if next.State != models.RequestStateApproved {
			return errNotApplicable
		}
		res := *result
		next.State = models.RequestStateIssued
		next.IssuanceResult = &res
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		return nil
	}
	if err != nil {
		return err
	}
	holder := ""
	if issued.HolderDetails != nil {
		holder = issued.HolderDetails.HolderName
	}
	s.notify(issueCtx, fmt.Sprintf("✅ Sent COI for %s to %s (%s)", describeHolder(issued), holder, result.ConfirmationID))
	return nil
}

func (s *WorkflowService) failIssuance(ctx context.Context, requestID, reason string) error {
	failed, err := s.apply(ctx, requestID, systemActor, func(next *models.Request, _ time.Time) error {
		if next.State != models.RequestStateApproved {
			return errNotApplicable
		}
		next.State = models.RequestStateIssuanceFailed
		next.FailureReason = &reason
		return nil
	})
	if err == nil {
		s.notify(ctx, fmt.Sprintf("🚨 Could not send COI for %s: %s", describeHolder(failed), reason))
	}
	return ignoreNotApplicable(err)
}

func (s *WorkflowService) expire(ctx context.Context, requestID string) (bool, error) {
	expired, err := s.apply(ctx, requestID, systemActor, func(next *models.Request, now time.Time) error {
		if !next.ApprovalElapsed(now) {
			return errNotApplicable
		}
		next.State = models.RequestStateExpired
		next.Decision = &models.Decision{Outcome: models.DecisionExpired, Actor: systemActor, DecidedAt: now}
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.notify(ctx, fmt.Sprintf("⌛ Approval window closed for %s", describeHolder(expired)))
	return true, nil
}

// apply re-reads the request, lets mutate edit a copy, and writes it back with
// compare-and-swap. A lost race re-reads and re-evaluates. When mutate reports
// errNotApplicable the latest stored request is returned with the error.
func (s *WorkflowService) apply(ctx context.Context, requestID, actor string, mutate func(next *models.Request, now time.Time) error) (*models.Request, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		current, err := s.store.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("load request %s: %w", requestID, err)
		}
		if current.State.IsTerminal() {
			return current, errNotApplicable
		}
		now := s.now().UTC()
		next := current.Clone()
		if err := mutate(next, now); err != nil {
			return current, err
		}
		if next.State != current.State && !models.CanTransition(current.State, next.State) {
			s.logger.Sugar().Errorw("illegal transition refused", "request_id", requestID, "from", current.State, "to", next.State)
			return current, errNotApplicable
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now

		err = s.store.CompareAndSwap(ctx, requestID, current.Version, next)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordVersionConflict()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write request %s: %w", requestID, err)
		}
		if next.State != current.State {
			s.recordTransition(ctx, current, next, actor)
		}
		return next, nil
	}
	s.logger.Sugar().Warnw("compare-and-swap retries exhausted", "request_id", requestID, "attempts", maxCASAttempts)
	return nil, fmt.Errorf("write request %s: %w", requestID, repository.ErrVersionConflict)
}

func (s *WorkflowService) recordTransition(ctx context.Context, from, to *models.Request, actor string) {
	s.metrics.RecordTransition(from.State, to.State)
	reason := ""
	if to.FailureReason != nil {
		reason = *to.FailureReason
	}
	s.logger.Sugar().Infow("request transitioned",
		"request_id", to.ID,
		"from", from.State,
		"to", to.State,
		"version", to.Version,
		"actor", actor,
	)
	if s.log != nil {
		event := &models.RequestEvent{
			RequestID: to.ID,
			FromState: from.State,
			ToState:   to.State,
			Version:   to.Version,
			Actor:     actor,
			Detail:    transitionDetail(to),
			CreatedAt: to.UpdatedAt,
		}
		if err := s.log.Append(ctx, event); err != nil {
			s.logger.Sugar().Warnw("failed to append transition log", "request_id", to.ID, "error", err)
		}
	}
	err := s.publisher.Publish(ctx, events.Transition{
		RequestID:  to.ID,
		From:       string(from.State),
		To:         string(to.State),
		Version:    to.Version,
		Actor:      actor,
		Reason:     reason,
		OccurredAt: to.UpdatedAt,
	})
	if err != nil {
		s.logger.Sugar().Warnw("failed to publish transition", "request_id", to.ID, "error", err)
	}
}

// callAdapter runs op under a per-attempt timeout with bounded exponential
// backoff. Permanent failures stop immediately. A timed-out attempt is
// classified as timeoutKind unless op already classified it.
func (s *WorkflowService) callAdapter(ctx context.Context, adapter, requestID string, timeout time.Duration, timeoutKind ErrorKind, op func(ctx context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "adapter."+adapter, trace.WithAttributes(
		attribute.String("coi.adapter", adapter),
		attribute.String("coi.request_id", requestID),
	))
	defer span.End()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		err := op(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			var adapterErr *AdapterError
			if !errors.As(err, &adapterErr) {
				err = &AdapterError{Adapter: adapter, Kind: timeoutKind, Reason: "call timed out", Err: err}
			}
		}
		s.metrics.ObserveAdapterCall(adapter, time.Since(started), err)
		if err == nil {
			return nil
		}
		if ClassifyError(err) == ErrorPermanent {
			return backoff.Permanent(err)
		}
		s.logger.Sugar().Warnw("adapter call failed",
			"adapter", adapter,
			"request_id", requestID,
			"attempt", attempt,
			"kind", ClassifyError(err),
			"error", err,
		)
		return err
	}, backoff.WithContext(s.newBackoff(), ctx))

	span.SetAttributes(attribute.Int("coi.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *WorkflowService) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitialInterval
	bo.MaxInterval = s.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(s.cfg.RetryMaxAttempts-1))
}

func (s *WorkflowService) dispatch(ctx context.Context, jobType, requestID string) {
	if s.queue == nil {
		if err := s.Advance(ctx, requestID); err != nil {
			s.logger.Sugar().Warnw("inline advance failed", "request_id", requestID, "type", jobType, "error", err)
		}
		return
	}
	if err := s.queue.Enqueue(jobs.Job{ID: requestID, Type: jobType}); err != nil {
		// the stalled-request sweep picks the request up later
		s.logger.Sugar().Warnw("workflow job not queued", "request_id", requestID, "type", jobType, "error", err)
	}
}

func (s *WorkflowService) notify(ctx context.Context, text string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GatewayTimeout)
	defer cancel()
	if err := s.gateway.Notify(notifyCtx, text); err != nil {
		s.logger.Sugar().Warnw("reviewer notice not delivered", "error", err)
	}
}

func promptFor(req *models.Request, reminder bool) ApprovalPrompt {
	prompt := ApprovalPrompt{
		RequestID: req.ID,
		Token:     req.Token(),
		Subject:   req.Message.Subject,
		Reminder:  reminder,
	}
	if req.HolderDetails != nil {
		prompt.Details = *req.HolderDetails
	}
	if req.ApprovalExpiresAt != nil {
		prompt.ExpiresAt = *req.ApprovalExpiresAt
	}
	return prompt
}

func describeHolder(req *models.Request) string {
	if req.HolderDetails != nil && req.HolderDetails.InsuredName != "" {
		return req.HolderDetails.InsuredName
	}
	if req.Message.Subject != "" {
		return fmt.Sprintf("%q", req.Message.Subject)
	}
	return req.ID
}

func transitionDetail(req *models.Request) []byte {
	if req.FailureReason == nil && req.Decision == nil && req.IssuanceResult == nil {
		return nil
	}
	detail := map[string]interface{}{}
	if req.FailureReason != nil {
		detail["reason"] = *req.FailureReason
	}
	if req.Decision != nil {
		detail["decision"] = req.Decision
	}
	if req.IssuanceResult != nil {
		detail["confirmationId"] = req.IssuanceResult.ConfirmationID
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return data
}

func ignoreNotApplicable(err error) error {
	if errors.Is(err, errNotApplicable) {
		return nil
	}
	return err
}
