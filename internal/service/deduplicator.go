package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

// requestNamespace seeds the name-based UUIDs derived from source event keys.
var requestNamespace = uuid.MustParse("0c0f6d0e-2a37-4c5b-9a53-3c1f5d1b9e41")

// RequestIDFor derives the request id for a source event key.
func RequestIDFor(sourceEventKey string) string {
	return uuid.NewSHA1(requestNamespace, []byte(sourceEventKey)).String()
}

// AdmitOutcome reports whether an inbound event created a request.
type AdmitOutcome string

const (
	AdmitNew       AdmitOutcome = "new"
	AdmitDuplicate AdmitOutcome = "duplicate"
	// AdmitIgnored means the notification pointed at no message to process.
	AdmitIgnored AdmitOutcome = "ignored"
)

// AdmitResult is the outcome of admitting one inbound event.
type AdmitResult struct {
	RequestID string       `json:"requestId,omitempty"`
	Outcome   AdmitOutcome `json:"outcome"`
}

// MailboxReader resolves a history-only mailbox notification to the message
// it announced. A nil reference with a nil error means there is nothing to admit.
type MailboxReader interface {
	LatestMessage(ctx context.Context, mailbox, historyID string) (*models.MessageRef, error)
}

type requestCreator interface {
	CreateIfAbsent(ctx context.Context, req *models.Request) error
}

type admissionCache interface {
	Lookup(ctx context.Context, key string) (string, error)
	Remember(ctx context.Context, key, requestID string, ttl time.Duration) error
}

// Deduplicator admits each source event exactly once. The store's conditional
// create is authoritative; the cache only short-circuits redeliveries of keys
// that are already durably stored.
type Deduplicator struct {
	store     requestCreator
	cache     admissionCache
	reader    MailboxReader
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	cacheTTL  time.Duration
	now       func() time.Time
}

// DeduplicatorOption configures the deduplicator.
type DeduplicatorOption func(*Deduplicator)

// WithAdmissionCache enables the Redis fast path.
func WithAdmissionCache(cache admissionCache, ttl time.Duration) DeduplicatorOption {
	return func(d *Deduplicator) {
		d.cache = cache
		if ttl > 0 {
			d.cacheTTL = ttl
		}
	}
}

// WithMailboxReader lets the deduplicator accept notifications that carry
// only a history id.
func WithMailboxReader(reader MailboxReader) DeduplicatorOption {
	return func(d *Deduplicator) {
		d.reader = reader
	}
}

// WithDeduplicatorClock overrides the time source.
func WithDeduplicatorClock(now func() time.Time) DeduplicatorOption {
	return func(d *Deduplicator) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDeduplicatorMetrics records admission outcomes.
func WithDeduplicatorMetrics(metrics *MetricsService) DeduplicatorOption {
	return func(d *Deduplicator) {
		d.metrics = metrics
	}
}

// NewDeduplicator constructs the deduplicator.
func NewDeduplicator(store requestCreator, validate *validator.Validate, logger *zap.Logger, opts ...DeduplicatorOption) *Deduplicator {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		store:     store,
		validator: validate,
		logger:    logger,
		cacheTTL:  72 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Admit records the event if unseen. A store failure is returned so the
// caller leaves the delivery unacknowledged.
func (d *Deduplicator) Admit(ctx context.Context, change dto.MailboxChange) (*AdmitResult, error) {
	if err := d.validator.Struct(change); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mailbox change")
	}
	ref, err := d.resolve(ctx, change)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		d.metrics.RecordAdmission(AdmitIgnored)
		d.logger.Sugar().Debugw("notification has no message to admit", "mailbox", change.EmailAddress, "history_id", change.HistoryID)
		return &AdmitResult{Outcome: AdmitIgnored}, nil
	}
	key := ref.SourceEventKey()
	id := RequestIDFor(key)

	if d.cache != nil {
		cached, err := d.cache.Lookup(ctx, key)
		switch {
		case err == nil && cached != "":
			d.metrics.RecordCacheLookup(true)
			d.metrics.RecordAdmission(AdmitDuplicate)
			return &AdmitResult{RequestID: cached, Outcome: AdmitDuplicate}, nil
		case err == nil || errors.Is(err, appErrors.ErrCacheMiss):
			d.metrics.RecordCacheLookup(false)
		default:
			d.logger.Sugar().Warnw("admission cache lookup failed", "source_event_key", key, "error", err)
		}
	}

	now := d.now().UTC()
	req := &models.Request{
		ID:             id,
		SourceEventKey: key,
		State:          models.RequestStateCreated,
		Message:        *ref,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	outcome := AdmitNew
	if err := d.store.CreateIfAbsent(ctx, req); err != nil {
		if !errors.Is(err, repository.ErrRequestExists) {
			d.logger.Sugar().Errorw("failed to store admitted request", "request_id", id, "source_event_key", key, "error", err)
			return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "request store unavailable")
		}
		outcome = AdmitDuplicate
	}

	if d.cache != nil {
		if err := d.cache.Remember(ctx, key, id, d.cacheTTL); err != nil {
			d.logger.Sugar().Warnw("admission cache write failed", "source_event_key", key, "error", err)
		}
	}
	d.metrics.RecordAdmission(outcome)
	if outcome == AdmitNew {
		d.logger.Sugar().Infow("request admitted", "request_id", id, "source_event_key", key)
	} else {
		d.logger.Sugar().Debugw("duplicate notification ignored", "request_id", id, "source_event_key", key)
	}
	return &AdmitResult{RequestID: id, Outcome: outcome}, nil
}

// resolve returns the message a change refers to, reading it from the mailbox
// when the notification carries only a history id.
func (d *Deduplicator) resolve(ctx context.Context, change dto.MailboxChange) (*models.MessageRef, error) {
	if change.Inline() {
		ref := change.MessageRef()
		return &ref, nil
	}
	if d.reader == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "notification carries no message and no mailbox reader is configured")
	}
	ref, err := d.reader.LatestMessage(ctx, change.EmailAddress, change.HistoryID.String())
	if err != nil {
		if ClassifyError(err) == ErrorPermanent {
			d.logger.Sugar().Errorw("mailbox lookup rejected", "mailbox", change.EmailAddress, "history_id", change.HistoryID, "error", err)
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "mailbox lookup rejected")
		}
		d.logger.Sugar().Warnw("mailbox lookup failed", "mailbox", change.EmailAddress, "history_id", change.HistoryID, "error", err)
		return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "mailbox unavailable")
	}
	if ref == nil || ref.MessageID == "" {
		return nil, nil
	}
	if ref.Mailbox == "" {
		ref.Mailbox = change.EmailAddress
	}
	return ref, nil
}
