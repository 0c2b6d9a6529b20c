// Package bootstrap assembles the workflow service from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"

	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/internal/service"
	"github.com/noah-isme/coi-workflow/pkg/cache"
	"github.com/noah-isme/coi-workflow/pkg/config"
	"github.com/noah-isme/coi-workflow/pkg/events"
	"github.com/noah-isme/coi-workflow/pkg/export"
	"github.com/noah-isme/coi-workflow/pkg/jobs"
	"github.com/noah-isme/coi-workflow/pkg/mailer"
	"github.com/noah-isme/coi-workflow/pkg/storage"
	"github.com/noah-isme/coi-workflow/pkg/telemetry"
)

// App holds every long-lived component of the service.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    *Store
	Redis    *redis.Client
	Metrics  *service.MetricsService
	Queue    *jobs.Queue
	Workflow *service.WorkflowService
	Requests *service.RequestService
	Issuer   *service.CertificateIssuer
	Auth     *service.OperatorAuthService
	Gateway  *service.TelegramGateway
	Mailbox  *service.GmailMailboxReader

	validate  *validator.Validate
	callbacks callbackAnswerer
	publisher events.Publisher
	tracing   telemetry.Shutdown
}

type callbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type overrides struct {
	store     *Store
	extractor service.Extractor
	gateway   service.ApprovalGateway
	sender    mailer.Sender
	mailbox   service.MailboxReader
}

// Option replaces a component, mostly for tests.
type Option func(*overrides)

// WithStore uses store instead of opening the configured one.
func WithStore(store *Store) Option {
	return func(o *overrides) { o.store = store }
}

// WithExtractor replaces the Anthropic extractor.
func WithExtractor(extractor service.Extractor) Option {
	return func(o *overrides) { o.extractor = extractor }
}

// WithGateway replaces the Telegram gateway.
func WithGateway(gateway service.ApprovalGateway) Option {
	return func(o *overrides) { o.gateway = gateway }
}

// WithSender replaces the SMTP sender.
func WithSender(sender mailer.Sender) Option {
	return func(o *overrides) { o.sender = sender }
}

// WithMailboxReader replaces the Gmail reader used for history-only notifications.
func WithMailboxReader(reader service.MailboxReader) Option {
	return func(o *overrides) { o.mailbox = reader }
}

// NewMailboxReader builds the Gmail reader, or returns nil when no
// credentials are configured.
func NewMailboxReader(cfg config.GmailConfig, logger *zap.Logger) (*service.GmailMailboxReader, error) {
	if cfg.CredentialsFile == "" {
		return nil, nil
	}
	key, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	services, err := service.DelegatedGmailServices(key, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	return service.NewGmailMailboxReader(services, cfg.LabelID, cfg.Mailboxes, logger), nil
}

// New wires the application. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	app = &App{Config: cfg, Logger: logger, validate: validator.New()}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	if app.tracing, err = telemetry.Init(ctx, cfg.Tracing, os.Stderr); err != nil {
		return app, err
	}

	app.Store = ov.store
	if app.Store == nil {
		if app.Store, err = OpenStore(ctx, cfg, logger, true); err != nil {
			return app, err
		}
	}

	if cfg.Redis.Enabled {
		if app.Redis, err = cache.NewRedis(ctx, cfg.Redis); err != nil {
			return app, fmt.Errorf("connect redis: %w", err)
		}
	}
	if app.publisher, err = events.New(cfg.Events, app.Redis, logger); err != nil {
		return app, err
	}

	if app.Auth, err = service.NewOperatorAuthService(cfg.Auth.JWTSecret); err != nil {
		return app, err
	}

	extractor := ov.extractor
	if extractor == nil {
		if extractor, err = service.NewAnthropicExtractor(cfg.Extraction, logger); err != nil {
			return app, err
		}
	}
	gateway := ov.gateway
	if gateway == nil {
		if app.Gateway, err = service.NewTelegramGateway(cfg.Telegram, nil, logger); err != nil {
			return app, err
		}
		gateway = app.Gateway
	}
	if answerer, ok := gateway.(callbackAnswerer); ok {
		app.callbacks = answerer
	}
	sender := ov.sender
	if sender == nil {
		sender = mailer.New(cfg.SMTP, logger)
	}

	files, err := storage.NewLocalStorage(cfg.Certificates.StorageDir)
	if err != nil {
		return app, fmt.Errorf("certificate storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Certificates.SignedURLSecret, cfg.Certificates.SignedURLTTL)

	app.Metrics = service.NewMetricsService()
	app.Issuer = service.NewCertificateIssuer(
		app.Store.Issuances,
		export.NewCertificateRenderer(),
		files,
		signer,
		sender,
		cfg.Certificates,
		logger,
		service.WithRequestReader(app.Store.Requests),
		service.WithIssuerMetrics(app.Metrics),
	)

	dedupOpts := []service.DeduplicatorOption{
		service.WithAdmissionCache(repository.NewAdmissionCache(app.Redis, logger), cfg.Workflow.AdmissionCacheTTL),
		service.WithDeduplicatorMetrics(app.Metrics),
	}
	mailbox := ov.mailbox
	if mailbox == nil {
		if app.Mailbox, err = NewMailboxReader(cfg.Gmail, logger); err != nil {
			return app, err
		}
		if app.Mailbox != nil {
			mailbox = app.Mailbox
		}
	}
	if mailbox != nil {
		dedupOpts = append(dedupOpts, service.WithMailboxReader(mailbox))
	} else {
		logger.Sugar().Infow("gmail credentials not configured, only inline mailbox changes are accepted")
	}
	dedup := service.NewDeduplicator(app.Store.Requests, app.validate, logger, dedupOpts...)

	app.Queue = jobs.NewQueue("workflow", nil, jobs.QueueConfig{
		Workers:    cfg.Workflow.WorkerConcurrency,
		BufferSize: 256,
		MaxRetries: cfg.Workflow.RetryMaxAttempts,
		RetryDelay: cfg.Workflow.RetryInitialInterval,
		Logger:     logger,
	})
	app.Workflow = service.NewWorkflowService(app.Store.Requests, dedup, extractor, gateway, app.Issuer, cfg.Workflow, logger,
		service.WithJobQueue(app.Queue),
		service.WithTransitionLog(app.Store.Events),
		service.WithEventPublisher(app.publisher),
		service.WithWorkflowMetrics(app.Metrics),
	)
	app.Workflow.RegisterJobs(app.Queue)

	app.Requests = service.NewRequestService(app.Store.Requests, app.Store.Events, logger)
	return app, nil
}

// Start launches the worker pool and the maintenance loop.
func (a *App) Start(ctx context.Context) {
	a.Queue.Start(ctx)
	a.Workflow.StartBackground(ctx)
}

// Close drains workers and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Sugar().Warnw("failed to close event publisher", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Sugar().Warnw("failed to close store", "error", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.Logger.Sugar().Warnw("failed to flush traces", "error", err)
		}
	}
}
