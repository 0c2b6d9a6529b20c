package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	"github.com/noah-isme/coi-workflow/pkg/config"
	"github.com/noah-isme/coi-workflow/pkg/database"
)

// RequestStore is the full request persistence surface used by the services.
type RequestStore interface {
	CreateIfAbsent(ctx context.Context, req *models.Request) error
	Get(ctx context.Context, id string) (*models.Request, error)
	FindByApprovalToken(ctx context.Context, token string) (*models.Request, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, updated *models.Request) error
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error)
	Count(ctx context.Context, filter models.RequestFilter) (int, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Request, error)
	ListReminderDue(ctx context.Context, now, dueBy time.Time, limit int) ([]models.Request, error)
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Request, error)
}

// EventLog stores the transition history.
type EventLog interface {
	Append(ctx context.Context, event *models.RequestEvent) error
	ListByRequest(ctx context.Context, requestID string) ([]models.RequestEvent, error)
}

// IssuanceLedger records send attempts per request.
type IssuanceLedger interface {
	Claim(ctx context.Context, requestID string, now time.Time) (*models.Issuance, bool, error)
	Get(ctx context.Context, requestID string) (*models.Issuance, error)
	Complete(ctx context.Context, requestID string, result models.IssuanceResult) error
	Release(ctx context.Context, requestID, reason string) error
}

// Store bundles the persistence backends selected by STORE_DRIVER.
type Store struct {
	Requests  RequestStore
	Events    EventLog
	Issuances IssuanceLedger
	DB        *sqlx.DB
}

// Ping reports whether the backing database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// Close releases the database pool if one was opened.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore connects the configured store. The postgres driver applies the
// embedded schema when migrate is true.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Sugar().Warnw("using in-memory request store, state is lost on restart")
		return &Store{
			Requests:  repository.NewMemoryRequestStore(),
			Events:    repository.NewMemoryRequestEventLog(),
			Issuances: repository.NewMemoryIssuanceLedger(),
		}, nil
	case "", config.StoreDriverPostgres:
		db, err := database.NewPostgres(ctx, cfg.Database, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if migrate {
			if err := database.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &Store{
			Requests:  repository.NewRequestRepository(db),
			Events:    repository.NewRequestEventRepository(db),
			Issuances: repository.NewIssuanceRepository(db),
			DB:        db,
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
