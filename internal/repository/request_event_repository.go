package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// RequestEventRepository stores the append-only transition log.
type RequestEventRepository struct {
	db *sqlx.DB
}

// NewRequestEventRepository constructs the repository.
func NewRequestEventRepository(db *sqlx.DB) *RequestEventRepository {
	return &RequestEventRepository{db: db}
}

// Append records one committed transition.
func (r *RequestEventRepository) Append(ctx context.Context, event *models.RequestEvent) error {
	prepareEvent(event)
	const query = `INSERT INTO coi_request_events
	(id, request_id, from_state, to_state, version, actor, detail, created_at)
	VALUES (:id, :request_id, :from_state, :to_state, :version, :actor, :detail, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("append request event: %w", err)
	}
	return nil
}

// ListByRequest returns the transition history of one request in version order.
func (r *RequestEventRepository) ListByRequest(ctx context.Context, requestID string) ([]models.RequestEvent, error) {
	const query = `SELECT id, request_id, from_state, to_state, version, actor, detail, created_at
	FROM coi_request_events WHERE request_id = $1 ORDER BY version ASC, created_at ASC`
	var events []models.RequestEvent
	if err := r.db.SelectContext(ctx, &events, query, requestID); err != nil {
		return nil, fmt.Errorf("list request events: %w", err)
	}
	return events, nil
}

// MemoryRequestEventLog is the in-process counterpart of RequestEventRepository.
type MemoryRequestEventLog struct {
	mu     sync.RWMutex
	events map[string][]models.RequestEvent
}

// NewMemoryRequestEventLog constructs an empty log.
func NewMemoryRequestEventLog() *MemoryRequestEventLog {
	return &MemoryRequestEventLog{events: make(map[string][]models.RequestEvent)}
}

// Append records one transition.
func (l *MemoryRequestEventLog) Append(_ context.Context, event *models.RequestEvent) error {
	prepareEvent(event)
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *event
	copied.Detail = append([]byte(nil), event.Detail...)
	l.events[event.RequestID] = append(l.events[event.RequestID], copied)
	return nil
}

// ListByRequest returns the history of one request in version order.
func (l *MemoryRequestEventLog) ListByRequest(_ context.Context, requestID string) ([]models.RequestEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]models.RequestEvent(nil), l.events[requestID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func prepareEvent(event *models.RequestEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
}
