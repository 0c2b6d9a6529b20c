package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/coi-workflow/internal/models"
)

var (
	// ErrRequestNotFound is returned when no request matches the lookup.
	ErrRequestNotFound = errors.New("coi request not found")
	// ErrRequestExists is returned by CreateIfAbsent when the derived id is already stored.
	ErrRequestExists = errors.New("coi request already exists")
	// ErrVersionConflict is returned when a compare-and-swap lost against a newer write.
	ErrVersionConflict = errors.New("coi request version conflict")
)

const requestColumns = `id, source_event_key, state, message, holder_details, approval_token, decision,
       issuance_result, failure_reason, version, created_at, updated_at, approval_expires_at, prompted_at, reminded_at`

// RequestRepository persists COI requests in PostgreSQL.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateIfAbsent inserts the request unless its id is already present.
func (r *RequestRepository) CreateIfAbsent(ctx context.Context, req *models.Request) error {
	const query = `INSERT INTO coi_requests
	(id, source_event_key, state, message, holder_details, approval_token, decision, issuance_result, failure_reason,
	 version, created_at, updated_at, approval_expires_at, prompted_at, reminded_at)
	VALUES (:id, :source_event_key, :state, :message, :holder_details, :approval_token, :decision, :issuance_result,
	 :failure_reason, :version, :created_at, :updated_at, :approval_expires_at, :prompted_at, :reminded_at)
	ON CONFLICT DO NOTHING`
	result, err := r.db.NamedExecContext(ctx, query, req)
	if err != nil {
		return fmt.Errorf("create coi request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check coi request insert rows: %w", err)
	}
	if rows == 0 {
		return ErrRequestExists
	}
	return nil
}

// Get fetches a request by id.
func (r *RequestRepository) Get(ctx context.Context, id string) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM coi_requests WHERE id = $1`
	var req models.Request
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get coi request: %w", err)
	}
	return &req, nil
}

// FindByApprovalToken resolves the request a reviewer decision belongs to.
func (r *RequestRepository) FindByApprovalToken(ctx context.Context, token string) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM coi_requests WHERE approval_token = $1`
	var req models.Request
	if err := r.db.GetContext(ctx, &req, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("find coi request by token: %w", err)
	}
	return &req, nil
}

// CompareAndSwap writes updated only when the stored version still equals expectedVersion.
// Terminal rows never match, and an approval token once stored is never replaced.
func (r *RequestRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, updated *models.Request) error {
	terminal := models.TerminalRequestStates()
	placeholders := make([]string, len(terminal))
	args := map[string]interface{}{
		"id":                  id,
		"expected_version":    expectedVersion,
		"state":               updated.State,
		"holder_details":      updated.HolderDetails,
		"approval_token":      updated.ApprovalToken,
		"decision":            updated.Decision,
		"issuance_result":     updated.IssuanceResult,
		"failure_reason":      updated.FailureReason,
		"version":             updated.Version,
		"updated_at":          updated.UpdatedAt,
		"approval_expires_at": updated.ApprovalExpiresAt,
		"prompted_at":         updated.PromptedAt,
		"reminded_at":         updated.RemindedAt,
	}
	for i, state := range terminal {
		key := fmt.Sprintf("terminal_%d", i)
		placeholders[i] = ":" + key
		args[key] = state
	}
	query := fmt.Sprintf(`UPDATE coi_requests SET
		state = :state,
		holder_details = :holder_details,
		approval_token = COALESCE(approval_token, :approval_token),
		decision = :decision,
		issuance_result = COALESCE(issuance_result, :issuance_result),
		failure_reason = :failure_reason,
		version = :version,
		updated_at = :updated_at,
		approval_expires_at = :approval_expires_at,
		prompted_at = :prompted_at,
		reminded_at = :reminded_at
	WHERE id = :id AND version = :expected_version AND state NOT IN (%s)`, strings.Join(placeholders, ", "))

	result, err := r.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update coi request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check coi request update rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM coi_requests WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("check coi request existence: %w", err)
	}
	if !exists {
		return ErrRequestNotFound
	}
	return ErrVersionConflict
}

// List returns requests matching the filter, latest first.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, len(filter.States))
	builder.WriteString(`SELECT ` + requestColumns + ` FROM coi_requests`)

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		builder.WriteString(fmt.Sprintf(" WHERE state IN (%s)", strings.Join(placeholders, ",")))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list coi requests: %w", err)
	}
	return requests, nil
}

// Count returns the number of requests matching the filter states.
func (r *RequestRepository) Count(ctx context.Context, filter models.RequestFilter) (int, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, len(filter.States))
	builder.WriteString(`SELECT COUNT(*) FROM coi_requests`)
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		builder.WriteString(fmt.Sprintf(" WHERE state IN (%s)", strings.Join(placeholders, ",")))
	}
	var total int
	if err := r.db.GetContext(ctx, &total, builder.String(), args...); err != nil {
		return 0, fmt.Errorf("count coi requests: %w", err)
	}
	return total, nil
}

// ListExpiredPending returns awaiting requests whose approval deadline is at or before now.
func (r *RequestRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM coi_requests
	WHERE state = $1 AND approval_expires_at <= $2
	ORDER BY approval_expires_at ASC LIMIT $3`
	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, query, models.RequestStateAwaitingApproval, now, normaliseLimit(limit)); err != nil {
		return nil, fmt.Errorf("list expired coi requests: %w", err)
	}
	return requests, nil
}

// ListReminderDue returns awaiting requests not yet reminded whose deadline falls before dueBy.
func (r *RequestRepository) ListReminderDue(ctx context.Context, now, dueBy time.Time, limit int) ([]models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM coi_requests
	WHERE state = $1 AND reminded_at IS NULL AND prompted_at IS NOT NULL
	  AND approval_expires_at > $2 AND approval_expires_at <= $3
	ORDER BY approval_expires_at ASC LIMIT $4`
	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, query, models.RequestStateAwaitingApproval, now, dueBy, normaliseLimit(limit)); err != nil {
		return nil, fmt.Errorf("list reminder-due coi requests: %w", err)
	}
	return requests, nil
}

// ListStalled returns non-terminal requests with pending automatic work that were last touched before cutoff.
func (r *RequestRepository) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM coi_requests
	WHERE updated_at < $1
	  AND (state IN ($2, $3, $4) OR (state = $5 AND prompted_at IS NULL))
	ORDER BY updated_at ASC LIMIT $6`
	var requests []models.Request
	err := r.db.SelectContext(ctx, &requests, query,
		cutoff,
		models.RequestStateCreated,
		models.RequestStateExtracting,
		models.RequestStateApproved,
		models.RequestStateAwaitingApproval,
		normaliseLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list stalled coi requests: %w", err)
	}
	return requests, nil
}

func normaliseLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
