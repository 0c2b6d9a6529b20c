package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// ErrIssuanceNotFound is returned when no ledger row exists for a request.
var ErrIssuanceNotFound = errors.New("issuance not found")

const issuanceColumns = `request_id, status, attempts, confirmation_id, document_path, download_url, recipient, last_error, claimed_at, completed_at`

// IssuanceRepository is the executor's durable ledger of send attempts.
type IssuanceRepository struct {
	db *sqlx.DB
}

// NewIssuanceRepository constructs the repository.
func NewIssuanceRepository(db *sqlx.DB) *IssuanceRepository {
	return &IssuanceRepository{db: db}
}

// Claim marks the request as being sent. A fresh row or a previously failed row
// is claimed and returned with claimed=true; any other existing row is returned
// unchanged with claimed=false.
func (r *IssuanceRepository) Claim(ctx context.Context, requestID string, now time.Time) (*models.Issuance, bool, error) {
	query := `INSERT INTO coi_issuances (request_id, status, attempts, claimed_at)
	VALUES ($1, $2, 1, $3)
	ON CONFLICT (request_id) DO UPDATE SET
		status = EXCLUDED.status,
		attempts = coi_issuances.attempts + 1,
		claimed_at = EXCLUDED.claimed_at,
		last_error = NULL
	WHERE coi_issuances.status = $4
	RETURNING ` + issuanceColumns
	var claimed models.Issuance
	err := r.db.GetContext(ctx, &claimed, query, requestID, models.IssuanceStatusSending, now, models.IssuanceStatusFailed)
	if err == nil {
		return &claimed, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("claim issuance: %w", err)
	}
	existing, err := r.Get(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns the ledger row for a request.
func (r *IssuanceRepository) Get(ctx context.Context, requestID string) (*models.Issuance, error) {
	query := `SELECT ` + issuanceColumns + ` FROM coi_issuances WHERE request_id = $1`
	var issuance models.Issuance
	if err := r.db.GetContext(ctx, &issuance, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("get issuance: %w", err)
	}
	return &issuance, nil
}

// Complete records a confirmed send for a claimed row.
func (r *IssuanceRepository) Complete(ctx context.Context, requestID string, result models.IssuanceResult) error {
	const query = `UPDATE coi_issuances SET status = $1, confirmation_id = $2, document_path = $3, download_url = $4,
	recipient = $5, completed_at = $6
	WHERE request_id = $7 AND status = $8`
	res, err := r.db.ExecContext(ctx, query,
		models.IssuanceStatusSent,
		result.ConfirmationID,
		result.DocumentPath,
		result.DownloadURL,
		result.Recipient,
		result.IssuedAt,
		requestID,
		models.IssuanceStatusSending,
	)
	if err != nil {
		return fmt.Errorf("complete issuance: %w", err)
	}
	return expectOneRow(res, "complete issuance")
}

// Release returns a claimed row to the failed state so a later attempt may reclaim it.
func (r *IssuanceRepository) Release(ctx context.Context, requestID, reason string) error {
	const query = `UPDATE coi_issuances SET status = $1, last_error = $2 WHERE request_id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, models.IssuanceStatusFailed, reason, requestID, models.IssuanceStatusSending)
	if err != nil {
		return fmt.Errorf("release issuance: %w", err)
	}
	return expectOneRow(res, "release issuance")
}

func expectOneRow(res sql.Result, action string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", action, err)
	}
	if rows == 0 {
		return ErrIssuanceNotFound
	}
	return nil
}

// MemoryIssuanceLedger keeps the issuance ledger in process memory.
type MemoryIssuanceLedger struct {
	mu   sync.Mutex
	rows map[string]models.Issuance
}

// NewMemoryIssuanceLedger constructs an empty ledger.
func NewMemoryIssuanceLedger() *MemoryIssuanceLedger {
	return &MemoryIssuanceLedger{rows: make(map[string]models.Issuance)}
}

// Claim mirrors IssuanceRepository.Claim.
func (l *MemoryIssuanceLedger) Claim(_ context.Context, requestID string, now time.Time) (*models.Issuance, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[requestID]
	switch {
	case !ok:
		row = models.Issuance{RequestID: requestID, Status: models.IssuanceStatusSending, Attempts: 1, ClaimedAt: now}
	case row.Status == models.IssuanceStatusFailed:
		row.Status = models.IssuanceStatusSending
		row.Attempts++
		row.ClaimedAt = now
		row.LastError = nil
	default:
		out := row
		return &out, false, nil
	}
	l.rows[requestID] = row
	out := row
	return &out, true, nil
}

// Get returns the ledger row for a request.
func (l *MemoryIssuanceLedger) Get(_ context.Context, requestID string) (*models.Issuance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[requestID]
	if !ok {
		return nil, ErrIssuanceNotFound
	}
	return &row, nil
}

// Complete records a confirmed send.
func (l *MemoryIssuanceLedger) Complete(_ context.Context, requestID string, result models.IssuanceResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[requestID]
	if !ok || row.Status != models.IssuanceStatusSending {
		return ErrIssuanceNotFound
	}
	row.Status = models.IssuanceStatusSent
	row.ConfirmationID = stringPtr(result.ConfirmationID)
	row.DocumentPath = stringPtr(result.DocumentPath)
	row.DownloadURL = stringPtr(result.DownloadURL)
	row.Recipient = stringPtr(result.Recipient)
	issuedAt := result.IssuedAt
	row.CompletedAt = &issuedAt
	l.rows[requestID] = row
	return nil
}

// Release marks a claimed row failed.
func (l *MemoryIssuanceLedger) Release(_ context.Context, requestID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[requestID]
	if !ok || row.Status != models.IssuanceStatusSending {
		return ErrIssuanceNotFound
	}
	row.Status = models.IssuanceStatusFailed
	row.LastError = stringPtr(reason)
	l.rows[requestID] = row
	return nil
}

func stringPtr(v string) *string {
	return &v
}
