package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/coi-workflow/internal/models"
)

// MemoryRequestStore keeps requests in process memory. It mirrors the
// PostgreSQL repository's conditional-write semantics and backs local runs and tests.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	tokens   map[string]string
}

// NewMemoryRequestStore constructs an empty store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*models.Request),
		tokens:   make(map[string]string),
	}
}

// CreateIfAbsent stores req unless a request with the same id exists.
func (s *MemoryRequestStore) CreateIfAbsent(_ context.Context, req *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return ErrRequestExists
	}
	for _, existing := range s.requests {
		if existing.SourceEventKey == req.SourceEventKey {
			return ErrRequestExists
		}
	}
	stored := req.Clone()
	s.requests[req.ID] = stored
	if token := stored.Token(); token != "" {
		s.tokens[token] = stored.ID
	}
	return nil
}

// Get returns a copy of the stored request.
func (s *MemoryRequestStore) Get(_ context.Context, id string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// FindByApprovalToken resolves a request by its approval token.
func (s *MemoryRequestStore) FindByApprovalToken(_ context.Context, token string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return s.requests[id].Clone(), nil
}

// CompareAndSwap replaces the stored request when its version matches expectedVersion.
func (s *MemoryRequestStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, updated *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if current.Version != expectedVersion || current.State.IsTerminal() {
		return ErrVersionConflict
	}

	next := updated.Clone()
	next.ID = current.ID
	next.SourceEventKey = current.SourceEventKey
	next.Message = current.Message.Clone()
	next.CreatedAt = current.CreatedAt
	if current.ApprovalToken != nil {
		token := *current.ApprovalToken
		next.ApprovalToken = &token
	}
	if current.IssuanceResult != nil {
		res := *current.IssuanceResult
		next.IssuanceResult = &res
	}
	if token := next.Token(); token != "" {
		if owner, taken := s.tokens[token]; taken && owner != id {
			return ErrVersionConflict
		}
		s.tokens[token] = id
	}
	s.requests[id] = next
	return nil
}

// List returns requests matching filter, latest first.
func (s *MemoryRequestStore) List(_ context.Context, filter models.RequestFilter) ([]models.Request, error) {
	matched := s.collect(func(req *models.Request) bool {
		return matchesStates(req.State, filter.States)
	})
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := normaliseLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []models.Request{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Count returns the number of requests matching the filter states.
func (s *MemoryRequestStore) Count(_ context.Context, filter models.RequestFilter) (int, error) {
	matched := s.collect(func(req *models.Request) bool {
		return matchesStates(req.State, filter.States)
	})
	return len(matched), nil
}

// ListExpiredPending returns awaiting requests whose deadline passed.
func (s *MemoryRequestStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Request, error) {
	matched := s.collect(func(req *models.Request) bool {
		return req.ApprovalElapsed(now)
	})
	sortByDeadline(matched)
	return truncate(matched, limit), nil
}

// ListReminderDue returns prompted, unreminded awaiting requests whose deadline falls in (now, dueBy].
func (s *MemoryRequestStore) ListReminderDue(_ context.Context, now, dueBy time.Time, limit int) ([]models.Request, error) {
	matched := s.collect(func(req *models.Request) bool {
		if req.State != models.RequestStateAwaitingApproval || req.RemindedAt != nil || req.PromptedAt == nil || req.ApprovalExpiresAt == nil {
			return false
		}
		deadline := *req.ApprovalExpiresAt
		return deadline.After(now) && !deadline.After(dueBy)
	})
	sortByDeadline(matched)
	return truncate(matched, limit), nil
}

// ListStalled returns requests with pending automatic work untouched since cutoff.
func (s *MemoryRequestStore) ListStalled(_ context.Context, cutoff time.Time, limit int) ([]models.Request, error) {
	matched := s.collect(func(req *models.Request) bool {
		if !req.UpdatedAt.Before(cutoff) {
			return false
		}
		switch req.State {
		case models.RequestStateCreated, models.RequestStateExtracting, models.RequestStateApproved:
			return true
		case models.RequestStateAwaitingApproval:
			return req.PromptedAt == nil
		}
		return false
	})
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	return truncate(matched, limit), nil
}

func (s *MemoryRequestStore) collect(keep func(*models.Request) bool) []models.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Request, 0, len(s.requests))
	for _, req := range s.requests {
		if keep(req) {
			out = append(out, *req.Clone())
		}
	}
	return out
}

func matchesStates(state models.RequestState, states []models.RequestState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func sortByDeadline(requests []models.Request) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].ApprovalExpiresAt.Before(*requests[j].ApprovalExpiresAt)
	})
}

func truncate(requests []models.Request, limit int) []models.Request {
	limit = normaliseLimit(limit)
	if len(requests) > limit {
		return requests[:limit]
	}
	return requests
}
