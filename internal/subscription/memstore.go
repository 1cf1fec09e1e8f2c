package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crewharbor/payments/internal/catalog"
)

type recordKey struct {
	userID int64
	tier   catalog.Tier
}

// MemStore is an in-memory Store with the same optimistic-concurrency
// semantics as the Postgres store. It backs unit tests and local development.
type MemStore struct {
	mu           sync.Mutex
	records      map[recordKey]*Record
	applications map[string]Application
}

// NewMemStore creates an empty in-memory subscription store.
func NewMemStore() *MemStore {
	return &MemStore{
		records:      make(map[recordKey]*Record),
		applications: make(map[string]Application),
	}
}

func (s *MemStore) Get(ctx context.Context, userID int64, tier catalog.Tier) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{userID, tier}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) Apply(ctx context.Context, rec *Record, expectedVersion int, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applications[eventID]; ok {
		return ErrAlreadyApplied
	}

	key := recordKey{rec.UserID, rec.Tier}
	current, exists := s.records[key]
	if exists && current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !exists && expectedVersion != 0 {
		return ErrVersionConflict
	}

	cp := *rec
	cp.Version = expectedVersion + 1
	s.records[key] = &cp
	rec.Version = cp.Version

	s.applications[eventID] = Application{
		EventID:   eventID,
		UserID:    rec.UserID,
		AppliedAt: time.Now(),
	}
	return nil
}

func (s *MemStore) WasApplied(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applications[eventID]
	return ok, nil
}

func (s *MemStore) ListApplications(ctx context.Context, userID int64) ([]Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Application
	for _, app := range s.applications {
		if app.UserID == userID {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out, nil
}
