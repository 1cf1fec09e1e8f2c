package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory ledger with the same semantics as the Postgres
// store. It backs unit tests and local development without a database.
type MemStore struct {
	mu     sync.Mutex
	events map[string]*PaymentEvent
}

// NewMemStore creates an empty in-memory ledger.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]*PaymentEvent)}
}

func (s *MemStore) Insert(ctx context.Context, ev *PaymentEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return true, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemStore) LinkUser(ctx context.Context, id string, userID int64) error {
	return s.mutateUnprocessed(id, func(ev *PaymentEvent) {
		ev.LinkedUserID = &userID
		ev.ApplyState = ApplyReceived
	})
}

func (s *MemStore) MarkOrphaned(ctx context.Context, id string) error {
	return s.mutateUnprocessed(id, func(ev *PaymentEvent) {
		ev.ApplyState = ApplyOrphaned
	})
}

func (s *MemStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.ApplyState = ApplyApplied
	if ev.ProcessedAt == nil {
		t := at
		ev.ProcessedAt = &t
	}
	return nil
}

func (s *MemStore) MarkDeadLetter(ctx context.Context, id string, note string) error {
	return s.mutateUnprocessed(id, func(ev *PaymentEvent) {
		ev.ApplyState = ApplyDeadLetter
		ev.FailureNote = note
	})
}

func (s *MemStore) Reopen(ctx context.Context, id string) error {
	return s.mutateUnprocessed(id, func(ev *PaymentEvent) {
		ev.ApplyState = ApplyOrphaned
		ev.FailureNote = ""
	})
}

func (s *MemStore) RecordFailureNote(ctx context.Context, id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.FailureNote = note
	return nil
}

func (s *MemStore) ListOrphaned(ctx context.Context) ([]*PaymentEvent, error) {
	return s.filter(func(ev *PaymentEvent) bool {
		return ev.ApplyState == ApplyOrphaned
	}), nil
}

func (s *MemStore) ListUnapplied(ctx context.Context, olderThan time.Duration) ([]*PaymentEvent, error) {
	cutoff := time.Now().Add(-olderThan)
	return s.filter(func(ev *PaymentEvent) bool {
		return ev.ApplyState == ApplyReceived && ev.ReceivedAt.Before(cutoff)
	}), nil
}

func (s *MemStore) ListByUser(ctx context.Context, userID int64) ([]*PaymentEvent, error) {
	return s.filter(func(ev *PaymentEvent) bool {
		return ev.LinkedUserID != nil && *ev.LinkedUserID == userID
	}), nil
}

func (s *MemStore) mutateUnprocessed(id string, fn func(*PaymentEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.ProcessedAt != nil {
		return ErrEventProcessed
	}
	fn(ev)
	return nil
}

func (s *MemStore) filter(keep func(*PaymentEvent) bool) []*PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PaymentEvent
	for _, ev := range s.events {
		if keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
