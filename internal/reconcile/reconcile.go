// Package reconcile is the operator-facing repair path for events the
// matcher could not resolve. It replaces the pile of one-off fix scripts
// with a single supported code path that reuses the pipeline's apply.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/pipeline"
	"github.com/crewharbor/payments/internal/subscription"
)

var (
	// ErrNotRepairable guards Link against events that are not orphaned.
	ErrNotRepairable = errors.New("reconcile: event is not awaiting repair")
)

// Inspection is everything an operator must see before confirming a link:
// the candidate's current subscription state and every event already applied
// to them.
type Inspection struct {
	Event        *ledger.PaymentEvent     `json:"event"`
	UserStatus   *subscription.UserStatus `json:"userStatus"`
	LinkedEvents []*ledger.PaymentEvent   `json:"linkedEvents"`
}

// Service wires the ledger, the state machine and the shared apply pipeline
// into the repair workflow.
type Service struct {
	ledger ledger.Store
	engine *subscription.Engine
	proc   *pipeline.Processor
}

// NewService creates the reconciliation service.
func NewService(ledgerStore ledger.Store, engine *subscription.Engine, proc *pipeline.Processor) *Service {
	return &Service{ledger: ledgerStore, engine: engine, proc: proc}
}

// ListOrphaned returns every event awaiting manual resolution.
func (s *Service) ListOrphaned(ctx context.Context) ([]*ledger.PaymentEvent, error) {
	return s.ledger.ListOrphaned(ctx)
}

// GetEvent returns one ledger event.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*ledger.PaymentEvent, error) {
	return s.ledger.Get(ctx, eventID)
}

// Inspect assembles the audit view for a candidate link. Operators confirm
// against this, never against a bare user id.
func (s *Service) Inspect(ctx context.Context, eventID string, userID int64) (*Inspection, error) {
	ev, err := s.ledger.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.Status(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: user status: %w", err)
	}
	linked, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: linked events: %w", err)
	}
	return &Inspection{Event: ev, UserStatus: st, LinkedEvents: linked}, nil
}

// Link attaches an orphaned (or reopened) event to a user and applies it
// through the same pipeline the webhook path uses. A processed event is
// immutable; relinking requires an explicit operator unlink that this core
// deliberately does not offer.
func (s *Service) Link(ctx context.Context, eventID string, userID int64) error {
	ev, err := s.ledger.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Processed() {
		return ledger.ErrEventProcessed
	}
	// Dead-lettered events need an explicit Reopen first.
	if ev.ApplyState != ledger.ApplyOrphaned {
		return fmt.Errorf("%w: state %s", ErrNotRepairable, ev.ApplyState)
	}

	if err := s.ledger.LinkUser(ctx, eventID, userID); err != nil {
		return err
	}
	log.Info().
		Str("event_id", eventID).
		Int64("user_id", userID).
		Msg("operator linked orphaned event")

	return s.proc.ProcessLinked(ctx, eventID)
}

// Reopen moves a dead-lettered event back to orphaned so Link will accept it
// after the underlying contention or catalog gap is fixed.
func (s *Service) Reopen(ctx context.Context, eventID string) error {
	if err := s.ledger.Reopen(ctx, eventID); err != nil {
		return err
	}
	log.Info().Str("event_id", eventID).Msg("operator reopened event")
	return nil
}
