// Package pipeline drives a recorded payment event through matching and the
// subscription state machine. It is the single apply path: the webhook
// worker, the background sweep and the reconciliation tool all call the same
// Process, so their semantics can never diverge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/crewharbor/payments/internal/catalog"
	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/matcher"
	"github.com/crewharbor/payments/internal/retry"
	"github.com/crewharbor/payments/internal/subscription"
)

// errParked marks an event handed to the operator (dead-lettered); it must
// not be reported as a failure or marked processed.
var errParked = errors.New("pipeline: event parked for operator")

// Processor applies ledger events to subscription state.
type Processor struct {
	ledger ledger.Store
	match  *matcher.Matcher
	engine *subscription.Engine

	// sweepLimiter paces backlog drains so a large sweep cannot saturate
	// the database under live webhook traffic.
	sweepLimiter *rate.Limiter
}

// New creates a processor over the ledger, matcher and state machine.
func New(ledgerStore ledger.Store, match *matcher.Matcher, engine *subscription.Engine) *Processor {
	return &Processor{
		ledger:       ledgerStore,
		match:        match,
		engine:       engine,
		sweepLimiter: rate.NewLimiter(rate.Limit(50), 10),
	}
}

// Process drives one recorded event to completion: dedup, match, apply, mark
// processed. Orphaned and dead-lettered outcomes are not errors; they are
// recorded on the ledger row and the call returns nil so delivery
// infrastructure never retries what only an operator can fix.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	ev, err := p.ledger.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("pipeline: load event: %w", err)
	}
	return p.apply(ctx, ev)
}

// ProcessLinked applies an event whose linkedUserId was set by an operator.
// It shares every step with Process except automatic matching.
func (p *Processor) ProcessLinked(ctx context.Context, eventID string) error {
	ev, err := p.ledger.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("pipeline: load event: %w", err)
	}
	if ev.LinkedUserID == nil {
		return fmt.Errorf("pipeline: event %s has no linked user", eventID)
	}
	return p.apply(ctx, ev)
}

func (p *Processor) apply(ctx context.Context, ev *ledger.PaymentEvent) error {
	if ev.Processed() {
		log.Debug().Str("event_id", ev.ID).Msg("event already processed")
		return nil
	}

	switch ev.Status {
	case ledger.StatusUnparseable:
		// Persisted for the audit trail; there is nothing to apply.
		return p.markProcessed(ctx, ev.ID)
	case ledger.StatusCaptured, ledger.StatusFailed, ledger.StatusRefunded:
	default:
		// Unhandled gateway event type: acknowledged no-op so future event
		// types never block the delivery queue.
		log.Info().Str("event_id", ev.ID).Str("type", ev.Type).Msg("unhandled event type, no-op")
		return p.markProcessed(ctx, ev.ID)
	}

	userID, err := p.resolveUser(ctx, ev)
	if err != nil {
		if errors.Is(err, matcher.ErrNoMatch) || errors.Is(err, matcher.ErrAmbiguousMatch) {
			log.Warn().Str("event_id", ev.ID).Err(err).Msg("event orphaned")
			return p.ledger.MarkOrphaned(ctx, ev.ID)
		}
		return err
	}

	switch ev.Status {
	case ledger.StatusCaptured:
		err = p.applyCaptured(ctx, ev, userID)
	case ledger.StatusFailed:
		// Record only; a failed payment changes no subscription state.
		note := fmt.Sprintf("payment failed via %s", ev.Method)
		if err := p.ledger.RecordFailureNote(ctx, ev.ID, note); err != nil {
			return err
		}
	case ledger.StatusRefunded:
		_, err = p.engine.DeactivateWithGrace(ctx, userID, ev.ID)
	}
	if err != nil {
		if errors.Is(err, errParked) {
			return nil
		}
		if errors.Is(err, retry.ErrRetriesExhausted) {
			// Contention never resolved; park for an operator instead of
			// looping forever.
			log.Error().Str("event_id", ev.ID).Err(err).Msg("apply dead-lettered")
			return p.ledger.MarkDeadLetter(ctx, ev.ID, err.Error())
		}
		return fmt.Errorf("pipeline: apply event %s: %w", ev.ID, err)
	}

	return p.markProcessed(ctx, ev.ID)
}

func (p *Processor) resolveUser(ctx context.Context, ev *ledger.PaymentEvent) (int64, error) {
	if ev.LinkedUserID != nil {
		return *ev.LinkedUserID, nil
	}
	userID, err := p.match.Resolve(ctx, ev)
	if err != nil {
		return 0, err
	}
	if err := p.ledger.LinkUser(ctx, ev.ID, userID); err != nil {
		return 0, err
	}
	return userID, nil
}

func (p *Processor) applyCaptured(ctx context.Context, ev *ledger.PaymentEvent, userID int64) error {
	plan, err := catalog.Resolve(ev.PlanHint, ev.AmountMinorUnits, ev.Currency)
	if err != nil {
		// An amount we cannot place is an operator problem, not a retry
		// problem.
		log.Warn().Str("event_id", ev.ID).Int64("amount", ev.AmountMinorUnits).Msg("no plan for captured event")
		if dlErr := p.ledger.MarkDeadLetter(ctx, ev.ID, err.Error()); dlErr != nil {
			return dlErr
		}
		return errParked
	}
	if plan.IsTopup() {
		_, err = p.engine.Topup(ctx, userID, plan, ev.ID)
		return err
	}
	_, err = p.engine.ActivateOrExtend(ctx, userID, plan, ev.ID)
	return err
}

func (p *Processor) markProcessed(ctx context.Context, eventID string) error {
	return p.ledger.MarkProcessed(ctx, eventID, time.Now())
}

// Sweep re-drives events that were durably recorded but never applied (a
// crash between persistence and apply) and re-runs matching over orphans as
// contact data improves. Matching is pure, so the periodic re-scan is safe.
func (p *Processor) Sweep(ctx context.Context, minAge time.Duration) (int, error) {
	stale, err := p.ledger.ListUnapplied(ctx, minAge)
	if err != nil {
		return 0, fmt.Errorf("pipeline: sweep list: %w", err)
	}
	orphans, err := p.ledger.ListOrphaned(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: sweep orphans: %w", err)
	}

	applied := 0
	for _, ev := range append(stale, orphans...) {
		if err := p.sweepLimiter.Wait(ctx); err != nil {
			return applied, err
		}
		if err := p.apply(ctx, ev); err != nil {
			log.Error().Str("event_id", ev.ID).Err(err).Msg("sweep apply failed")
			continue
		}
		fresh, err := p.ledger.Get(ctx, ev.ID)
		if err == nil && fresh.Processed() {
			applied++
		}
	}
	return applied, nil
}
