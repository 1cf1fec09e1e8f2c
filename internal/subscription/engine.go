package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crewharbor/payments/internal/catalog"
	"github.com/crewharbor/payments/internal/retry"
)

// Engine computes new subscription state from events and plans. All mutations
// go through an optimistic read-modify-write loop: same-user applies serialize
// on the record version, different users never contend. No lock is held
// across I/O.
type Engine struct {
	store    Store
	notifier Notifier
	retryCfg retry.Config
	grace    time.Duration
	now      func() time.Time
}

// NewEngine creates the state machine. grace is how long a refunded user keeps
// access. A nil notifier disables activation facts.
func NewEngine(store Store, notifier Notifier, grace time.Duration) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		retryCfg: retry.DefaultConfig(),
		grace:    grace,
		now:      time.Now,
	}
}

// ActivateOrExtend applies a captured time-based payment. The new period end
// is max(currentPeriodEnd, now) + plan duration: a renewal arriving early
// extends from the existing end (no lost benefit), and an out-of-order or
// backdated event can never shorten the period.
func (e *Engine) ActivateOrExtend(ctx context.Context, userID int64, plan catalog.PlanDefinition, eventID string) (*Record, error) {
	if !plan.IsTimeBased() {
		return nil, fmt.Errorf("subscription: plan %s is not time-based", plan.ID)
	}
	rec, err := e.apply(ctx, userID, plan.Tier, eventID, func(rec *Record, now time.Time) {
		base := now
		if rec.PeriodEnd != nil && rec.PeriodEnd.After(base) {
			base = *rec.PeriodEnd
		}
		end := base.AddDate(0, 0, plan.DurationDays)
		if rec.PeriodStart == nil {
			start := now
			rec.PeriodStart = &start
		}
		rec.PeriodEnd = &end
		rec.Status = StatusActive
	})
	if err != nil || rec == nil {
		return rec, err
	}
	if e.notifier != nil {
		e.notifier.SubscriptionActivated(ctx, userID, plan.Tier, rec.PeriodEnd)
	}
	return rec, nil
}

// Topup applies a captured credit purchase. Credits add unconditionally and
// never touch any period; idempotence alone bounds the grant.
func (e *Engine) Topup(ctx context.Context, userID int64, plan catalog.PlanDefinition, eventID string) (*Record, error) {
	if !plan.IsTopup() {
		return nil, fmt.Errorf("subscription: plan %s is not a topup", plan.ID)
	}
	return e.apply(ctx, userID, plan.Tier, eventID, func(rec *Record, _ time.Time) {
		rec.CreditsRemaining += plan.CreditGrant
		rec.Status = StatusActive
	})
}

// DeactivateWithGrace applies a refund: the subscription is cancelled but
// access runs until now+grace, or the existing period end if that is sooner.
// A refund only ever shortens access: a record with no period end (none, or
// the refund arrived before its capture) keeps none, so nothing is granted.
// Refunding a user with no time-based record still records the application so
// a redelivered refund stays a no-op.
func (e *Engine) DeactivateWithGrace(ctx context.Context, userID int64, eventID string) (*Record, error) {
	return e.apply(ctx, userID, catalog.TierPremium, eventID, func(rec *Record, now time.Time) {
		cutoff := now.Add(e.grace)
		if rec.PeriodEnd != nil && rec.PeriodEnd.After(cutoff) {
			rec.PeriodEnd = &cutoff
		}
		rec.Status = StatusCancelled
	})
}

// Status projects a user's overall subscription state for the read API.
func (e *Engine) Status(ctx context.Context, userID int64) (*UserStatus, error) {
	now := e.now()
	st := &UserStatus{UserID: userID, Tier: catalog.TierFree}

	prem, err := e.store.Get(ctx, userID, catalog.TierPremium)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if prem != nil && prem.ActiveAt(now) {
		st.Tier = catalog.TierPremium
		st.PeriodEnd = prem.PeriodEnd
	}

	credits, err := e.store.Get(ctx, userID, catalog.TierCredits)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if credits != nil {
		st.CreditsRemaining = credits.CreditsRemaining
	}
	return st, nil
}

// apply is the single idempotent apply loop shared by every mutation, and by
// both the webhook path and the reconciliation tool. It returns (nil, nil)
// when the event was already applied.
func (e *Engine) apply(ctx context.Context, userID int64, tier catalog.Tier, eventID string, mutate func(*Record, time.Time)) (*Record, error) {
	applied, err := e.store.WasApplied(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if applied {
		log.Debug().Str("event_id", eventID).Msg("event already applied, no-op")
		return nil, nil
	}

	var out *Record
	op := func() error {
		rec, err := e.store.Get(ctx, userID, tier)
		if errors.Is(err, ErrNotFound) {
			rec = &Record{
				ID:     uuid.NewString(),
				UserID: userID,
				Tier:   tier,
				Status: StatusPending,
			}
		} else if err != nil {
			return err
		}

		now := e.now()
		expected := rec.Version
		mutate(rec, now)
		rec.SourceEventID = eventID
		rec.UpdatedAt = now

		if err := e.store.Apply(ctx, rec, expected, eventID); err != nil {
			return err
		}
		out = rec
		return nil
	}

	err = retry.Do(ctx, e.retryCfg, op, func(err error) bool {
		return errors.Is(err, ErrVersionConflict)
	})
	if errors.Is(err, ErrAlreadyApplied) {
		// Lost the idempotence race to another worker holding the same event.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LogNotifier publishes SubscriptionActivated facts to the log. It stands in
// for the platform's notification transport, which consumes the same fact.
type LogNotifier struct{}

func (LogNotifier) SubscriptionActivated(ctx context.Context, userID int64, tier catalog.Tier, periodEnd *time.Time) {
	ev := log.Info().Int64("user_id", userID).Str("tier", string(tier))
	if periodEnd != nil {
		ev = ev.Time("period_end", *periodEnd)
	}
	ev.Msg("subscription activated")
}
