package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/crewharbor/payments/internal/catalog"
)

// Status is the lifecycle state of a subscription record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Record is the per-user, per-tier subscription state. A user holds at most
// one time-based record (premium) and one credit record; the two never
// interact. Version increments on every write and is the optimistic
// concurrency token serializing same-user applies.
type Record struct {
	ID               string       `json:"id"`
	UserID           int64        `json:"userId"`
	Tier             catalog.Tier `json:"tier"`
	Status           Status       `json:"status"`
	PeriodStart      *time.Time   `json:"periodStart"`
	PeriodEnd        *time.Time   `json:"periodEnd"`
	CreditsRemaining int          `json:"creditsRemaining"`
	SourceEventID    string       `json:"sourceEventId"`
	Version          int          `json:"-"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// ActiveAt reports whether the record grants access at the given instant.
// Expiry is computed on read; no sweeper flips statuses.
func (r *Record) ActiveAt(now time.Time) bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusActive, StatusCancelled:
		// Cancelled keeps access through the grace window.
		return r.PeriodEnd != nil && r.PeriodEnd.After(now)
	default:
		return false
	}
}

// UserStatus is the read-API projection of one user's subscription state.
type UserStatus struct {
	UserID           int64        `json:"userId"`
	Tier             catalog.Tier `json:"tier"`
	PeriodEnd        *time.Time   `json:"periodEnd"`
	CreditsRemaining int          `json:"creditsRemaining"`
}

// Application is one recorded apply of a payment event to a user. The unique
// event id on this table is the apply-side idempotence gate, independent of
// the receiver's dedup because the reconciliation tool bypasses the receiver.
type Application struct {
	EventID   string    `json:"eventId"`
	UserID    int64     `json:"userId"`
	AppliedAt time.Time `json:"appliedAt"`
}

var (
	// ErrNotFound is returned when a user has no record for a tier.
	ErrNotFound = errors.New("subscription: record not found")
	// ErrVersionConflict means a concurrent apply won the read-modify-write race.
	ErrVersionConflict = errors.New("subscription: version conflict")
	// ErrAlreadyApplied means this event's effect is already in the record.
	ErrAlreadyApplied = errors.New("subscription: event already applied")
)

// Store persists subscription records with optimistic versioning.
type Store interface {
	// Get returns the user's record for a tier, or ErrNotFound.
	Get(ctx context.Context, userID int64, tier catalog.Tier) (*Record, error)
	// Apply atomically records the application of eventID and writes rec,
	// provided rec still carries expectedVersion (0 for a new record).
	// Returns ErrAlreadyApplied if the event id was applied before and
	// ErrVersionConflict if a concurrent writer got there first.
	Apply(ctx context.Context, rec *Record, expectedVersion int, eventID string) error
	// WasApplied reports whether an event id has ever been applied.
	WasApplied(ctx context.Context, eventID string) (bool, error)
	// ListApplications returns every apply recorded for a user.
	ListApplications(ctx context.Context, userID int64) ([]Application, error)
}

// Notifier receives the SubscriptionActivated fact after a successful apply.
// The real messaging transport lives outside this core.
type Notifier interface {
	SubscriptionActivated(ctx context.Context, userID int64, tier catalog.Tier, periodEnd *time.Time)
}
