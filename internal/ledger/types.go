package ledger

import (
	"context"
	"errors"
	"time"
)

// EventStatus is the gateway-reported outcome of the payment itself.
type EventStatus string

const (
	StatusCaptured    EventStatus = "captured"
	StatusFailed      EventStatus = "failed"
	StatusRefunded    EventStatus = "refunded"
	StatusUnparseable EventStatus = "unparseable"
)

// ApplyState tracks how far this system has taken the event, independent of
// what the gateway reported.
type ApplyState string

const (
	// ApplyReceived means the event is durably recorded but not yet applied.
	ApplyReceived ApplyState = "received"
	// ApplyOrphaned means no unambiguous user match was found; the event waits
	// for the reconciliation tool or an orphan re-scan.
	ApplyOrphaned ApplyState = "orphaned"
	// ApplyApplied means the event's effect has been applied exactly once.
	ApplyApplied ApplyState = "applied"
	// ApplyDeadLetter means automatic application gave up (e.g. repeated
	// concurrent-update conflicts) and an operator must look.
	ApplyDeadLetter ApplyState = "dead_letter"
)

// PaymentEvent is one observed gateway notification. Rows are append-only and
// keyed by the gateway's globally unique event id; an event is never deleted,
// only annotated as it moves through the pipeline.
type PaymentEvent struct {
	ID               string      `json:"id"`
	Type             string      `json:"type"`
	AmountMinorUnits int64       `json:"amount"`
	Currency         string      `json:"currency"`
	Status           EventStatus `json:"status"`
	Method           string      `json:"method"`
	ContactEmail     string      `json:"contactEmail"`
	ContactPhone     string      `json:"contactPhone"`
	PlanHint         string      `json:"planHint"`
	CorrelationToken string      `json:"correlationToken"`
	RawBody          []byte      `json:"-"`
	ApplyState       ApplyState  `json:"applyState"`
	FailureNote      string      `json:"failureNote,omitempty"`
	LinkedUserID     *int64      `json:"linkedUserId"`
	ReceivedAt       time.Time   `json:"receivedAt"`
	ProcessedAt      *time.Time  `json:"processedAt"`
}

// Processed reports whether the event's effect has already been applied.
func (e *PaymentEvent) Processed() bool {
	return e.ProcessedAt != nil
}

var (
	// ErrNotFound is returned when no ledger row exists for an event id.
	ErrNotFound = errors.New("ledger: event not found")
	// ErrEventProcessed guards mutations that are only legal before apply.
	ErrEventProcessed = errors.New("ledger: event already processed")
)

// Store is the persistence contract for the payment ledger. The Postgres
// implementation is authoritative; MemStore mirrors its semantics for tests.
type Store interface {
	// Insert appends the event if its id is new. It reports whether the row
	// was inserted; false means the gateway redelivered a known event.
	Insert(ctx context.Context, ev *PaymentEvent) (bool, error)
	Get(ctx context.Context, id string) (*PaymentEvent, error)
	LinkUser(ctx context.Context, id string, userID int64) error
	MarkOrphaned(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkDeadLetter(ctx context.Context, id string, note string) error
	Reopen(ctx context.Context, id string) error
	RecordFailureNote(ctx context.Context, id string, note string) error
	ListOrphaned(ctx context.Context) ([]*PaymentEvent, error)
	ListUnapplied(ctx context.Context, olderThan time.Duration) ([]*PaymentEvent, error)
	ListByUser(ctx context.Context, userID int64) ([]*PaymentEvent, error)
}
