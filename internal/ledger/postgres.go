package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PostgresStore provides DB operations for the payment ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a ledger store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, event_type, amount, currency, status, method,
	contact_email, contact_phone, plan_hint, correlation_token, raw_body,
	apply_state, failure_note, linked_user_id, received_at, processed_at`

// Insert appends the event, keyed by the gateway event id. Redelivered ids hit
// the conflict clause and leave the original row untouched.
func (s *PostgresStore) Insert(ctx context.Context, ev *PaymentEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (
			id, event_type, amount, currency, status, method,
			contact_email, contact_phone, plan_hint, correlation_token,
			raw_body, apply_state, failure_note, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.AmountMinorUnits, ev.Currency, ev.Status, ev.Method,
		ev.ContactEmail, ev.ContactPhone, ev.PlanHint, ev.CorrelationToken,
		ev.RawBody, ev.ApplyState, ev.FailureNote, ev.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment_event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert payment_event %s: rows affected: %w", ev.ID, err)
	}
	if n == 0 {
		log.Debug().Str("event_id", ev.ID).Msg("duplicate ledger insert absorbed")
	}
	return n > 0, nil
}

// Get returns the event or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*PaymentEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, id)
	return scanEvent(row)
}

// LinkUser records the resolved user for an unprocessed event. Linking is the
// only mutation the reconciliation tool performs directly; it fails once the
// event has been applied so a processed event can never silently relink.
func (s *PostgresStore) LinkUser(ctx context.Context, id string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET linked_user_id = $1,
		    apply_state = $2
		WHERE id = $3 AND processed_at IS NULL`,
		userID, ApplyReceived, id,
	)
	if err != nil {
		return fmt.Errorf("link payment_event %s: %w", id, err)
	}
	return requireUpdated(ctx, s.db, res, id)
}

// MarkOrphaned flags an event that no strategy could resolve.
func (s *PostgresStore) MarkOrphaned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET apply_state = $1
		WHERE id = $2 AND processed_at IS NULL`,
		ApplyOrphaned, id,
	)
	if err != nil {
		return fmt.Errorf("orphan payment_event %s: %w", id, err)
	}
	return requireUpdated(ctx, s.db, res, id)
}

// MarkProcessed sets the apply gate. Idempotent on redelivery: a second call
// finds processed_at already set and changes nothing.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET apply_state = $1,
		    processed_at = COALESCE(processed_at, $2)
		WHERE id = $3`,
		ApplyApplied, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark payment_event %s processed: %w", id, err)
	}
	return nil
}

// MarkDeadLetter parks an event that automatic application gave up on.
func (s *PostgresStore) MarkDeadLetter(ctx context.Context, id string, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET apply_state = $1,
		    failure_note = $2
		WHERE id = $3 AND processed_at IS NULL`,
		ApplyDeadLetter, note, id,
	)
	if err != nil {
		return fmt.Errorf("dead-letter payment_event %s: %w", id, err)
	}
	return requireUpdated(ctx, s.db, res, id)
}

// Reopen moves a dead-lettered event back to orphaned for another manual pass.
func (s *PostgresStore) Reopen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET apply_state = $1,
		    failure_note = ''
		WHERE id = $2 AND processed_at IS NULL`,
		ApplyOrphaned, id,
	)
	if err != nil {
		return fmt.Errorf("reopen payment_event %s: %w", id, err)
	}
	return requireUpdated(ctx, s.db, res, id)
}

// RecordFailureNote annotates an event without changing its apply state.
func (s *PostgresStore) RecordFailureNote(ctx context.Context, id string, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_events SET failure_note = $1 WHERE id = $2`,
		note, id,
	)
	if err != nil {
		return fmt.Errorf("annotate payment_event %s: %w", id, err)
	}
	return nil
}

// ListOrphaned returns every event awaiting manual resolution, oldest first.
func (s *PostgresStore) ListOrphaned(ctx context.Context) ([]*PaymentEvent, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		 WHERE apply_state = $1 ORDER BY received_at`, ApplyOrphaned)
}

// ListUnapplied returns events recorded but neither applied, orphaned nor
// dead-lettered for at least olderThan. These are the survivors of a crash
// between persistence and apply; the background sweep re-drives them.
func (s *PostgresStore) ListUnapplied(ctx context.Context, olderThan time.Duration) ([]*PaymentEvent, error) {
	cutoff := time.Now().Add(-olderThan)
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		 WHERE apply_state = $1 AND received_at < $2 ORDER BY received_at`,
		ApplyReceived, cutoff)
}

// ListByUser returns all events linked to a user, for the reconciliation
// tool's audit view.
func (s *PostgresStore) ListByUser(ctx context.Context, userID int64) ([]*PaymentEvent, error) {
	return s.list(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		 WHERE linked_user_id = $1 ORDER BY received_at`, userID)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*PaymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment_events: %w", err)
	}
	defer rows.Close()

	var events []*PaymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*PaymentEvent, error) {
	var ev PaymentEvent
	var linkedUser sql.NullInt64
	var processedAt sql.NullTime
	err := row.Scan(
		&ev.ID, &ev.Type, &ev.AmountMinorUnits, &ev.Currency, &ev.Status,
		&ev.Method, &ev.ContactEmail, &ev.ContactPhone, &ev.PlanHint,
		&ev.CorrelationToken, &ev.RawBody, &ev.ApplyState, &ev.FailureNote,
		&linkedUser, &ev.ReceivedAt, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment_event: %w", err)
	}
	if linkedUser.Valid {
		ev.LinkedUserID = &linkedUser.Int64
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

// requireUpdated distinguishes "row missing" from "row already processed" for
// guarded updates that matched nothing.
func requireUpdated(ctx context.Context, db *sql.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payment_event %s: rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("payment_event %s: existence check: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrEventProcessed
}
