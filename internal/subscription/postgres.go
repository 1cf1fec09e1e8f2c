package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crewharbor/payments/internal/catalog"
)

// PostgresStore provides DB operations for subscription records. The version
// column plus the unique event id on subscription_applications implement the
// optimistic-concurrency and idempotence contract of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a subscription store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID int64, tier catalog.Tier) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tier, status, period_start, period_end,
		       credits_remaining, source_event_id, version, updated_at
		FROM subscription_records
		WHERE user_id = $1 AND tier = $2`,
		userID, tier,
	)

	var rec Record
	var periodStart, periodEnd sql.NullTime
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Tier, &rec.Status,
		&periodStart, &periodEnd, &rec.CreditsRemaining,
		&rec.SourceEventID, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription_record: %w", err)
	}
	if periodStart.Valid {
		t := periodStart.Time
		rec.PeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		rec.PeriodEnd = &t
	}
	return &rec, nil
}

// Apply records the application and writes the record in one transaction.
// The application insert hits the unique event id first, so a duplicate apply
// fails before it can touch the record.
func (s *PostgresStore) Apply(ctx context.Context, rec *Record, expectedVersion int, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscription_applications (event_id, user_id, applied_at)
		VALUES ($1, $2, now())`,
		eventID, rec.UserID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("record application %s: %w", eventID, err)
	}

	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_records (
				id, user_id, tier, status, period_start, period_end,
				credits_remaining, source_event_id, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (user_id, tier) DO NOTHING`,
			rec.ID, rec.UserID, rec.Tier, rec.Status, rec.PeriodStart,
			rec.PeriodEnd, rec.CreditsRemaining, rec.SourceEventID, newVersion,
		)
		if err != nil {
			return fmt.Errorf("insert subscription_record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert subscription_record: rows affected: %w", err)
		}
		if n == 0 {
			// Another apply created the record since our read.
			return ErrVersionConflict
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscription_records
			SET status = $1,
			    period_start = $2,
			    period_end = $3,
			    credits_remaining = $4,
			    source_event_id = $5,
			    version = $6,
			    updated_at = now()
			WHERE user_id = $7 AND tier = $8 AND version = $9`,
			rec.Status, rec.PeriodStart, rec.PeriodEnd, rec.CreditsRemaining,
			rec.SourceEventID, newVersion, rec.UserID, rec.Tier, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update subscription_record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update subscription_record: rows affected: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}
	rec.Version = newVersion
	return nil
}

func (s *PostgresStore) WasApplied(ctx context.Context, eventID string) (bool, error) {
	var applied bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_applications WHERE event_id = $1)`,
		eventID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("query subscription_applications: %w", err)
	}
	return applied, nil
}

func (s *PostgresStore) ListApplications(ctx context.Context, userID int64) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, applied_at
		FROM subscription_applications
		WHERE user_id = $1 ORDER BY applied_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscription_applications: %w", err)
	}
	defer rows.Close()

	var out []Application
	for rows.Next() {
		var app Application
		var appliedAt time.Time
		if err := rows.Scan(&app.EventID, &app.UserID, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan subscription_application: %w", err)
		}
		app.AppliedAt = appliedAt
		out = append(out, app)
	}
	return out, rows.Err()
}
