package matcher

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresDirectory reads the platform's user contact tables. The payments
// core never writes these tables; profile CRUD owns them.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a read-only directory over the platform DB.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) LookupByCorrelationToken(ctx context.Context, token string) ([]int64, error) {
	return d.lookup(ctx,
		`SELECT user_id FROM checkout_tokens WHERE token = $1`, token)
}

func (d *PostgresDirectory) LookupByPhone(ctx context.Context, phone string) ([]int64, error) {
	return d.lookup(ctx,
		`SELECT DISTINCT user_id FROM user_phones WHERE phone_e164 = $1`, phone)
}

func (d *PostgresDirectory) LookupByEmail(ctx context.Context, email string) ([]int64, error) {
	return d.lookup(ctx,
		`SELECT DISTINCT user_id FROM user_emails WHERE lower(email) = $1`, email)
}

func (d *PostgresDirectory) lookup(ctx context.Context, query string, arg any) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directory lookup: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemDirectory is an in-memory Directory for tests.
type MemDirectory struct {
	Tokens map[string][]int64
	Phones map[string][]int64
	Emails map[string][]int64
}

// NewMemDirectory creates an empty in-memory directory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		Tokens: make(map[string][]int64),
		Phones: make(map[string][]int64),
		Emails: make(map[string][]int64),
	}
}

func (d *MemDirectory) LookupByCorrelationToken(ctx context.Context, token string) ([]int64, error) {
	return d.Tokens[token], nil
}

func (d *MemDirectory) LookupByPhone(ctx context.Context, phone string) ([]int64, error) {
	return d.Phones[phone], nil
}

func (d *MemDirectory) LookupByEmail(ctx context.Context, email string) ([]int64, error) {
	return d.Emails[email], nil
}
