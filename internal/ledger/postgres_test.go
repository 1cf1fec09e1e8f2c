package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration test against a real Postgres; skipped in short mode and when no
// database is configured.
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test")
	}
	dsn := os.Getenv("PAYMENTS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAYMENTS_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	id := "pay_it_" + time.Now().Format("20060102150405")
	_, _ = db.ExecContext(ctx, "DELETE FROM payment_events WHERE id = $1", id)

	ev := newEvent(id)
	inserted, err := store.Insert(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Insert(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate insert must be absorbed")

	t.Run("Link", func(t *testing.T) {
		require.NoError(t, store.LinkUser(ctx, id, 42))
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LinkedUserID)
		assert.Equal(t, int64(42), *got.LinkedUserID)
	})

	t.Run("ProcessedGate", func(t *testing.T) {
		require.NoError(t, store.MarkProcessed(ctx, id, time.Now()))
		assert.ErrorIs(t, store.LinkUser(ctx, id, 43), ErrEventProcessed)
		assert.ErrorIs(t, store.MarkOrphaned(ctx, id), ErrEventProcessed)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.Get(ctx, "pay_never_seen")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
