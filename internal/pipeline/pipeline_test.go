package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewharbor/payments/internal/catalog"
	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/matcher"
	"github.com/crewharbor/payments/internal/subscription"
)

type fixture struct {
	ledger *ledger.MemStore
	subs   *subscription.MemStore
	dir    *matcher.MemDirectory
	proc   *Processor
}

func newFixture() *fixture {
	led := ledger.NewMemStore()
	subs := subscription.NewMemStore()
	dir := matcher.NewMemDirectory()
	engine := subscription.NewEngine(subs, subscription.LogNotifier{}, 72*time.Hour)
	return &fixture{
		ledger: led,
		subs:   subs,
		dir:    dir,
		proc:   New(led, matcher.New(dir, "+91"), engine),
	}
}

func (f *fixture) record(t *testing.T, ev *ledger.PaymentEvent) {
	t.Helper()
	inserted, err := f.ledger.Insert(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)
}

func captured(id, email string, amount int64) *ledger.PaymentEvent {
	return &ledger.PaymentEvent{
		ID:               id,
		Type:             "payment.captured",
		AmountMinorUnits: amount,
		Currency:         "INR",
		Status:           ledger.StatusCaptured,
		Method:           "upi",
		ContactEmail:     email,
		ApplyState:       ledger.ApplyReceived,
		ReceivedAt:       time.Now(),
	}
}

func TestProcessCapturedActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	f.record(t, captured("pay_1", "master@example.com", 45100))

	require.NoError(t, f.proc.Process(ctx, "pay_1"))

	ev, err := f.ledger.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, ev.Processed())
	assert.Equal(t, ledger.ApplyApplied, ev.ApplyState)
	require.NotNil(t, ev.LinkedUserID)
	assert.Equal(t, int64(11), *ev.LinkedUserID)

	rec, err := f.subs.Get(ctx, 11, catalog.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
}

func TestProcessTopupGrantsCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	f.record(t, captured("pay_top", "master@example.com", 9900))

	require.NoError(t, f.proc.Process(ctx, "pay_top"))

	rec, err := f.subs.Get(ctx, 11, catalog.TierCredits)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.CreditsRemaining)
	_, err = f.subs.Get(ctx, 11, catalog.TierPremium)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestProcessUnmatchedGoesOrphaned(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.record(t, captured("pay_orphan", "stranger@example.com", 45100))

	require.NoError(t, f.proc.Process(ctx, "pay_orphan"))

	ev, err := f.ledger.Get(ctx, "pay_orphan")
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplyOrphaned, ev.ApplyState)
	assert.False(t, ev.Processed())
	assert.Nil(t, ev.LinkedUserID)

	orphans, err := f.ledger.ListOrphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
}

func TestProcessFailedRecordsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	ev := captured("pay_fail", "master@example.com", 45100)
	ev.Status = ledger.StatusFailed
	ev.Type = "payment.failed"
	f.record(t, ev)

	require.NoError(t, f.proc.Process(ctx, "pay_fail"))

	got, err := f.ledger.Get(ctx, "pay_fail")
	require.NoError(t, err)
	assert.True(t, got.Processed())
	assert.NotEmpty(t, got.FailureNote)

	_, err = f.subs.Get(ctx, 11, catalog.TierPremium)
	assert.ErrorIs(t, err, subscription.ErrNotFound, "failed payment must not change state")
}

func TestProcessRefundCancelsWithGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	f.record(t, captured("pay_paid", "master@example.com", 261100))
	require.NoError(t, f.proc.Process(ctx, "pay_paid"))

	refund := captured("rfnd_1", "master@example.com", 261100)
	refund.Status = ledger.StatusRefunded
	refund.Type = "refund.processed"
	f.record(t, refund)
	require.NoError(t, f.proc.Process(ctx, "rfnd_1"))

	rec, err := f.subs.Get(ctx, 11, catalog.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, rec.Status)
	require.NotNil(t, rec.PeriodEnd)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), *rec.PeriodEnd, time.Minute)
}

func TestProcessUnhandledTypeIsAcknowledgedNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := captured("pay_odd", "", 45100)
	ev.Status = ledger.EventStatus("authorized")
	ev.Type = "payment.authorized"
	f.record(t, ev)

	require.NoError(t, f.proc.Process(ctx, "pay_odd"))
	got, err := f.ledger.Get(ctx, "pay_odd")
	require.NoError(t, err)
	assert.True(t, got.Processed(), "unknown event types are acknowledged, never retried")
}

func TestProcessTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	f.record(t, captured("pay_dup", "master@example.com", 45100))

	require.NoError(t, f.proc.Process(ctx, "pay_dup"))
	rec1, err := f.subs.Get(ctx, 11, catalog.TierPremium)
	require.NoError(t, err)

	require.NoError(t, f.proc.Process(ctx, "pay_dup"))
	rec2, err := f.subs.Get(ctx, 11, catalog.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, rec1, rec2)
}

func TestProcessUnknownAmountDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}
	f.record(t, captured("pay_weird", "master@example.com", 123))

	require.NoError(t, f.proc.Process(ctx, "pay_weird"))

	got, err := f.ledger.Get(ctx, "pay_weird")
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplyDeadLetter, got.ApplyState)
	assert.False(t, got.Processed())
}

func TestSweepCompletesCrashedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["master@example.com"] = []int64{11}

	// Recorded twenty minutes ago, never applied: the receiver crashed after
	// persisting.
	ev := captured("pay_crash", "master@example.com", 45100)
	ev.ReceivedAt = time.Now().Add(-20 * time.Minute)
	f.record(t, ev)

	applied, err := f.proc.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := f.ledger.Get(ctx, "pay_crash")
	require.NoError(t, err)
	assert.True(t, got.Processed())
}

func TestSweepRescuesOrphanAfterContactAdded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.record(t, captured("pay_late", "newjoiner@example.com", 45100))
	require.NoError(t, f.proc.Process(ctx, "pay_late"))

	got, err := f.ledger.Get(ctx, "pay_late")
	require.NoError(t, err)
	require.Equal(t, ledger.ApplyOrphaned, got.ApplyState)

	// The user later verifies this email on their profile.
	f.dir.Emails["newjoiner@example.com"] = []int64{21}

	applied, err := f.proc.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := f.subs.Get(ctx, 21, catalog.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
}
