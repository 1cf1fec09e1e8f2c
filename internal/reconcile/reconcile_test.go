package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewharbor/payments/internal/catalog"
	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/matcher"
	"github.com/crewharbor/payments/internal/pipeline"
	"github.com/crewharbor/payments/internal/subscription"
)

type fixture struct {
	ledger *ledger.MemStore
	subs   *subscription.MemStore
	dir    *matcher.MemDirectory
	proc   *pipeline.Processor
	svc    *Service
}

func newFixture() *fixture {
	led := ledger.NewMemStore()
	subs := subscription.NewMemStore()
	dir := matcher.NewMemDirectory()
	engine := subscription.NewEngine(subs, nil, 72*time.Hour)
	proc := pipeline.New(led, matcher.New(dir, "+91"), engine)
	return &fixture{
		ledger: led,
		subs:   subs,
		dir:    dir,
		proc:   proc,
		svc:    NewService(led, engine, proc),
	}
}

func (f *fixture) orphan(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID:               id,
		Type:             "payment.captured",
		AmountMinorUnits: 45100,
		Currency:         "INR",
		Status:           ledger.StatusCaptured,
		ContactEmail:     "unknown@example.com",
		ApplyState:       ledger.ApplyReceived,
		ReceivedAt:       time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, id))
	ev, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.ApplyOrphaned, ev.ApplyState)
}

func TestLinkAppliesThroughSharedPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.orphan(t, "pay_lost")

	require.NoError(t, f.svc.Link(ctx, "pay_lost", 30))

	// Linking grants exactly what automatic matching would have granted.
	rec, err := f.subs.Get(ctx, 30, catalog.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, "pay_lost", rec.SourceEventID)

	ev, err := f.ledger.Get(ctx, "pay_lost")
	require.NoError(t, err)
	assert.True(t, ev.Processed())
	require.NotNil(t, ev.LinkedUserID)
	assert.Equal(t, int64(30), *ev.LinkedUserID)
}

func TestLinkMatchesAutomaticOutcome(t *testing.T) {
	ctx := context.Background()

	// Same event, two worlds: automatic match vs manual link.
	auto := newFixture()
	auto.dir.Emails["found@example.com"] = []int64{31}
	_, err := auto.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_same", Status: ledger.StatusCaptured, AmountMinorUnits: 261100,
		Currency: "INR", ContactEmail: "found@example.com",
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, auto.proc.Process(ctx, "pay_same"))
	autoRec, err := auto.subs.Get(ctx, 31, catalog.TierPremium)
	require.NoError(t, err)

	manual := newFixture()
	_, err = manual.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_same", Status: ledger.StatusCaptured, AmountMinorUnits: 261100,
		Currency: "INR", ContactEmail: "found@example.com",
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, manual.proc.Process(ctx, "pay_same")) // orphans it
	require.NoError(t, manual.svc.Link(ctx, "pay_same", 31))
	manualRec, err := manual.subs.Get(ctx, 31, catalog.TierPremium)
	require.NoError(t, err)

	assert.Equal(t, autoRec.Status, manualRec.Status)
	assert.Equal(t, autoRec.Tier, manualRec.Tier)
	assert.Equal(t, autoRec.SourceEventID, manualRec.SourceEventID)
}

func TestLinkRefusesProcessedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.orphan(t, "pay_done")
	require.NoError(t, f.svc.Link(ctx, "pay_done", 32))

	// Stable linkage: a processed event can never silently relink.
	err := f.svc.Link(ctx, "pay_done", 99)
	assert.ErrorIs(t, err, ledger.ErrEventProcessed)

	_, err = f.subs.Get(ctx, 99, catalog.TierPremium)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestLinkRefusesUntouchedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_fresh", Status: ledger.StatusCaptured,
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	err = f.svc.Link(ctx, "pay_fresh", 33)
	assert.ErrorIs(t, err, ErrNotRepairable)
}

func TestInspectShowsAuditView(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// User 34 already has one applied event.
	f.dir.Emails["chief@example.com"] = []int64{34}
	_, err := f.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_prior", Status: ledger.StatusCaptured, AmountMinorUnits: 45100,
		Currency: "INR", ContactEmail: "chief@example.com",
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, "pay_prior"))

	f.orphan(t, "pay_new")

	insp, err := f.svc.Inspect(ctx, "pay_new", 34)
	require.NoError(t, err)
	assert.Equal(t, "pay_new", insp.Event.ID)
	assert.Equal(t, catalog.TierPremium, insp.UserStatus.Tier)
	require.Len(t, insp.LinkedEvents, 1)
	assert.Equal(t, "pay_prior", insp.LinkedEvents[0].ID)
}

func TestReopenDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["bosun@example.com"] = []int64{35}

	// Amount matching no plan dead-letters the event.
	_, err := f.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_odd", Status: ledger.StatusCaptured, AmountMinorUnits: 777,
		Currency: "INR", ContactEmail: "bosun@example.com",
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, "pay_odd"))
	ev, err := f.ledger.Get(ctx, "pay_odd")
	require.NoError(t, err)
	require.Equal(t, ledger.ApplyDeadLetter, ev.ApplyState)

	require.NoError(t, f.svc.Reopen(ctx, "pay_odd"))
	ev, err = f.ledger.Get(ctx, "pay_odd")
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplyOrphaned, ev.ApplyState)
}

func TestLinkRequiresReopenForDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.dir.Emails["mate@example.com"] = []int64{36}

	_, err := f.ledger.Insert(ctx, &ledger.PaymentEvent{
		ID: "pay_parked", Status: ledger.StatusCaptured, AmountMinorUnits: 888,
		Currency: "INR", ContactEmail: "mate@example.com",
		ApplyState: ledger.ApplyReceived, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, "pay_parked"))
	ev, err := f.ledger.Get(ctx, "pay_parked")
	require.NoError(t, err)
	require.Equal(t, ledger.ApplyDeadLetter, ev.ApplyState)

	// Dead-lettered events are not linkable until an operator reopens them.
	err = f.svc.Link(ctx, "pay_parked", 36)
	assert.ErrorIs(t, err, ErrNotRepairable)

	require.NoError(t, f.svc.Reopen(ctx, "pay_parked"))
	assert.NoError(t, f.svc.Link(ctx, "pay_parked", 36))
}
