package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewharbor/payments/internal/ledger"
)

const testSecret = "whsec_test_123"

type recordingQueue struct {
	enqueued []string
}

func (q *recordingQueue) EnqueueApply(ctx context.Context, eventID string) error {
	q.enqueued = append(q.enqueued, eventID)
	return nil
}

func deliver(t *testing.T, h *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))
	return rec
}

const capturedBody = `{
	"id": "pay_hook_1",
	"type": "payment.captured",
	"amount": 45100,
	"currency": "INR",
	"status": "captured",
	"method": "upi",
	"contact": {"email": "master@example.com", "phone": "+919812345678"},
	"metadata": {"correlationToken": "chk_99", "planId": "plan_premium_monthly"}
}`

func TestWebhookPersistsAndEnqueues(t *testing.T) {
	store := ledger.NewMemStore()
	queue := &recordingQueue{}
	h := NewWebhookHandler(store, queue, testSecret)

	rec := deliver(t, h, capturedBody, Sign(testSecret, []byte(capturedBody)))
	assert.Equal(t, http.StatusOK, rec.Code)

	ev, err := store.Get(context.Background(), "pay_hook_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCaptured, ev.Status)
	assert.Equal(t, int64(45100), ev.AmountMinorUnits)
	assert.Equal(t, "chk_99", ev.CorrelationToken)
	assert.Equal(t, "plan_premium_monthly", ev.PlanHint)
	assert.JSONEq(t, capturedBody, string(ev.RawBody), "raw body is persisted before interpretation")
	assert.Equal(t, []string{"pay_hook_1"}, queue.enqueued)
}

func TestWebhookRejectsBadSignatureWithoutPersisting(t *testing.T) {
	store := ledger.NewMemStore()
	queue := &recordingQueue{}
	h := NewWebhookHandler(store, queue, testSecret)

	// Tampered body signed with the wrong secret.
	rec := deliver(t, h, capturedBody, Sign("whsec_wrong", []byte(capturedBody)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// No ledger writes, nothing enqueued.
	_, err := store.Get(context.Background(), "pay_hook_1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Empty(t, queue.enqueued)

	// Missing header entirely.
	rec = deliver(t, h, capturedBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	store := ledger.NewMemStore()
	queue := &recordingQueue{}
	h := NewWebhookHandler(store, queue, testSecret)
	sig := Sign(testSecret, []byte(capturedBody))

	deliver(t, h, capturedBody, sig)
	// Redelivery before apply: acknowledged, re-enqueued (apply is idempotent).
	rec := deliver(t, h, capturedBody, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, queue.enqueued, 2)

	// Redelivery after apply: acknowledged without enqueueing.
	require.NoError(t, store.MarkProcessed(context.Background(), "pay_hook_1", time.Now()))
	rec = deliver(t, h, capturedBody, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
	assert.Len(t, queue.enqueued, 2)
}

func TestWebhookUnparseableBodyIsPersistedAndAcknowledged(t *testing.T) {
	store := ledger.NewMemStore()
	queue := &recordingQueue{}
	h := NewWebhookHandler(store, queue, testSecret)

	body := `this is not json at all`
	rec := deliver(t, h, body, Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code, "gateways must not retry what we can never parse")

	orphanless, err := store.ListUnapplied(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, orphanless, 1)
	assert.Equal(t, ledger.StatusUnparseable, orphanless[0].Status)
	assert.Equal(t, body, string(orphanless[0].RawBody))
	assert.Empty(t, queue.enqueued, "nothing to apply for an unparseable event")
}

func TestWebhookMissingEventID(t *testing.T) {
	store := ledger.NewMemStore()
	queue := &recordingQueue{}
	h := NewWebhookHandler(store, queue, testSecret)

	body := `{"type": "payment.captured", "status": "captured"}`
	rec := deliver(t, h, body, Sign(testSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	events, err := store.ListUnapplied(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.StatusUnparseable, events[0].Status)
}
