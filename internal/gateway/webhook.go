package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/crewharbor/payments/internal/ledger"
)

// maxBodySize caps webhook payloads at 64 KB; real gateway notifications are
// a few hundred bytes.
const maxBodySize = 64 * 1024

// SignatureHeader carries the gateway's HMAC over the raw body.
const SignatureHeader = "X-Razorpay-Signature"

// Enqueuer hands a freshly persisted event to the background apply queue.
type Enqueuer interface {
	EnqueueApply(ctx context.Context, eventID string) error
}

// WebhookHandler receives gateway payment notifications. Its only job inside
// the gateway's timeout budget is to verify, persist and acknowledge; the
// apply work happens on the queue.
type WebhookHandler struct {
	ledger  ledger.Store
	queue   Enqueuer
	secret  string
	limiter *rate.Limiter
}

// NewWebhookHandler creates the receiver. The limiter paces delivery storms
// without returning 5xx, since a 5xx only makes the gateway redeliver.
func NewWebhookHandler(ledgerStore ledger.Store, queue Enqueuer, secret string) *WebhookHandler {
	return &WebhookHandler{
		ledger:  ledgerStore,
		queue:   queue,
		secret:  secret,
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Handle processes one webhook delivery.
func (h *WebhookHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.limiter.Wait(ctx); err != nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	// Signature failure is the single case that rejects without persisting:
	// an unauthenticated body must leave no trace.
	if !h.verifySignature(body, c.Request().Header.Get(SignatureHeader)) {
		log.Warn().Str("remote", c.RealIP()).Msg("webhook signature mismatch")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "invalid webhook signature",
		})
	}

	now := time.Now()
	ev, parseErr := ParseEvent(body, now)
	if parseErr != nil {
		// A payload this system can never parse still gets persisted, so
		// nothing is lost and the gateway stops retrying it.
		log.Error().Err(parseErr).Msg("unparseable webhook payload")
		ev = unparseableEvent(body, now)
	}

	inserted, err := h.ledger.Insert(ctx, ev)
	if err != nil {
		// Could not make the event durable; a 5xx is the one case where a
		// gateway retry is what we want.
		log.Error().Err(err).Str("event_id", ev.ID).Msg("ledger insert failed")
		return c.NoContent(http.StatusInternalServerError)
	}

	if !inserted {
		existing, err := h.ledger.Get(ctx, ev.ID)
		if err == nil && existing.Processed() {
			return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
		}
		// Known but unapplied: fall through and enqueue again, the apply
		// side is idempotent.
	}

	if parseErr == nil {
		if err := h.queue.EnqueueApply(ctx, ev.ID); err != nil {
			// The event is durable; the sweep will pick it up.
			log.Error().Err(err).Str("event_id", ev.ID).Msg("enqueue apply failed, leaving to sweep")
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// unparseableEvent wraps a body we could not interpret. The id is derived
// from the body hash so redeliveries of the same garbage dedup too.
func unparseableEvent(body []byte, receivedAt time.Time) *ledger.PaymentEvent {
	sum := sha256.Sum256(body)
	return &ledger.PaymentEvent{
		ID:         "unparseable_" + hex.EncodeToString(sum[:8]),
		Status:     ledger.StatusUnparseable,
		RawBody:    body,
		ApplyState: ledger.ApplyReceived,
		ReceivedAt: receivedAt,
	}
}

// Sign computes the signature the gateway would attach to body. Shared with
// tests and the local delivery simulator.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
