package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewharbor/payments/internal/ledger"
)

// webhookBody is the gateway's notification shape.
type webhookBody struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Method   string `json:"method"`
	Contact  struct {
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"contact"`
	Metadata struct {
		CorrelationToken string `json:"correlationToken"`
		PlanID           string `json:"planId"`
	} `json:"metadata"`
}

// ParseEvent converts a raw webhook body into a ledger event with a closed
// set of status variants. Gateway statuses outside the known set keep their
// raw type string and fall out as an unhandled no-op downstream; only a body
// without a usable event id is unparseable, because without the id there is
// no dedup key.
func ParseEvent(raw []byte, receivedAt time.Time) (*ledger.PaymentEvent, error) {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("gateway: decode webhook body: %w", err)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("gateway: webhook body has no event id")
	}

	ev := &ledger.PaymentEvent{
		ID:               body.ID,
		Type:             body.Type,
		AmountMinorUnits: body.Amount,
		Currency:         body.Currency,
		Method:           body.Method,
		ContactEmail:     body.Contact.Email,
		ContactPhone:     body.Contact.Phone,
		PlanHint:         body.Metadata.PlanID,
		CorrelationToken: body.Metadata.CorrelationToken,
		RawBody:          raw,
		ApplyState:       ledger.ApplyReceived,
		ReceivedAt:       receivedAt,
	}

	switch body.Status {
	case "captured":
		ev.Status = ledger.StatusCaptured
	case "failed":
		ev.Status = ledger.StatusFailed
	case "refunded":
		ev.Status = ledger.StatusRefunded
	default:
		// Tagged with the raw status so the dispatcher can log what it
		// skipped; never rejected.
		ev.Status = ledger.EventStatus(body.Status)
	}
	return ev, nil
}
