package contracts

import (
	"fmt"
	"time"
)

// Event is published once a participant's share of a global transaction
// is committed locally.
type Event struct {
	EventID     string         `json:"event_id"`
	TxID        string         `json:"txid"`
	Participant string         `json:"participant"`
	OrderID     string         `json:"order_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

const (
	EventOrderApproved   = "order.approved"
	EventPaymentHeld     = "payment.held"
	EventReserveCreated  = "reserve.created"
	EventNotificationOut = "notification.emitted"
)

// EventID is stable per participant and transaction, so a re-published
// event can be deduplicated downstream.
func EventID(participant, txID string) string {
	return fmt.Sprintf("%s.%s.committed", participant, txID)
}
