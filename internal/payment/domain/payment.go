package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusHold      PaymentStatus = "HOLD"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Account balance in minor units. Locked is the part held by open payments.
type Account struct {
	ClientID string `json:"client_id"`
	Amount   int64  `json:"amount"`
	Locked   int64  `json:"locked"`
}

func (a Account) Available() int64 { return a.Amount - a.Locked }

type Payment struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"order_id"`
	ClientID  string        `json:"client_id"`
	Amount    int64         `json:"amount"`
	Status    PaymentStatus `json:"status"`
	TxID      string        `json:"tx_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
