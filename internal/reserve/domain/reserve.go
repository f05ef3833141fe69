package domain

import "time"

type ReserveStatus string

const (
	ReserveStatusApproved  ReserveStatus = "APPROVED"
	ReserveStatusReleased  ReserveStatus = "RELEASED"
	ReserveStatusCancelled ReserveStatus = "CANCELLED"
)

type WarehouseItem struct {
	ID       string `json:"id"`
	Amount   int32  `json:"amount"`
	Reserved int32  `json:"reserved"`
	UnitCost int64  `json:"unit_cost"`
}

func (w WarehouseItem) Available() int32 { return w.Amount - w.Reserved }

type ReserveItem struct {
	ItemID   string `json:"item_id"`
	Quantity int32  `json:"quantity"`
}

type Reserve struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"order_id"`
	Status    ReserveStatus `json:"status"`
	TxID      string        `json:"tx_id,omitempty"`
	Items     []ReserveItem `json:"items"`
	CreatedAt time.Time     `json:"created_at"`
}
