package domain

import "time"

type OrderID string
type ProductID string

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

type OrderItem struct {
	ProductID ProductID `json:"product_id"`
	Quantity  int32     `json:"quantity"`
}

type Delivery struct {
	Address string `json:"address"`
	Date    string `json:"date,omitempty"`
}

type Order struct {
	ID         OrderID     `json:"id"`
	CustomerID string      `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	TxID       string      `json:"tx_id,omitempty"` // global transaction that created the order
	Items      []OrderItem `json:"items"`
	Delivery   Delivery    `json:"delivery"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
