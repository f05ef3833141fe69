package protocol

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type Delivery struct {
	Address string `json:"address"`
	Date    string `json:"date,omitempty"`
}

type OrderCreatePayload struct {
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items"`
	Delivery   Delivery   `json:"delivery"`
}

type PaymentHoldPayload struct {
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_id"`
	Amount   int64  `json:"amount"` // в минимальных единицах
}

type ReservePayload struct {
	OrderID string     `json:"order_id"`
	Items   []LineItem `json:"items"`
}
