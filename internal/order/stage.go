// Package order is the orders participant: it approves an order as part of
// a global transaction.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tx-lab-tpc-go/internal/order/domain"
	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/participant"
	"tx-lab-tpc-go/pkg/prepared"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type Handler struct {
	Now func() time.Time
}

func NewHandler() *Handler { return &Handler{Now: time.Now} }

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func validate(p protocol.OrderCreatePayload) error {
	if strings.TrimSpace(p.CustomerID) == "" {
		return fmt.Errorf("%w: customer_id is required", common.ErrValidationFailure)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: items is required", common.ErrValidationFailure)
	}
	for _, it := range p.Items {
		if strings.TrimSpace(it.ProductID) == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: each item must have product_id and quantity > 0", common.ErrValidationFailure)
		}
	}
	return nil
}

// Stage stores the order as APPROVED under the global transaction.
func (h *Handler) Stage(ctx context.Context, tx prepared.Tx, raw json.RawMessage) (participant.Summary, error) {
	var p protocol.OrderCreatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return participant.Summary{}, fmt.Errorf("%w: invalid order payload: %v", common.ErrValidationFailure, err)
	}
	if err := validate(p); err != nil {
		return participant.Summary{}, err
	}
	repo, err := RepositoryFor(tx)
	if err != nil {
		return participant.Summary{}, err
	}

	orderID := domain.OrderID(strings.TrimSpace(p.OrderID))
	if orderID == "" {
		// derived from the global tx so a retried prepare stages the same order
		orderID = domain.OrderID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(tx.GlobalTxID())).String())
	}
	existing, found, err := repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return participant.Summary{}, err
	}
	if found && existing.TxID != string(tx.GlobalTxID()) {
		return participant.Summary{}, fmt.Errorf("%w: order %s already exists", common.ErrValidationFailure, orderID)
	}

	now := h.now()
	o := domain.Order{
		ID:         orderID,
		CustomerID: p.CustomerID,
		Status:     domain.OrderStatusApproved,
		TxID:       string(tx.GlobalTxID()),
		Delivery:   domain.Delivery{Address: p.Delivery.Address, Date: p.Delivery.Date},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, it := range p.Items {
		o.Items = append(o.Items, domain.OrderItem{ProductID: domain.ProductID(it.ProductID), Quantity: it.Quantity})
	}
	if err := repo.SaveOrder(ctx, o); err != nil {
		return participant.Summary{}, err
	}
	return participant.Summary{
		EventType: contracts.EventOrderApproved,
		OrderID:   string(o.ID),
		Attrs: map[string]any{
			"customer_id": o.CustomerID,
			"items":       len(o.Items),
		},
	}, nil
}

var _ participant.Handler = (*Handler)(nil)
