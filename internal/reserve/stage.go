// Package reserve is the warehouse participant: it reserves stock for the
// order's items.
package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tx-lab-tpc-go/internal/reserve/domain"
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

// merge folds duplicate lines and sorts by item id, so concurrent reserves
// lock warehouse rows in the same order.
func merge(items []protocol.LineItem) ([]domain.ReserveItem, error) {
	qty := map[string]int32{}
	for _, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: each item must have product_id and quantity > 0", common.ErrValidationFailure)
		}
		qty[id] += it.Quantity
	}
	out := make([]domain.ReserveItem, 0, len(qty))
	for id, q := range qty {
		out = append(out, domain.ReserveItem{ItemID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// Stage increments reserved for every item when the warehouse has enough.
func (h *Handler) Stage(ctx context.Context, tx prepared.Tx, raw json.RawMessage) (participant.Summary, error) {
	var p protocol.ReservePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return participant.Summary{}, fmt.Errorf("%w: invalid reserve payload: %v", common.ErrValidationFailure, err)
	}
	if len(p.Items) == 0 {
		return participant.Summary{}, fmt.Errorf("%w: items is required", common.ErrValidationFailure)
	}
	items, err := merge(p.Items)
	if err != nil {
		return participant.Summary{}, err
	}
	repo, err := RepositoryFor(tx)
	if err != nil {
		return participant.Summary{}, err
	}

	for _, want := range items {
		it, ok, err := repo.FindItem(ctx, want.ItemID)
		if err != nil {
			return participant.Summary{}, err
		}
		if !ok {
			return participant.Summary{}, fmt.Errorf("%w: item %s not found", common.ErrValidationFailure, want.ItemID)
		}
		if it.Available() < want.Quantity {
			return participant.Summary{}, fmt.Errorf("%w: insufficient quantity of %s: available %d, requested %d",
				common.ErrValidationFailure, it.ID, it.Available(), want.Quantity)
		}
		it.Reserved += want.Quantity
		if err := repo.SaveItem(ctx, it); err != nil {
			return participant.Summary{}, err
		}
	}

	res := domain.Reserve{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("reserve:"+string(tx.GlobalTxID()))).String(),
		OrderID:   p.OrderID,
		Status:    domain.ReserveStatusApproved,
		TxID:      string(tx.GlobalTxID()),
		Items:     items,
		CreatedAt: h.now(),
	}
	if err := repo.SaveReserve(ctx, res); err != nil {
		return participant.Summary{}, err
	}
	return participant.Summary{
		EventType: contracts.EventReserveCreated,
		OrderID:   p.OrderID,
		Attrs: map[string]any{
			"reserve_id": res.ID,
			"items":      len(res.Items),
		},
	}, nil
}

var _ participant.Handler = (*Handler)(nil)
