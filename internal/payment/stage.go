// Package payment is the payments participant: it holds the order amount on
// the client's account.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tx-lab-tpc-go/internal/payment/domain"
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

// Stage places a hold: locked += amount, provided the free balance covers it.
func (h *Handler) Stage(ctx context.Context, tx prepared.Tx, raw json.RawMessage) (participant.Summary, error) {
	var p protocol.PaymentHoldPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return participant.Summary{}, fmt.Errorf("%w: invalid payment payload: %v", common.ErrValidationFailure, err)
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return participant.Summary{}, fmt.Errorf("%w: client_id is required", common.ErrValidationFailure)
	}
	if p.Amount <= 0 {
		return participant.Summary{}, fmt.Errorf("%w: amount must be > 0", common.ErrValidationFailure)
	}
	repo, err := RepositoryFor(tx)
	if err != nil {
		return participant.Summary{}, err
	}

	acc, ok, err := repo.FindAccount(ctx, p.ClientID)
	if err != nil {
		return participant.Summary{}, err
	}
	if !ok {
		return participant.Summary{}, fmt.Errorf("%w: account %s not found", common.ErrValidationFailure, p.ClientID)
	}
	if acc.Available() < p.Amount {
		return participant.Summary{}, fmt.Errorf("%w: insufficient funds: available %d, requested %d",
			common.ErrValidationFailure, acc.Available(), p.Amount)
	}
	acc.Locked += p.Amount
	if err := repo.SaveAccount(ctx, acc); err != nil {
		return participant.Summary{}, err
	}

	pay := domain.Payment{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("payment:"+string(tx.GlobalTxID()))).String(),
		OrderID:   p.OrderID,
		ClientID:  p.ClientID,
		Amount:    p.Amount,
		Status:    domain.PaymentStatusHold,
		TxID:      string(tx.GlobalTxID()),
		CreatedAt: h.now(),
	}
	if err := repo.SavePayment(ctx, pay); err != nil {
		return participant.Summary{}, err
	}
	return participant.Summary{
		EventType: contracts.EventPaymentHeld,
		OrderID:   p.OrderID,
		Attrs: map[string]any{
			"payment_id": pay.ID,
			"client_id":  pay.ClientID,
			"amount":     pay.Amount,
		},
	}, nil
}

var _ participant.Handler = (*Handler)(nil)
