package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// NewMux serves /health and /metrics. ping may be nil.
func NewMux(ping func(context.Context) error, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

func NewHTTPServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type CheckoutRequest struct {
	OrderID    string              `json:"order_id"`
	CustomerID string              `json:"customer_id"`
	Items      []protocol.LineItem `json:"items"`
	Total      int64               `json:"total"`
	Delivery   protocol.Delivery   `json:"delivery"`
}

type CheckoutResponse struct {
	OrderID string         `json:"order_id"`
	TxID    common.TxID    `json:"txid,omitempty"`
	Status  common.TxState `json:"status"`
	Pending bool           `json:"pending,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (req CheckoutRequest) validate() error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return errors.New("customer_id is required")
	}
	if len(req.Items) == 0 {
		return errors.New("items is required")
	}
	if req.Total < 0 {
		return errors.New("total must be >= 0")
	}
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" || it.Quantity <= 0 {
			return errors.New("each item must have product_id and quantity > 0")
		}
	}
	return nil
}

// CheckoutPayloads splits a checkout into the three participants' shares.
// Payments is left out for a free order.
func CheckoutPayloads(req CheckoutRequest) (protocol.BeginTransactionRequest, error) {
	out := protocol.BeginTransactionRequest{
		Participants: []common.ParticipantID{common.ParticipantOrders, common.ParticipantReserve},
		Payloads:     map[common.ParticipantID]json.RawMessage{},
	}
	shares := map[common.ParticipantID]any{
		common.ParticipantOrders: protocol.OrderCreatePayload{
			OrderID:    req.OrderID,
			CustomerID: req.CustomerID,
			Items:      req.Items,
			Delivery:   req.Delivery,
		},
		common.ParticipantReserve: protocol.ReservePayload{OrderID: req.OrderID, Items: req.Items},
	}
	if req.Total > 0 {
		out.Participants = append(out.Participants, common.ParticipantPayments)
		shares[common.ParticipantPayments] = protocol.PaymentHoldPayload{
			OrderID:  req.OrderID,
			ClientID: req.CustomerID,
			Amount:   req.Total,
		}
	}
	for p, share := range shares {
		raw, err := json.Marshal(share)
		if err != nil {
			return out, err
		}
		out.Payloads[p] = raw
	}
	return out, nil
}

// CheckoutHandler runs one checkout as a global transaction. A repeated
// Idempotency-Key returns the first attempt's transaction.
func CheckoutHandler(co protocol.Coordinator, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		var req CheckoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if err := req.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		req.OrderID = strings.TrimSpace(req.OrderID)
		if req.OrderID == "" {
			if idemKey != "" {
				req.OrderID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("checkout/"+idemKey)).String()
			} else {
				req.OrderID = uuid.NewString()
			}
		}
		begin, err := CheckoutPayloads(req)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if idemKey != "" {
			ctx = idempotency.WithKey(ctx, idemKey)
		}
		view, err := co.BeginTransaction(ctx, begin)
		resp := CheckoutResponse{OrderID: req.OrderID, TxID: view.TxID, Status: view.State, Pending: view.Pending}
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, httpStatus(err), resp)
			return
		}
		switch {
		case view.Pending:
			writeJSON(w, http.StatusAccepted, resp)
		case view.State == common.TxAborted:
			writeJSON(w, http.StatusConflict, resp)
		default:
			writeJSON(w, http.StatusOK, resp)
		}
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrTransientUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
