package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/tx/common"
)

func postCheckout(t *testing.T, h http.Handler, key, body string) (int, CheckoutResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp CheckoutResponse
	if rec.Code != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestCheckoutHandler(t *testing.T) {
	w := newWorld(t, 1000, 10)
	h := CheckoutHandler(w.coordinator().Engine, 0)
	body := `{"customer_id":"c-1","items":[{"product_id":"sku-1","quantity":2}],"total":300,"delivery":{"address":"Main st. 1"}}`

	code, first := postCheckout(t, h, "cart-42", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.TxCommitted, first.Status)
	assert.NotEmpty(t, first.OrderID)
	w.requireCommitted(first.OrderID, 300, 2)

	code, again := postCheckout(t, h, "cart-42", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.TxID, again.TxID)
	assert.Equal(t, first.OrderID, again.OrderID)
	w.requireCommitted(first.OrderID, 300, 2)

	code, rejected := postCheckout(t, h, "", `{"customer_id":"c-1","items":[{"product_id":"sku-1","quantity":2}],"total":5000}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, common.TxAborted, rejected.Status)

	code, _ = postCheckout(t, h, "", `{"customer_id":"c-1","items":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = postCheckout(t, h, "", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCheckoutPayloadsSkipPaymentForFreeOrders(t *testing.T) {
	begin, err := CheckoutPayloads(CheckoutRequest{OrderID: "o-1", CustomerID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, []common.ParticipantID{common.ParticipantOrders, common.ParticipantReserve}, begin.Participants)
	assert.NotContains(t, begin.Payloads, common.ParticipantPayments)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	var down error
	mux := NewMux(func(context.Context) error { return down }, reg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down = errors.New("db unreachable")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db unreachable")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
