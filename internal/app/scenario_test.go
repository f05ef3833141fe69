package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderdomain "tx-lab-tpc-go/internal/order/domain"
	paydomain "tx-lab-tpc-go/internal/payment/domain"
	resdomain "tx-lab-tpc-go/internal/reserve/domain"
	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/participant"
	"tx-lab-tpc-go/pkg/prepared"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/coordinator"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *eventLog) Publish(_ context.Context, ev contracts.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, ev.EventID)
	return nil
}

func (l *eventLog) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

// switchable fails Commit calls while down, like a participant process
// that was killed after voting YES.
type switchable struct {
	protocol.Participant
	down atomic.Bool
}

func (s *switchable) Commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	if s.down.Load() {
		return protocol.Ack{}, fmt.Errorf("%w: connection refused", common.ErrTransientUnavailable)
	}
	return s.Participant.Commit(ctx, req)
}

// twice delivers every call two times and checks both answers agree.
type twice struct {
	t     *testing.T
	inner protocol.Participant
}

func (d twice) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	first, err1 := d.inner.Prepare(ctx, req)
	second, err2 := d.inner.Prepare(ctx, req)
	assert.Equal(d.t, first, second)
	assert.Equal(d.t, err1 == nil, err2 == nil)
	return second, err2
}

func (d twice) Commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	first, err1 := d.inner.Commit(ctx, req)
	second, err2 := d.inner.Commit(ctx, req)
	assert.Equal(d.t, first.Outcome, second.Outcome)
	assert.Equal(d.t, err1 == nil, err2 == nil)
	return second, err2
}

func (d twice) Abort(ctx context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	first, err1 := d.inner.Abort(ctx, req)
	second, err2 := d.inner.Abort(ctx, req)
	assert.Equal(d.t, first.Outcome, second.Outcome)
	assert.Equal(d.t, err1 == nil, err2 == nil)
	return second, err2
}

var all = []common.ParticipantID{common.ParticipantOrders, common.ParticipantPayments, common.ParticipantReserve}

type world struct {
	t            *testing.T
	clock        *clock
	log          *coordinator.MemoryLog
	stores       map[common.ParticipantID]*prepared.MemoryStore
	services     map[common.ParticipantID]*participant.Service
	participants map[common.ParticipantID]protocol.Participant
	events       *eventLog
}

func testEngineConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.PrepareTimeout = 500 * time.Millisecond
	cfg.TxDeadline = 10 * time.Second
	cfg.FinalizeWindow = 100 * time.Millisecond
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

// newWorld starts the three participants on separate in-memory databases
// with client c-1 holding balance and sku-1 holding stock.
func newWorld(t *testing.T, balance int64, stock int32) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{
		t:            t,
		clock:        &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		stores:       map[common.ParticipantID]*prepared.MemoryStore{},
		services:     map[common.ParticipantID]*participant.Service{},
		participants: map[common.ParticipantID]protocol.Participant{},
		events:       &eventLog{},
	}
	w.log = coordinator.NewMemoryLog()
	w.log.Now = w.clock.Now
	for _, id := range all {
		store := prepared.NewMemoryStore()
		svc, err := NewMemoryParticipant(id, store, ParticipantOptions{Sink: w.events})
		require.NoError(t, err)
		w.stores[id] = store
		w.services[id] = svc
		w.participants[id] = svc
	}
	require.NoError(t, w.stores[common.ParticipantPayments].Put(ctx, "accounts", "c-1", paydomain.Account{ClientID: "c-1", Amount: balance}))
	require.NoError(t, w.stores[common.ParticipantReserve].Put(ctx, "warehouse_items", "sku-1", resdomain.WarehouseItem{ID: "sku-1", Amount: stock, UnitCost: 100}))
	return w
}

func (w *world) coordinator() *Coordinator {
	co := NewCoordinator(w.log, w.participants, testEngineConfig(), 0, nil, nil)
	co.Engine.Now = w.clock.Now
	co.Sweeper.Now = w.clock.Now
	return co
}

func (w *world) checkout(orderID string, qty int32, total int64) coordinator.BeginRequest {
	w.t.Helper()
	begin, err := CheckoutPayloads(CheckoutRequest{
		OrderID:    orderID,
		CustomerID: "c-1",
		Items:      []protocol.LineItem{{ProductID: "sku-1", Quantity: qty}},
		Total:      total,
		Delivery:   protocol.Delivery{Address: "Main st. 1"},
	})
	require.NoError(w.t, err)
	return coordinator.BeginRequest{Participants: all, Payloads: begin.Payloads}
}

func (w *world) order(id string) (orderdomain.Order, bool) {
	var o orderdomain.Order
	ok, err := w.stores[common.ParticipantOrders].Get(context.Background(), "orders", id, &o)
	require.NoError(w.t, err)
	return o, ok
}

func (w *world) account() paydomain.Account {
	var a paydomain.Account
	ok, err := w.stores[common.ParticipantPayments].Get(context.Background(), "accounts", "c-1", &a)
	require.NoError(w.t, err)
	require.True(w.t, ok)
	return a
}

func (w *world) item() resdomain.WarehouseItem {
	var it resdomain.WarehouseItem
	ok, err := w.stores[common.ParticipantReserve].Get(context.Background(), "warehouse_items", "sku-1", &it)
	require.NoError(w.t, err)
	require.True(w.t, ok)
	return it
}

func (w *world) requireCommitted(orderID string, locked int64, reserved int32) {
	w.t.Helper()
	o, ok := w.order(orderID)
	require.True(w.t, ok, "order %s not visible", orderID)
	assert.Equal(w.t, orderdomain.OrderStatusApproved, o.Status)
	assert.Equal(w.t, locked, w.account().Locked)
	assert.Len(w.t, w.stores[common.ParticipantPayments].Keys("payments"), 1)
	assert.Equal(w.t, reserved, w.item().Reserved)
	assert.Len(w.t, w.stores[common.ParticipantReserve].Keys("reserves"), 1)
}

func (w *world) requireNothingVisible() {
	w.t.Helper()
	assert.Empty(w.t, w.stores[common.ParticipantOrders].Keys("orders"))
	assert.Empty(w.t, w.stores[common.ParticipantPayments].Keys("payments"))
	assert.Zero(w.t, w.account().Locked)
	assert.Empty(w.t, w.stores[common.ParticipantReserve].Keys("reserves"))
	assert.Zero(w.t, w.item().Reserved)
}

func TestCheckoutCommitsEverywhere(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			w := newWorld(t, 1000, 10)
			if async {
				for id, svc := range w.services {
					a := participant.NewAsync(svc, 2, 4)
					t.Cleanup(a.Close)
					w.participants[id] = a
				}
			}
			out, err := w.coordinator().Engine.Execute(context.Background(), w.checkout("o-1", 2, 300))
			require.NoError(t, err)

			assert.Equal(t, common.DecisionCommit, out.Decision)
			assert.False(t, out.Pending)
			assert.Equal(t, common.TxCommitted, out.Tx.State)
			assert.True(t, out.Tx.AllVoted(common.VoteYes))
			assert.Empty(t, out.Tx.Unacked())
			w.requireCommitted("o-1", 300, 2)
			assert.ElementsMatch(t, []string{
				contracts.EventID("orders", string(out.Tx.ID)),
				contracts.EventID("payments", string(out.Tx.ID)),
				contracts.EventID("reserve", string(out.Tx.ID)),
			}, w.events.IDs())
		})
	}
}

func TestInsufficientFundsAbortsEveryone(t *testing.T) {
	w := newWorld(t, 100, 10)
	out, err := w.coordinator().Engine.Execute(context.Background(), w.checkout("o-2", 2, 300))
	require.NoError(t, err)

	assert.Equal(t, common.DecisionAbort, out.Decision)
	assert.Equal(t, common.TxAborted, out.Tx.State)
	pay := out.Tx.Votes[common.ParticipantPayments]
	assert.Equal(t, common.VoteNo, pay.Vote)
	assert.Contains(t, pay.Reason, "insufficient funds")
	assert.Equal(t, common.VoteYes, out.Tx.Votes[common.ParticipantOrders].Vote)
	assert.Equal(t, common.VoteYes, out.Tx.Votes[common.ParticipantReserve].Vote)
	assert.Empty(t, out.Tx.Unacked())

	w.requireNothingVisible()
	assert.Empty(t, w.events.IDs())
	for _, id := range all {
		inDoubt, err := w.services[id].Manager.ListInDoubt(context.Background())
		require.NoError(t, err)
		assert.Empty(t, inDoubt, "%s keeps a local transaction", id)
	}
}

func TestReserveVetoIsUnanimous(t *testing.T) {
	w := newWorld(t, 1000, 1)
	co := w.coordinator()
	out, err := co.Engine.Execute(context.Background(), w.checkout("o-3", 2, 300))
	require.NoError(t, err)

	assert.Equal(t, common.TxAborted, out.Tx.State)
	assert.Equal(t, common.VoteNo, out.Tx.Votes[common.ParticipantReserve].Vote)
	assert.Contains(t, out.Tx.Votes[common.ParticipantReserve].Reason, "insufficient quantity")
	w.requireNothingVisible()

	_, err = w.log.Transition(context.Background(), out.Tx.ID, common.TxCommitting)
	assert.ErrorIs(t, err, common.ErrIllegalTransition)
	tx, err := co.Engine.Get(context.Background(), out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxAborted, tx.State)
}

func TestCoordinatorCrashBeforeFinalize(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 1000, 10)

	crashed := w.coordinator().Engine
	tx, err := crashed.Begin(ctx, w.checkout("o-4", 2, 300))
	require.NoError(t, err)
	d, err := crashed.PrepareAll(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, common.DecisionCommit, d)

	// prepared everywhere, visible nowhere
	w.requireNothingVisible()

	restarted := w.coordinator()
	rep, err := restarted.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned, "deadline not reached yet")

	w.clock.Advance(testEngineConfig().TxDeadline + time.Second)
	rep, err = restarted.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Finalized)

	got, err := restarted.Engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitted, got.State)
	w.requireCommitted("o-4", 300, 2)

	// a late duplicate commit from the crashed instance changes nothing
	token := got.Votes[common.ParticipantPayments].PreparedToken
	_, err = w.services[common.ParticipantPayments].Commit(ctx, protocol.CommitRequest{TxID: tx.ID, Participant: common.ParticipantPayments, PreparedToken: token})
	require.NoError(t, err)
	w.requireCommitted("o-4", 300, 2)
	assert.Len(t, w.events.IDs(), 3)

	rep, err = restarted.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func TestParticipantDownDuringCommitIsRecovered(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 1000, 10)
	payments := &switchable{Participant: w.services[common.ParticipantPayments]}
	payments.down.Store(true)
	w.participants[common.ParticipantPayments] = payments
	co := w.coordinator()

	out, err := co.Engine.Execute(ctx, w.checkout("o-5", 2, 300))
	require.NoError(t, err)
	assert.True(t, out.Pending)
	assert.Equal(t, common.DecisionCommit, out.Decision)
	assert.Equal(t, common.TxCommitting, out.Tx.State)
	assert.Equal(t, []common.ParticipantID{common.ParticipantPayments}, out.Tx.Unacked())

	// the hold is prepared but not visible while payments is down
	_, ok := w.order("o-5")
	assert.True(t, ok)
	assert.Zero(t, w.account().Locked)

	// the decision cannot be taken back
	d, err := co.Engine.ExpirePrepare(ctx, out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.DecisionCommit, d)
	_, err = w.log.Transition(ctx, out.Tx.ID, common.TxAborting)
	assert.ErrorIs(t, err, common.ErrIllegalTransition)

	w.clock.Advance(testEngineConfig().TxDeadline + time.Second)
	rep, err := co.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pending)
	got, err := co.Engine.Get(ctx, out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitting, got.State)

	payments.down.Store(false)
	rep, err = co.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Finalized)
	got, err = co.Engine.Get(ctx, out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitted, got.State)
	w.requireCommitted("o-5", 300, 2)
}

func TestDuplicateDeliveriesApplyOnce(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 1000, 10)
	for id, p := range w.participants {
		w.participants[id] = twice{t: t, inner: p}
	}
	co := w.coordinator()
	begin := w.checkout("o-6", 2, 300)

	keyed := idempotency.WithKey(ctx, "checkout-o-6")
	first, err := co.Engine.BeginTransaction(keyed, protocol.BeginTransactionRequest{Participants: begin.Participants, Payloads: begin.Payloads})
	require.NoError(t, err)
	again, err := co.Engine.BeginTransaction(keyed, protocol.BeginTransactionRequest{Participants: begin.Participants, Payloads: begin.Payloads})
	require.NoError(t, err)

	assert.Equal(t, first.TxID, again.TxID)
	assert.Equal(t, common.TxCommitted, again.State)
	w.requireCommitted("o-6", 300, 2)
	assert.Len(t, w.events.IDs(), 3)
}

func TestStuckVotingIsAbortedBySweeper(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, 1000, 10)
	co := w.coordinator()

	// Begin without PrepareAll: the coordinator died before any vote.
	tx, err := co.Engine.Begin(ctx, w.checkout("o-7", 1, 100))
	require.NoError(t, err)
	// orders got the prepare before the crash
	resp, err := w.services[common.ParticipantOrders].Prepare(ctx, protocol.PrepareRequest{
		TxID: tx.ID, Participant: common.ParticipantOrders, Payload: tx.Payloads[common.ParticipantOrders],
	})
	require.NoError(t, err)
	require.True(t, resp.Yes())

	w.clock.Advance(testEngineConfig().TxDeadline + time.Second)
	rep, err := co.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Finalized)

	got, err := co.Engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxAborted, got.State)
	for _, id := range all {
		assert.Equal(t, common.VoteNo, got.Votes[id].Vote)
	}
	w.requireNothingVisible()

	// a prepare that arrives after the abort votes NO
	resp, err = w.services[common.ParticipantPayments].Prepare(ctx, protocol.PrepareRequest{
		TxID: tx.ID, Participant: common.ParticipantPayments, Payload: tx.Payloads[common.ParticipantPayments],
	})
	require.NoError(t, err)
	assert.Equal(t, common.VoteNo, resp.Vote)
	w.requireNothingVisible()
}
