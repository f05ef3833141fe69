package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// fake answers Prepare with YES unless no is set. Queued errors are
// returned by successive calls before the fake answers normally.
type fake struct {
	id common.ParticipantID

	mu       sync.Mutex
	no       string
	hang     bool
	prepErrs []error
	finErrs  []error
	down     error // returned by every Commit/Abort while set
	calls    map[string]int
	payloads []json.RawMessage
}

func newFake(id common.ParticipantID) *fake {
	return &fake{id: id, calls: map[string]int{}}
}

func (f *fake) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fake) setDown(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = err
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fake) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	f.mu.Lock()
	f.calls["prepare"]++
	f.payloads = append(f.payloads, req.Payload)
	hang, no, err := f.hang, f.no, pop(&f.prepErrs)
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return protocol.PrepareResponse{}, ctx.Err()
	}
	if err != nil {
		return protocol.PrepareResponse{}, err
	}
	resp := protocol.PrepareResponse{TxID: req.TxID, Participant: f.id}
	if no != "" {
		resp.Vote, resp.Reason = common.VoteNo, no
		return resp, nil
	}
	resp.Vote, resp.PreparedToken = common.VoteYes, string(f.id)+"."+string(req.TxID)
	return resp, nil
}

func (f *fake) finalize(op string, id common.TxID, d common.Decision) (protocol.Ack, error) {
	f.mu.Lock()
	f.calls[op]++
	err := pop(&f.finErrs)
	if f.down != nil {
		err = f.down
	}
	f.mu.Unlock()
	if err != nil {
		return protocol.Ack{}, err
	}
	return protocol.Ack{TxID: id, Participant: f.id, Outcome: d}, nil
}

func (f *fake) Commit(_ context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	return f.finalize("commit", req.TxID, common.DecisionCommit)
}

func (f *fake) Abort(_ context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	return f.finalize("abort", req.TxID, common.DecisionAbort)
}

var testConfig = Config{
	PrepareTimeout:    200 * time.Millisecond,
	TxDeadline:        time.Second,
	FinalizeWindow:    50 * time.Millisecond,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxParticipants:   4,
}

type harness struct {
	engine *Engine
	log    *MemoryLog
	fakes  map[common.ParticipantID]*fake
}

func newHarness(ids ...common.ParticipantID) *harness {
	h := &harness{log: NewMemoryLog(), fakes: map[common.ParticipantID]*fake{}}
	participants := map[common.ParticipantID]protocol.Participant{}
	for _, id := range ids {
		f := newFake(id)
		h.fakes[id] = f
		participants[id] = f
	}
	h.engine = New(h.log, participants, WithConfig(testConfig))
	return h
}

func (h *harness) request() BeginRequest {
	req := BeginRequest{Payloads: map[common.ParticipantID]json.RawMessage{}}
	for _, id := range []common.ParticipantID{common.ParticipantOrders, common.ParticipantPayments, common.ParticipantReserve} {
		if _, ok := h.fakes[id]; ok {
			req.Participants = append(req.Participants, id)
			req.Payloads[id] = json.RawMessage(fmt.Sprintf(`{"for":%q}`, id))
		}
	}
	return req
}

var all = []common.ParticipantID{common.ParticipantOrders, common.ParticipantPayments, common.ParticipantReserve}

func TestUnanimousYesCommits(t *testing.T) {
	h := newHarness(all...)
	reg := prometheus.NewRegistry()
	h.engine.Metrics = metrics.NewCoordinatorMetrics(reg)

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)

	assert.Equal(t, common.DecisionCommit, out.Decision)
	assert.False(t, out.Pending)
	assert.Equal(t, common.TxCommitted, out.Tx.State)
	for id, f := range h.fakes {
		assert.Equal(t, 1, f.count("prepare"), id)
		assert.Equal(t, 1, f.count("commit"), id)
		assert.Zero(t, f.count("abort"), id)
		assert.JSONEq(t, fmt.Sprintf(`{"for":%q}`, id), string(f.payloads[0]))

		v := out.Tx.Votes[id]
		assert.Equal(t, common.VoteYes, v.Vote)
		assert.True(t, v.Acked)
		assert.Equal(t, string(id)+"."+string(out.Tx.ID), v.PreparedToken)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics.Transactions.WithLabelValues("COMMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.Metrics.Votes.WithLabelValues("payments", "YES")))
}

func TestSingleNoAbortsEveryone(t *testing.T) {
	h := newHarness(all...)
	h.fakes[common.ParticipantPayments].no = "insufficient funds"

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)

	assert.Equal(t, common.DecisionAbort, out.Decision)
	assert.Equal(t, common.TxAborted, out.Tx.State)
	assert.Equal(t, "insufficient funds", out.Tx.Votes[common.ParticipantPayments].Reason)
	for id, f := range h.fakes {
		assert.Zero(t, f.count("commit"), id)
		assert.Equal(t, 1, f.count("abort"), id)
	}
}

func TestPrepareRetriesTransientErrors(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantReserve)
	h.fakes[common.ParticipantReserve].prepErrs = []error{
		fmt.Errorf("%w: connection reset", common.ErrTransientUnavailable),
		errors.New("unclassified"),
	}

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitted, out.Tx.State)
	assert.Equal(t, 3, h.fakes[common.ParticipantReserve].count("prepare"))
}

func TestPermanentPrepareErrorIsNo(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantReserve)
	h.fakes[common.ParticipantReserve].prepErrs = []error{
		fmt.Errorf("%w: sku-1 has 0 left", common.ErrValidationFailure),
	}

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, common.TxAborted, out.Tx.State)
	assert.Equal(t, 1, h.fakes[common.ParticipantReserve].count("prepare"))
	assert.Contains(t, out.Tx.Votes[common.ParticipantReserve].Reason, "sku-1 has 0 left")
}

func TestPrepareTimeoutIsNo(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantPayments)
	h.fakes[common.ParticipantPayments].hang = true

	started := time.Now()
	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*testConfig.PrepareTimeout)
	assert.Equal(t, common.TxAborted, out.Tx.State)
	assert.Equal(t, common.VoteNo, out.Tx.Votes[common.ParticipantPayments].Vote)
}

func TestUnreachableParticipantLeavesDecisionPending(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantPayments)
	down := fmt.Errorf("%w: payments down", common.ErrTransientUnavailable)
	h.fakes[common.ParticipantPayments].down = down

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.True(t, out.Pending)
	assert.Equal(t, common.DecisionCommit, out.Decision)
	assert.Equal(t, common.TxCommitting, out.Tx.State)
	assert.Equal(t, []common.ParticipantID{common.ParticipantPayments}, out.Tx.Unacked())

	view, err := h.engine.GetTransaction(context.Background(), protocol.GetTransactionRequest{TxID: out.Tx.ID})
	require.NoError(t, err)
	assert.True(t, view.Pending)

	h.fakes[common.ParticipantPayments].setDown(nil)

	require.NoError(t, h.engine.Finalize(context.Background(), out.Tx.ID))
	tx, err := h.log.Get(context.Background(), out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitted, tx.State)
	// orders acked in the first pass and is not asked again
	assert.Equal(t, 1, h.fakes[common.ParticipantOrders].count("commit"))
}

func TestAlreadyFinalizedCountsAsAck(t *testing.T) {
	h := newHarness(common.ParticipantOrders)
	h.fakes[common.ParticipantOrders].finErrs = []error{fmt.Errorf("%w: orders.x", common.ErrAlreadyFinalized)}

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.Equal(t, common.TxCommitted, out.Tx.State)
}

func TestCorruptStateNeedsOperator(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantReserve)
	corrupt := fmt.Errorf("%w: no prepared work for token", common.ErrCorruptState)
	h.fakes[common.ParticipantReserve].finErrs = []error{corrupt, corrupt}

	out, err := h.engine.Execute(context.Background(), h.request())
	require.NoError(t, err)
	require.True(t, out.Pending)
	assert.Equal(t, 1, h.fakes[common.ParticipantReserve].count("commit"), "corrupt state is not retried")

	err = h.engine.Finalize(context.Background(), out.Tx.ID)
	var ferr *FinalizeError
	require.ErrorAs(t, err, &ferr)
	assert.ErrorIs(t, err, common.ErrCorruptState)
	assert.Equal(t, common.DecisionCommit, ferr.Decision)
	require.Len(t, ferr.Failures, 1)
	assert.Equal(t, common.ParticipantReserve, ferr.Failures[0].Participant)

	// the decision stays COMMIT; never turned into an abort
	tx, err := h.log.Get(context.Background(), out.Tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitting, tx.State)
	assert.Zero(t, h.fakes[common.ParticipantReserve].count("abort"))

	tx, err = h.engine.Resolve(context.Background(), out.Tx.ID, common.ParticipantReserve)
	require.NoError(t, err)
	assert.Equal(t, common.TxCommitted, tx.State)
}

func TestClientKeyReplaysTransaction(t *testing.T) {
	h := newHarness(all...)
	ctx := idempotency.WithKey(context.Background(), "checkout-42")
	req := h.request()
	begin := protocol.BeginTransactionRequest{Participants: req.Participants, Payloads: req.Payloads}

	first, err := h.engine.BeginTransaction(ctx, begin)
	require.NoError(t, err)
	again, err := h.engine.BeginTransaction(ctx, begin)
	require.NoError(t, err)

	assert.Equal(t, first.TxID, again.TxID)
	assert.Equal(t, common.TxCommitted, again.State)
	assert.False(t, again.Pending)
	for id, f := range h.fakes {
		assert.Equal(t, 1, f.count("prepare"), id)
	}

	other, err := h.engine.BeginTransaction(idempotency.WithKey(context.Background(), "checkout-43"), begin)
	require.NoError(t, err)
	assert.NotEqual(t, first.TxID, other.TxID)
}

func TestBeginValidation(t *testing.T) {
	h := newHarness(common.ParticipantOrders, common.ParticipantPayments)
	cases := map[string]BeginRequest{
		"empty":     {},
		"duplicate": {Participants: []common.ParticipantID{"orders", "orders"}},
		"unknown":   {Participants: []common.ParticipantID{"orders", "shipping"}},
		"stray payload": {
			Participants: []common.ParticipantID{"orders"},
			Payloads:     map[common.ParticipantID]json.RawMessage{"payments": json.RawMessage(`{}`)},
		},
		"too many": {Participants: []common.ParticipantID{"a", "b", "c", "d", "e"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Begin(context.Background(), req)
			assert.ErrorIs(t, err, common.ErrInvalidArgument)
		})
	}

	_, err := h.engine.GetTransaction(context.Background(), protocol.GetTransactionRequest{})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = h.engine.GetTransaction(context.Background(), protocol.GetTransactionRequest{TxID: "missing"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestExpirePrepareAbortsMissingVotes(t *testing.T) {
	h := newHarness(all...)
	ctx := context.Background()
	tx, err := h.engine.Begin(ctx, h.request())
	require.NoError(t, err)
	require.Equal(t, common.TxPreparing, tx.State)

	_, err = h.log.RecordVote(ctx, tx.ID, ParticipantVote{Participant: common.ParticipantOrders, Vote: common.VoteYes, PreparedToken: "orders." + string(tx.ID)})
	require.NoError(t, err)

	d, err := h.engine.ExpirePrepare(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.DecisionAbort, d)

	tx, err = h.log.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxAborting, tx.State)
	assert.Equal(t, common.VoteYes, tx.Votes[common.ParticipantOrders].Vote)
	assert.Equal(t, "prepare deadline exceeded", tx.Votes[common.ParticipantPayments].Reason)

	// voting is closed; a late PrepareAll does not reopen it
	d, err = h.engine.PrepareAll(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.DecisionAbort, d)
	assert.Zero(t, h.fakes[common.ParticipantPayments].count("prepare"))

	require.NoError(t, h.engine.Finalize(ctx, tx.ID))
	tx, err = h.log.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TxAborted, tx.State)
}

func TestFinalizeBeforeDecisionIsRejected(t *testing.T) {
	h := newHarness(common.ParticipantOrders)
	tx, err := h.engine.Begin(context.Background(), h.request())
	require.NoError(t, err)

	err = h.engine.Finalize(context.Background(), tx.ID)
	assert.ErrorIs(t, err, common.ErrIllegalTransition)
	assert.Zero(t, h.fakes[common.ParticipantOrders].count("commit"))
	assert.Zero(t, h.fakes[common.ParticipantOrders].count("abort"))
}
