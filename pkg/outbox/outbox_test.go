package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/contracts"
)

type flakyPublisher struct {
	failOn string
	got    []string
}

func (p *flakyPublisher) Publish(_ context.Context, ev contracts.Event) error {
	if ev.EventID == p.failOn {
		return errors.New("broker down")
	}
	p.got = append(p.got, ev.EventID)
	return nil
}

func TestSinkDeduplicatesByEventID(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	sink := &Sink{Store: store, Topic: "tpc.events"}

	ev := contracts.Event{EventID: "orders.tx-1.committed", TxID: "tx-1", OrderID: "o-1"}
	require.NoError(t, sink.Publish(ctx, ev))
	require.NoError(t, sink.Publish(ctx, ev))

	recs := store.All()
	require.Len(t, recs, 1)
	assert.Equal(t, "o-1", recs[0].Key)
	assert.Equal(t, "tpc.events", recs[0].Topic)
}

func TestRelayStopsAtFirstFailureAndResumes(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	sink := &Sink{Store: store, Topic: "tpc.events"}
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, sink.Publish(ctx, contracts.Event{EventID: id, TxID: "tx"}))
	}

	pub := &flakyPublisher{failOn: "e2"}
	relay := &Relay{Store: store, Publisher: pub}
	sent, err := relay.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"e1"}, pub.got)

	pub.failOn = ""
	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"e1", "e2", "e3"}, pub.got)

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
