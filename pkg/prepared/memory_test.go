package prepared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/tx/common"
)

type account struct {
	Amount int64 `json:"amount"`
	Locked int64 `json:"locked"`
}

func hold(amount int64) StageFunc {
	return func(ctx context.Context, tx Tx) error {
		kv := tx.(KV)
		var acc account
		ok, err := kv.Get(ctx, "accounts", "c1", &acc)
		if err != nil {
			return err
		}
		if !ok || acc.Amount-acc.Locked < amount {
			return errors.New("insufficient funds")
		}
		acc.Locked += amount
		return kv.Put(ctx, "accounts", "c1", acc)
	}
}

func seeded(t *testing.T) (*MemoryStore, *Memory) {
	t.Helper()
	store := NewMemoryStore()
	store.LockWait = 50 * time.Millisecond
	require.NoError(t, store.Put(context.Background(), "accounts", "c1", account{Amount: 100}))
	return store, NewMemory(store, common.ParticipantPayments)
}

func lockedOf(t *testing.T, store *MemoryStore) int64 {
	t.Helper()
	var acc account
	ok, err := store.Get(context.Background(), "accounts", "c1", &acc)
	require.NoError(t, err)
	require.True(t, ok)
	return acc.Locked
}

func TestMemoryCommitMakesStagedWritesVisible(t *testing.T) {
	ctx := context.Background()
	store, m := seeded(t)

	lt, err := m.BeginPrepared(ctx, "tx-1", hold(40))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, lt.Status)
	assert.Equal(t, Token("payments.tx-1"), lt.Token)
	assert.Zero(t, lockedOf(t, store), "staged write leaked before commit")

	lt, err = m.Prepare(ctx, lt.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusPrepared, lt.Status)
	assert.Zero(t, lockedOf(t, store))

	res, err := m.CommitPrepared(ctx, lt.Token)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.Equal(t, common.DecisionCommit, res.Outcome)
	assert.EqualValues(t, 40, lockedOf(t, store))

	res, err = m.CommitPrepared(ctx, lt.Token)
	require.NoError(t, err)
	assert.True(t, res.AlreadyFinalized)
	assert.EqualValues(t, 40, lockedOf(t, store), "duplicate commit applied twice")
}

func TestMemoryAbortDiscardsStagedWrites(t *testing.T) {
	ctx := context.Background()
	store, m := seeded(t)

	lt, err := m.BeginPrepared(ctx, "tx-1", hold(40))
	require.NoError(t, err)
	_, err = m.Prepare(ctx, lt.Token)
	require.NoError(t, err)

	res, err := m.AbortPrepared(ctx, lt.Token)
	require.NoError(t, err)
	assert.Equal(t, common.DecisionAbort, res.Outcome)

	res, err = m.AbortPrepared(ctx, lt.Token)
	require.NoError(t, err)
	assert.True(t, res.AlreadyFinalized)
	assert.Zero(t, lockedOf(t, store))
}

func TestMemoryCrossedFinalizeIsCorrupt(t *testing.T) {
	ctx := context.Background()
	_, m := seeded(t)

	lt, err := m.BeginPrepared(ctx, "tx-1", hold(10))
	require.NoError(t, err)
	_, err = m.Prepare(ctx, lt.Token)
	require.NoError(t, err)
	_, err = m.AbortPrepared(ctx, lt.Token)
	require.NoError(t, err)

	_, err = m.CommitPrepared(ctx, lt.Token)
	assert.ErrorIs(t, err, common.ErrCorruptState)

	_, err = m.CommitPrepared(ctx, "payments.unknown")
	assert.ErrorIs(t, err, common.ErrCorruptState)
}

func TestMemoryCommitOfUnpreparedTokenIsCorrupt(t *testing.T) {
	ctx := context.Background()
	_, m := seeded(t)

	lt, err := m.BeginPrepared(ctx, "tx-1", hold(10))
	require.NoError(t, err)
	_, err = m.CommitPrepared(ctx, lt.Token)
	assert.ErrorIs(t, err, common.ErrCorruptState)
}

func TestMemoryStageFailureLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	store, m := seeded(t)

	_, err := m.BeginPrepared(ctx, "tx-1", hold(500))
	require.ErrorIs(t, err, common.ErrValidationFailure)

	_, err = m.FindByGlobalTx(ctx, "tx-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Zero(t, lockedOf(t, store))

	// the row lock was released: another transaction can stage on it
	_, err = m.BeginPrepared(ctx, "tx-2", hold(50))
	require.NoError(t, err)
}

func TestMemoryRowLockHeldUntilFinalize(t *testing.T) {
	ctx := context.Background()
	_, m := seeded(t)

	first, err := m.BeginPrepared(ctx, "tx-1", hold(10))
	require.NoError(t, err)
	_, err = m.Prepare(ctx, first.Token)
	require.NoError(t, err)

	_, err = m.BeginPrepared(ctx, "tx-2", hold(10))
	require.ErrorIs(t, err, common.ErrValidationFailure)

	_, err = m.CommitPrepared(ctx, first.Token)
	require.NoError(t, err)

	_, err = m.BeginPrepared(ctx, "tx-2", hold(10))
	require.NoError(t, err)
}

func TestMemoryBlockedLockWakesOnRelease(t *testing.T) {
	ctx := context.Background()
	store, m := seeded(t)
	store.LockWait = 2 * time.Second

	first, err := m.BeginPrepared(ctx, "tx-1", hold(10))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.BeginPrepared(ctx, "tx-2", hold(10))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = m.AbortPrepared(ctx, first.Token)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by lock release")
	}
}

func TestMemoryBeginPreparedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, m := seeded(t)

	lt, err := m.BeginPrepared(ctx, "tx-1", hold(10))
	require.NoError(t, err)
	_, err = m.Prepare(ctx, lt.Token)
	require.NoError(t, err)

	again, err := m.BeginPrepared(ctx, "tx-1", func(context.Context, Tx) error {
		t.Fatal("stage must not run twice")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPrepared, again.Status)
}

func TestMemoryListInDoubtSurvivesManagerRestart(t *testing.T) {
	ctx := context.Background()
	store, m := seeded(t)

	a, err := m.BeginPrepared(ctx, "tx-a", hold(10))
	require.NoError(t, err)
	_, err = m.Prepare(ctx, a.Token)
	require.NoError(t, err)
	b, err := m.BeginPrepared(ctx, "tx-b", func(context.Context, Tx) error { return nil })
	require.NoError(t, err)
	c, err := m.BeginPrepared(ctx, "tx-c", func(context.Context, Tx) error { return nil })
	require.NoError(t, err)
	_, err = m.AbortPrepared(ctx, c.Token)
	require.NoError(t, err)

	restarted := NewMemory(store, common.ParticipantPayments)
	list, err := restarted.ListInDoubt(ctx)
	require.NoError(t, err)

	got := map[Token]Status{}
	for _, lt := range list {
		got[lt.Token] = lt.Status
	}
	assert.Equal(t, map[Token]Status{a.Token: StatusPrepared, b.Token: StatusOpen}, got)

	other := NewMemory(store, common.ParticipantOrders)
	list, err = other.ListInDoubt(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
