package prepared

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/pg/pgtest"
	"tx-lab-tpc-go/pkg/tx/common"
)

type pgFixture struct {
	pool   *pgxpool.Pool
	m      *Postgres
	id     common.ParticipantID
	client string
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(t)
	pgtest.RequirePreparedXacts(t, pool)
	f := &pgFixture{
		pool:   pool,
		id:     common.ParticipantID("it-" + uuid.NewString()[:8]),
		client: "c-" + uuid.NewString(),
	}
	f.m = NewPostgres(pool, f.id, nil)
	_, err := pool.Exec(ctx, `INSERT INTO accounts(client_id, amount) VALUES ($1, 100)`, f.client)
	require.NoError(t, err)
	t.Cleanup(func() {
		f.m.Close(ctx)
		rows, err := pool.Query(ctx, `SELECT gid FROM pg_prepared_xacts WHERE gid LIKE $1`, string(f.id)+".%")
		if err != nil {
			return
		}
		gids, _ := pgx.CollectRows(rows, pgx.RowTo[string])
		for _, gid := range gids {
			_, _ = pool.Exec(ctx, "ROLLBACK PREPARED "+Token(gid).literal())
		}
	})
	return f
}

func (f *pgFixture) hold(amount int64) StageFunc {
	return func(ctx context.Context, tx Tx) error {
		tag, err := tx.(pg.Querier).Exec(ctx,
			`UPDATE accounts SET locked = locked + $2 WHERE client_id = $1 AND amount - locked >= $2`, f.client, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: insufficient funds", common.ErrValidationFailure)
		}
		return nil
	}
}

func (f *pgFixture) locked(t *testing.T) int64 {
	t.Helper()
	var v int64
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT locked FROM accounts WHERE client_id = $1`, f.client).Scan(&v))
	return v
}

func (f *pgFixture) onServer(t *testing.T, tok Token) bool {
	t.Helper()
	ok, err := f.m.isPreparedOnServer(context.Background(), tok)
	require.NoError(t, err)
	return ok
}

func (f *pgFixture) prepared(t *testing.T, amount int64) Token {
	t.Helper()
	ctx := context.Background()
	lt, err := f.m.BeginPrepared(ctx, common.NewTxID(), f.hold(amount))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, lt.Status)
	lt, err = f.m.Prepare(ctx, lt.Token)
	require.NoError(t, err)
	require.Equal(t, StatusPrepared, lt.Status)
	return lt.Token
}

// prepareBehindTheManager runs PREPARE TRANSACTION on the pinned session
// without updating the bookkeeping, as if the process died right after.
func (f *pgFixture) prepareBehindTheManager(t *testing.T, amount int64) (Token, *pgTx) {
	t.Helper()
	ctx := context.Background()
	lt, err := f.m.BeginPrepared(ctx, common.NewTxID(), f.hold(amount))
	require.NoError(t, err)
	f.m.mu.Lock()
	tx := f.m.open[lt.Token]
	f.m.mu.Unlock()
	require.NotNil(t, tx)
	_, err = tx.conn.Exec(ctx, "PREPARE TRANSACTION "+lt.Token.literal())
	require.NoError(t, err)
	return lt.Token, tx
}

func (f *pgFixture) crash(tok Token, tx *pgTx) {
	f.m.mu.Lock()
	delete(f.m.open, tok)
	f.m.mu.Unlock()
	tx.conn.Release()
}

func TestPostgresCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	tok := f.prepared(t, 40)
	assert.True(t, f.onServer(t, tok))

	res, err := f.m.CommitPrepared(ctx, tok)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.Equal(t, common.DecisionCommit, res.Outcome)
	assert.EqualValues(t, 40, f.locked(t))
	assert.False(t, f.onServer(t, tok))

	res, err = f.m.CommitPrepared(ctx, tok)
	require.NoError(t, err)
	assert.True(t, res.AlreadyFinalized)

	_, err = f.m.AbortPrepared(ctx, tok)
	assert.ErrorIs(t, err, common.ErrCorruptState)
}

func TestPostgresAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	tok := f.prepared(t, 40)

	res, err := f.m.AbortPrepared(ctx, tok)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.Zero(t, f.locked(t))

	res, err = f.m.AbortPrepared(ctx, tok)
	require.NoError(t, err)
	assert.True(t, res.AlreadyFinalized)

	_, err = f.m.CommitPrepared(ctx, tok)
	assert.ErrorIs(t, err, common.ErrCorruptState)
}

func TestPostgresStageRefusalLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	gtx := common.NewTxID()

	_, err := f.m.BeginPrepared(ctx, gtx, f.hold(500))
	assert.ErrorIs(t, err, common.ErrValidationFailure)
	_, err = f.m.FindByGlobalTx(ctx, gtx)
	assert.ErrorIs(t, err, common.ErrNotFound, "a refused attempt may be retried from scratch")
	assert.Zero(t, f.locked(t))
}

func TestPostgresCommitMarkerSettlesUnknownGID(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)

	// finished by someone else before the bookkeeping caught up
	committed := f.prepared(t, 30)
	_, err := f.pool.Exec(ctx, "COMMIT PREPARED "+committed.literal())
	require.NoError(t, err)
	res, err := f.m.CommitPrepared(ctx, committed)
	require.NoError(t, err)
	assert.True(t, res.AlreadyFinalized)
	assert.Equal(t, common.DecisionCommit, res.Outcome)

	rolledBack := f.prepared(t, 30)
	_, err = f.pool.Exec(ctx, "ROLLBACK PREPARED "+rolledBack.literal())
	require.NoError(t, err)
	_, err = f.m.CommitPrepared(ctx, rolledBack)
	assert.ErrorIs(t, err, common.ErrCorruptState)
	lt, err := f.m.Get(ctx, rolledBack)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, lt.Status)
	assert.Equal(t, common.DecisionAbort, lt.Outcome)
	assert.EqualValues(t, 30, f.locked(t))
}

func TestPostgresListInDoubtFindsPrepareWithoutBookkeeping(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	tok, tx := f.prepareBehindTheManager(t, 25)
	f.crash(tok, tx)

	restarted := NewPostgres(f.pool, f.id, nil)
	list, err := restarted.ListInDoubt(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tok, list[0].Token)
	assert.Equal(t, StatusPrepared, list[0].Status)

	res, err := restarted.CommitPrepared(ctx, tok)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.EqualValues(t, 25, f.locked(t))
}

func TestPostgresResumeAfterLostStaging(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	gtx := common.NewTxID()
	tok, err := NewToken(f.id, gtx)
	require.NoError(t, err)
	// bookkeeping written, session died before PREPARE TRANSACTION
	_, err = f.pool.Exec(ctx, `INSERT INTO prepared_local_transaction(token, participant_id, global_tx_id, status)
		VALUES ($1, $2, $3, 'OPEN')`, string(tok), string(f.id), string(gtx))
	require.NoError(t, err)

	_, err = f.m.BeginPrepared(ctx, gtx, f.hold(10))
	assert.ErrorIs(t, err, common.ErrValidationFailure)
	lt, err := f.m.Get(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, lt.Status)
	assert.Equal(t, common.DecisionAbort, lt.Outcome)

	_, err = f.m.BeginPrepared(ctx, gtx, f.hold(10))
	assert.ErrorIs(t, err, common.ErrAlreadyFinalized)
}

func TestPostgresPrepareWithLostReplyStaysRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	tok, _ := f.prepareBehindTheManager(t, 40)

	// the caller's deadline fires while the server finishes PREPARE
	expired, cancel := context.WithCancel(ctx)
	cancel()
	_, err := f.m.Prepare(expired, tok)
	require.ErrorIs(t, err, common.ErrTransientUnavailable)
	assert.NotErrorIs(t, err, common.ErrValidationFailure)

	lt, err := f.m.Get(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, StatusPrepared, lt.Status)
	assert.True(t, f.onServer(t, tok))

	// a retried prepare reports the existing vote
	lt, err = f.m.Prepare(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, StatusPrepared, lt.Status)

	res, err := f.m.AbortPrepared(ctx, tok)
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinalized)
	assert.False(t, f.onServer(t, tok))
	assert.Zero(t, f.locked(t), "row locks are released")
}

func TestPostgresOrphanedGIDIsRolledBack(t *testing.T) {
	ctx := context.Background()

	t.Run("by abort", func(t *testing.T) {
		f := newPGFixture(t)
		tok, tx := f.prepareBehindTheManager(t, 40)
		f.crash(tok, tx)
		_, err := f.m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
		require.NoError(t, err)

		res, err := f.m.AbortPrepared(ctx, tok)
		require.NoError(t, err)
		assert.True(t, res.AlreadyFinalized)
		assert.False(t, f.onServer(t, tok))
		assert.Zero(t, f.locked(t))
	})

	t.Run("by recovery scan", func(t *testing.T) {
		f := newPGFixture(t)
		tok, tx := f.prepareBehindTheManager(t, 40)
		f.crash(tok, tx)
		_, err := f.m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
		require.NoError(t, err)

		list, err := f.m.ListInDoubt(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.False(t, f.onServer(t, tok))
		assert.Zero(t, f.locked(t))
	})
}
