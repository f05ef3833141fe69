package prepared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/tx/common"
)

// pgTx is a local transaction pinned to one pooled connection between
// BeginPrepared and Prepare.
type pgTx struct {
	token Token
	gtx   common.TxID
	conn  *pgxpool.Conn
}

func (t *pgTx) Token() Token            { return t.token }
func (t *pgTx) GlobalTxID() common.TxID { return t.gtx }

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *pgTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.conn.Query(ctx, sql, args...)
}

func (t *pgTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.conn.QueryRow(ctx, sql, args...)
}

// Postgres implements Manager on top of PREPARE TRANSACTION. Bookkeeping in
// prepared_local_transaction is autocommitted; the commit marker row in
// prepared_local_commit is written inside the prepared transaction so an
// unknown gid can later be told apart as committed or rolled back.
//
// The server needs max_prepared_transactions > 0.
type Postgres struct {
	pool        *pgxpool.Pool
	participant common.ParticipantID
	log         *zap.Logger

	mu   sync.Mutex
	open map[Token]*pgTx // nil value: staging in progress
}

func NewPostgres(pool *pgxpool.Pool, participant common.ParticipantID, log *zap.Logger) *Postgres {
	return &Postgres{
		pool:        pool,
		participant: participant,
		log:         logging.OrNop(log),
		open:        map[Token]*pgTx{},
	}
}

func (m *Postgres) BeginPrepared(ctx context.Context, gtx common.TxID, stage StageFunc) (lt LocalTransaction, err error) {
	tok, err := NewToken(m.participant, gtx)
	if err != nil {
		return LocalTransaction{}, err
	}
	ctx, span := m.start(ctx, "prepared.BeginPrepared", tok)
	defer endSpan(span, &err)

	m.mu.Lock()
	if _, busy := m.open[tok]; busy {
		m.mu.Unlock()
		return LocalTransaction{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
	}
	m.open[tok] = nil
	m.mu.Unlock()
	keep := false
	defer func() {
		if !keep {
			m.forget(tok)
		}
	}()

	tag, err := m.pool.Exec(ctx,
		`INSERT INTO prepared_local_transaction(token, participant_id, global_tx_id, status)
		 VALUES ($1, $2, $3, 'OPEN') ON CONFLICT (token) DO NOTHING`,
		string(tok), string(m.participant), string(gtx))
	if err != nil {
		return LocalTransaction{}, transient(err)
	}
	if tag.RowsAffected() == 0 {
		return m.resumeExisting(ctx, tok)
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		m.dropRecord(tok)
		return LocalTransaction{}, transient(err)
	}
	tx := &pgTx{token: tok, gtx: gtx, conn: conn}
	if err := m.stage(ctx, tx, stage); err != nil {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		conn.Release()
		m.dropRecord(tok)
		return LocalTransaction{}, err
	}

	m.mu.Lock()
	m.open[tok] = tx
	m.mu.Unlock()
	keep = true
	return m.Get(ctx, tok)
}

func (m *Postgres) stage(ctx context.Context, tx *pgTx, stage StageFunc) error {
	if _, err := tx.conn.Exec(ctx, "BEGIN"); err != nil {
		return transient(err)
	}
	if err := stage(ctx, tx); err != nil {
		if errors.Is(err, common.ErrValidationFailure) || errors.Is(err, common.ErrTransientUnavailable) {
			return err
		}
		if pg.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %v", common.ErrValidationFailure, err)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("%w: %s", common.ErrValidationFailure, pgErr.Message)
		}
		return transient(err)
	}
	if _, err := tx.conn.Exec(ctx, `INSERT INTO prepared_local_commit(token) VALUES ($1)`, string(tx.token)); err != nil {
		return transient(err)
	}
	return nil
}

// resumeExisting handles a BeginPrepared for a token that already has
// bookkeeping, e.g. a retry after the previous owner crashed.
func (m *Postgres) resumeExisting(ctx context.Context, tok Token) (LocalTransaction, error) {
	lt, err := m.Get(ctx, tok)
	if err != nil {
		return LocalTransaction{}, err
	}
	switch lt.Status {
	case StatusPrepared:
		return lt, nil
	case StatusFinalized:
		return lt, fmt.Errorf("%s already finalized as %s: %w", tok, lt.Outcome, common.ErrAlreadyFinalized)
	}
	// OPEN but not pinned here: the session that staged it is gone.
	prepared, err := m.isPreparedOnServer(ctx, tok)
	if err != nil {
		return LocalTransaction{}, transient(err)
	}
	if prepared {
		return m.setStatus(ctx, tok, StatusPrepared, "")
	}
	if _, err := m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort); err != nil {
		return LocalTransaction{}, err
	}
	return LocalTransaction{}, fmt.Errorf("%w: staging of %s was lost", common.ErrValidationFailure, tok)
}

func (m *Postgres) Prepare(ctx context.Context, tok Token) (lt LocalTransaction, err error) {
	ctx, span := m.start(ctx, "prepared.Prepare", tok)
	defer endSpan(span, &err)

	m.mu.Lock()
	tx, pinned := m.open[tok]
	if pinned && tx == nil {
		m.mu.Unlock()
		return LocalTransaction{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
	}
	delete(m.open, tok)
	m.mu.Unlock()

	if !pinned {
		return m.resumeExisting(ctx, tok)
	}

	_, err = tx.conn.Exec(ctx, "PREPARE TRANSACTION "+tok.literal())
	if err != nil {
		return LocalTransaction{}, m.failedPrepare(context.WithoutCancel(ctx), tx, err)
	}
	tx.conn.Release()
	return m.setStatus(ctx, tok, StatusPrepared, "")
}

// failedPrepare settles the bookkeeping after PREPARE TRANSACTION returned an
// error. The server may still have completed it (deadline racing the reply,
// dropped connection), so pg_prepared_xacts decides.
func (m *Postgres) failedPrepare(ctx context.Context, tx *pgTx, cause error) error {
	tok := tx.token
	_, _ = tx.conn.Exec(ctx, "ROLLBACK")
	tx.conn.Release()

	onServer, err := m.isPreparedOnServer(ctx, tok)
	if err != nil {
		// left OPEN; resumeExisting and ListInDoubt look again
		return fmt.Errorf("%w: prepare %s: %v", common.ErrTransientUnavailable, tok, errors.Join(cause, err))
	}
	if onServer {
		if _, err := m.setStatus(ctx, tok, StatusPrepared, ""); err != nil {
			m.log.Warn("mark prepared after lost reply", zap.String("token", string(tok)), zap.Error(err))
		}
		return fmt.Errorf("%w: prepare %s completed but the reply was lost: %v", common.ErrTransientUnavailable, tok, cause)
	}
	if _, err := m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort); err != nil {
		m.log.Warn("mark aborted after failed prepare", zap.String("token", string(tok)), zap.Error(err))
	}
	return fmt.Errorf("%w: prepare %s: %v", common.ErrValidationFailure, tok, cause)
}

func (m *Postgres) CommitPrepared(ctx context.Context, tok Token) (res Result, err error) {
	ctx, span := m.start(ctx, "prepared.CommitPrepared", tok)
	defer endSpan(span, &err)

	lt, err := m.Get(ctx, tok)
	if errors.Is(err, common.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: commit of unknown token %s", common.ErrCorruptState, tok)
	}
	if err != nil {
		return Result{}, err
	}
	switch lt.Status {
	case StatusFinalized:
		if lt.Outcome == common.DecisionCommit {
			return Result{LocalTransaction: lt, AlreadyFinalized: true}, nil
		}
		return Result{}, fmt.Errorf("%w: commit of rolled back token %s", common.ErrCorruptState, tok)
	case StatusOpen:
		if m.pinned(tok) {
			return Result{}, fmt.Errorf("%w: commit of unprepared token %s", common.ErrCorruptState, tok)
		}
	}

	if _, err = m.pool.Exec(ctx, "COMMIT PREPARED "+tok.literal()); err != nil {
		if !pg.IsUndefinedObject(err) {
			return Result{}, transient(err)
		}
		committed, merr := m.hasCommitMarker(ctx, tok)
		if merr != nil {
			return Result{}, transient(merr)
		}
		if !committed {
			_, _ = m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
			return Result{}, fmt.Errorf("%w: %s was rolled back", common.ErrCorruptState, tok)
		}
		lt, err = m.setStatus(ctx, tok, StatusFinalized, common.DecisionCommit)
		return Result{LocalTransaction: lt, AlreadyFinalized: true}, err
	}
	lt, err = m.setStatus(ctx, tok, StatusFinalized, common.DecisionCommit)
	return Result{LocalTransaction: lt}, err
}

func (m *Postgres) AbortPrepared(ctx context.Context, tok Token) (res Result, err error) {
	ctx, span := m.start(ctx, "prepared.AbortPrepared", tok)
	defer endSpan(span, &err)

	m.mu.Lock()
	tx, pinned := m.open[tok]
	if pinned && tx == nil {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
	}
	delete(m.open, tok)
	m.mu.Unlock()
	if pinned {
		_, _ = tx.conn.Exec(ctx, "ROLLBACK")
		tx.conn.Release()
		lt, err := m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
		return Result{LocalTransaction: lt}, err
	}

	lt, err := m.Get(ctx, tok)
	if err != nil {
		return Result{}, err
	}
	if lt.Status == StatusFinalized {
		if lt.Outcome != common.DecisionAbort {
			return Result{}, fmt.Errorf("%w: abort of committed token %s", common.ErrCorruptState, tok)
		}
		if err := m.rollbackOrphan(ctx, tok); err != nil {
			return Result{}, transient(err)
		}
		return Result{LocalTransaction: lt, AlreadyFinalized: true}, nil
	}

	if _, err = m.pool.Exec(ctx, "ROLLBACK PREPARED "+tok.literal()); err != nil {
		if !pg.IsUndefinedObject(err) {
			return Result{}, transient(err)
		}
		committed, merr := m.hasCommitMarker(ctx, tok)
		if merr != nil {
			return Result{}, transient(merr)
		}
		if committed {
			_, _ = m.setStatus(ctx, tok, StatusFinalized, common.DecisionCommit)
			return Result{}, fmt.Errorf("%w: %s was committed", common.ErrCorruptState, tok)
		}
		// never prepared or already rolled back
		lt, err = m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
		return Result{LocalTransaction: lt, AlreadyFinalized: true}, err
	}
	lt, err = m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort)
	return Result{LocalTransaction: lt}, err
}

const selectLocal = `SELECT token, participant_id, global_tx_id, status, outcome, created_at, updated_at
	FROM prepared_local_transaction`

func (m *Postgres) Get(ctx context.Context, tok Token) (LocalTransaction, error) {
	lt, err := scanLocal(m.pool.QueryRow(ctx, selectLocal+` WHERE token = $1`, string(tok)))
	if errors.Is(err, pgx.ErrNoRows) {
		return LocalTransaction{}, fmt.Errorf("token %s: %w", tok, common.ErrNotFound)
	}
	if err != nil {
		return LocalTransaction{}, transient(err)
	}
	return lt, nil
}

func (m *Postgres) FindByGlobalTx(ctx context.Context, gtx common.TxID) (LocalTransaction, error) {
	lt, err := scanLocal(m.pool.QueryRow(ctx, selectLocal+` WHERE participant_id = $1 AND global_tx_id = $2`,
		string(m.participant), string(gtx)))
	if errors.Is(err, pgx.ErrNoRows) {
		return LocalTransaction{}, fmt.Errorf("global tx %s: %w", gtx, common.ErrNotFound)
	}
	if err != nil {
		return LocalTransaction{}, transient(err)
	}
	return lt, nil
}

func (m *Postgres) ListInDoubt(ctx context.Context) ([]LocalTransaction, error) {
	rows, err := m.pool.Query(ctx, selectLocal+` WHERE participant_id = $1 AND status IN ('OPEN', 'PREPARED') ORDER BY created_at`,
		string(m.participant))
	if err != nil {
		return nil, transient(err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LocalTransaction, error) {
		return scanLocal(row)
	})
	if err != nil {
		return nil, transient(err)
	}

	onServer, err := m.preparedGIDs(ctx)
	if err != nil {
		return nil, transient(err)
	}
	if err := m.reconcileFinalized(ctx, onServer); err != nil {
		return nil, transient(err)
	}
	out := list[:0]
	for _, lt := range list {
		if m.pinned(lt.Token) {
			continue
		}
		if lt.Status == StatusOpen && onServer[lt.Token] {
			// crashed between PREPARE TRANSACTION and the bookkeeping update
			if lt, err = m.setStatus(ctx, lt.Token, StatusPrepared, ""); err != nil {
				return nil, err
			}
		}
		out = append(out, lt)
	}
	return out, nil
}

// Close rolls back everything still pinned; those never reached PREPARE.
func (m *Postgres) Close(ctx context.Context) {
	m.mu.Lock()
	open := m.open
	m.open = map[Token]*pgTx{}
	m.mu.Unlock()
	for tok, tx := range open {
		if tx == nil {
			continue
		}
		_, _ = tx.conn.Exec(ctx, "ROLLBACK")
		tx.conn.Release()
		if _, err := m.setStatus(ctx, tok, StatusFinalized, common.DecisionAbort); err != nil {
			m.log.Warn("abort open local transaction on close", zap.String("token", string(tok)), zap.Error(err))
		}
	}
}

func (m *Postgres) pinned(tok Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[tok]
	return ok
}

func (m *Postgres) forget(tok Token) {
	m.mu.Lock()
	if tx, ok := m.open[tok]; ok && tx == nil {
		delete(m.open, tok)
	}
	m.mu.Unlock()
}

// dropRecord removes bookkeeping for an attempt that never staged anything,
// so a retry can start over.
func (m *Postgres) dropRecord(tok Token) {
	_, err := m.pool.Exec(context.Background(),
		`DELETE FROM prepared_local_transaction WHERE token = $1 AND status = 'OPEN'`, string(tok))
	if err != nil {
		m.log.Warn("drop local transaction record", zap.String("token", string(tok)), zap.Error(err))
	}
}

func (m *Postgres) setStatus(ctx context.Context, tok Token, status Status, outcome common.Decision) (LocalTransaction, error) {
	var out *string
	if outcome != "" {
		s := string(outcome)
		out = &s
	}
	lt, err := scanLocal(m.pool.QueryRow(ctx,
		`UPDATE prepared_local_transaction SET status = $2, outcome = $3, updated_at = now()
		 WHERE token = $1
		 RETURNING token, participant_id, global_tx_id, status, outcome, created_at, updated_at`,
		string(tok), string(status), out))
	if errors.Is(err, pgx.ErrNoRows) {
		return LocalTransaction{}, fmt.Errorf("token %s: %w", tok, common.ErrNotFound)
	}
	if err != nil {
		return LocalTransaction{}, transient(err)
	}
	return lt, nil
}

func (m *Postgres) hasCommitMarker(ctx context.Context, tok Token) (bool, error) {
	var ok bool
	err := m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prepared_local_commit WHERE token = $1)`, string(tok)).Scan(&ok)
	return ok, err
}

func (m *Postgres) isPreparedOnServer(ctx context.Context, tok Token) (bool, error) {
	var ok bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_prepared_xacts WHERE gid = $1 AND database = current_database())`,
		string(tok)).Scan(&ok)
	return ok, err
}

// rollbackOrphan removes a prepared gid whose bookkeeping already says ABORT.
func (m *Postgres) rollbackOrphan(ctx context.Context, tok Token) error {
	onServer, err := m.isPreparedOnServer(ctx, tok)
	if err != nil || !onServer {
		return err
	}
	if _, err := m.pool.Exec(ctx, "ROLLBACK PREPARED "+tok.literal()); err != nil && !pg.IsUndefinedObject(err) {
		return err
	}
	m.log.Warn("rolled back orphaned prepared transaction", zap.String("token", string(tok)))
	return nil
}

// reconcileFinalized finishes gids still on the server whose row was already
// finalized, so their row locks are released.
func (m *Postgres) reconcileFinalized(ctx context.Context, onServer map[Token]bool) error {
	if len(onServer) == 0 {
		return nil
	}
	gids := make([]string, 0, len(onServer))
	for tok := range onServer {
		gids = append(gids, string(tok))
	}
	rows, err := m.pool.Query(ctx, selectLocal+` WHERE participant_id = $1 AND status = 'FINALIZED' AND token = ANY($2)`,
		string(m.participant), gids)
	if err != nil {
		return err
	}
	stale, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LocalTransaction, error) {
		return scanLocal(row)
	})
	if err != nil {
		return err
	}
	for _, lt := range stale {
		verb := "ROLLBACK PREPARED "
		if lt.Outcome == common.DecisionCommit {
			verb = "COMMIT PREPARED "
		}
		if _, err := m.pool.Exec(ctx, verb+lt.Token.literal()); err != nil && !pg.IsUndefinedObject(err) {
			return err
		}
		m.log.Warn("finished orphaned prepared transaction",
			zap.String("token", string(lt.Token)), zap.String("outcome", string(lt.Outcome)))
	}
	return nil
}

func (m *Postgres) preparedGIDs(ctx context.Context) (map[Token]bool, error) {
	rows, err := m.pool.Query(ctx, `SELECT gid FROM pg_prepared_xacts WHERE database = current_database()`)
	if err != nil {
		return nil, err
	}
	gids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[Token]bool, len(gids))
	for _, gid := range gids {
		out[Token(gid)] = true
	}
	return out, nil
}

func (m *Postgres) start(ctx context.Context, name string, tok Token) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("participant", string(m.participant)),
		attribute.String("token", string(tok)),
	))
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(otelcodes.Error, (*err).Error())
	}
	span.End()
}

func scanLocal(row pgx.Row) (LocalTransaction, error) {
	var (
		lt                            LocalTransaction
		tok, participant, gtx, status string
		outcome                       *string
		createdAt, updatedAt          time.Time
	)
	if err := row.Scan(&tok, &participant, &gtx, &status, &outcome, &createdAt, &updatedAt); err != nil {
		return LocalTransaction{}, err
	}
	lt.Token = Token(tok)
	lt.Participant = common.ParticipantID(participant)
	lt.GlobalTxID = common.TxID(gtx)
	lt.Status = Status(status)
	if outcome != nil {
		lt.Outcome = common.Decision(*outcome)
	}
	lt.CreatedAt = createdAt
	lt.UpdatedAt = updatedAt
	return lt, nil
}

func transient(err error) error {
	if err == nil || errors.Is(err, common.ErrTransientUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", common.ErrTransientUnavailable, err)
}
