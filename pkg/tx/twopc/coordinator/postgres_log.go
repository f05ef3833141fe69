package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/tx/common"
)

// PostgresLog keeps transactions in global_transaction and participant_vote.
// Mutations lock the global_transaction row with SELECT ... FOR UPDATE.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) Create(ctx context.Context, tx GlobalTransaction) (GlobalTransaction, bool, error) {
	payloads, err := json.Marshal(tx.Payloads)
	if err != nil {
		return GlobalTransaction{}, false, err
	}
	var clientKey *string
	if tx.ClientKey != "" {
		clientKey = &tx.ClientKey
	}

	created := false
	err = pgx.BeginFunc(ctx, l.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`INSERT INTO global_transaction(id, state, client_key, payloads, deadline_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			string(tx.ID), string(common.TxInit), clientKey, payloads, tx.DeadlineAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		for i, p := range tx.Participants {
			if _, err := dbtx.Exec(ctx,
				`INSERT INTO participant_vote(tx_id, participant_id, position, vote) VALUES ($1, $2, $3, 'PENDING')`,
				string(tx.ID), string(p), i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GlobalTransaction{}, false, fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}
	if created {
		stored, err := l.Get(ctx, tx.ID)
		return stored, true, err
	}
	if tx.ClientKey == "" {
		return GlobalTransaction{}, false, fmt.Errorf("%w: transaction %s exists", common.ErrInvalidArgument, tx.ID)
	}
	var id string
	if err := l.pool.QueryRow(ctx, `SELECT id FROM global_transaction WHERE client_key = $1`, tx.ClientKey).Scan(&id); err != nil {
		return GlobalTransaction{}, false, fmt.Errorf("lookup client key: %w", err)
	}
	stored, err := l.Get(ctx, common.TxID(id))
	return stored, false, err
}

func (l *PostgresLog) Get(ctx context.Context, id common.TxID) (GlobalTransaction, error) {
	return load(ctx, l.pool, id, false)
}

func (l *PostgresLog) Transition(ctx context.Context, id common.TxID, to common.TxState) (GlobalTransaction, error) {
	return l.mutate(ctx, id, func(dbtx pgx.Tx, tx *GlobalTransaction) error {
		if tx.State == to {
			return nil
		}
		if err := checkTransition(*tx, to); err != nil {
			return err
		}
		_, err := dbtx.Exec(ctx, `UPDATE global_transaction SET state = $2, updated_at = now() WHERE id = $1`,
			string(id), string(to))
		return err
	})
}

func (l *PostgresLog) RecordVote(ctx context.Context, id common.TxID, v ParticipantVote) (GlobalTransaction, error) {
	return l.mutate(ctx, id, func(dbtx pgx.Tx, tx *GlobalTransaction) error {
		changed, err := checkVote(*tx, v)
		if err != nil || !changed {
			return err
		}
		_, err = dbtx.Exec(ctx,
			`UPDATE participant_vote SET vote = $3, prepared_token = NULLIF($4, ''), reason = NULLIF($5, ''), updated_at = now()
			 WHERE tx_id = $1 AND participant_id = $2`,
			string(id), string(v.Participant), string(v.Vote), v.PreparedToken, v.Reason)
		if err != nil {
			return err
		}
		_, err = dbtx.Exec(ctx, `UPDATE global_transaction SET updated_at = now() WHERE id = $1`, string(id))
		return err
	})
}

func (l *PostgresLog) MarkAcked(ctx context.Context, id common.TxID, p common.ParticipantID) (GlobalTransaction, error) {
	return l.mutate(ctx, id, func(dbtx pgx.Tx, tx *GlobalTransaction) error {
		changed, err := checkAck(*tx, p)
		if err != nil || !changed {
			return err
		}
		_, err = dbtx.Exec(ctx,
			`UPDATE participant_vote SET acked = true, updated_at = now() WHERE tx_id = $1 AND participant_id = $2`,
			string(id), string(p))
		return err
	})
}

func (l *PostgresLog) ListStuck(ctx context.Context, now time.Time, limit int) ([]GlobalTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id FROM global_transaction
		 WHERE state NOT IN ('COMMITTED', 'ABORTED') AND deadline_at <= $1
		 ORDER BY deadline_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]GlobalTransaction, 0, len(ids))
	for _, id := range ids {
		tx, err := l.Get(ctx, common.TxID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// mutate runs fn on the locked record and returns the record as committed.
// An error from fn rolls back and is returned together with the current record.
func (l *PostgresLog) mutate(ctx context.Context, id common.TxID, fn func(pgx.Tx, *GlobalTransaction) error) (GlobalTransaction, error) {
	var fnErr error
	err := pgx.BeginFunc(ctx, l.pool, func(dbtx pgx.Tx) error {
		tx, err := load(ctx, dbtx, id, true)
		if err != nil {
			return err
		}
		if fnErr = fn(dbtx, &tx); fnErr != nil {
			return fnErr
		}
		return nil
	})
	if err != nil && !errors.Is(err, fnErr) {
		return GlobalTransaction{}, err
	}
	tx, gerr := l.Get(ctx, id)
	if gerr != nil {
		return GlobalTransaction{}, errors.Join(fnErr, gerr)
	}
	return tx, fnErr
}

func load(ctx context.Context, q pg.Querier, id common.TxID, forUpdate bool) (GlobalTransaction, error) {
	query := `SELECT id, state, COALESCE(client_key, ''), payloads, created_at, updated_at, deadline_at
		FROM global_transaction WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		tx           GlobalTransaction
		rawID, state string
		payloads     []byte
	)
	err := q.QueryRow(ctx, query, string(id)).Scan(&rawID, &state, &tx.ClientKey, &payloads, &tx.CreatedAt, &tx.UpdatedAt, &tx.DeadlineAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return GlobalTransaction{}, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return GlobalTransaction{}, err
	}
	tx.ID = common.TxID(rawID)
	tx.State = common.TxState(state)
	if len(payloads) > 0 {
		if err := json.Unmarshal(payloads, &tx.Payloads); err != nil {
			return GlobalTransaction{}, fmt.Errorf("decode payloads of %s: %w", id, err)
		}
	}

	rows, err := q.Query(ctx,
		`SELECT participant_id, vote, COALESCE(prepared_token, ''), COALESCE(reason, ''), acked, updated_at
		 FROM participant_vote WHERE tx_id = $1 ORDER BY position`, string(id))
	if err != nil {
		return GlobalTransaction{}, err
	}
	defer rows.Close()
	tx.Votes = map[common.ParticipantID]ParticipantVote{}
	for rows.Next() {
		var (
			v                 ParticipantVote
			participant, vote string
		)
		if err := rows.Scan(&participant, &vote, &v.PreparedToken, &v.Reason, &v.Acked, &v.UpdatedAt); err != nil {
			return GlobalTransaction{}, err
		}
		v.Participant = common.ParticipantID(participant)
		v.Vote = common.Vote(vote)
		tx.Participants = append(tx.Participants, v.Participant)
		tx.Votes[v.Participant] = v
	}
	return tx, rows.Err()
}
