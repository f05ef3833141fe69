package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tx-lab-tpc-go/pkg/pg"
)

// Postgres stores records in idempotency_record. Bind it to a pgx.Tx with In
// to complete a key in the same local transaction as its side effect.
type Postgres struct {
	q          pg.Querier
	staleAfter time.Duration
}

func NewPostgres(q pg.Querier, staleAfter time.Duration) *Postgres {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Postgres{q: q, staleAfter: staleAfter}
}

func (p *Postgres) In(q pg.Querier) *Postgres {
	return &Postgres{q: q, staleAfter: p.staleAfter}
}

func (p *Postgres) TryBegin(ctx context.Context, key Key) (Entry, error) {
	tag, err := p.q.Exec(ctx,
		`INSERT INTO idempotency_record(participant_id, key, status) VALUES ($1, $2, 'IN_PROGRESS')
		 ON CONFLICT (participant_id, key) DO NOTHING`,
		key.Participant, key.String())
	if err != nil {
		return Entry{}, err
	}
	if tag.RowsAffected() == 1 {
		return Entry{State: StateFresh}, nil
	}

	rec, ok, err := p.Lookup(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		// released between insert and select; the caller retries
		return Entry{State: StateInProgress}, nil
	}
	if rec.Status == StatusDone {
		return Entry{State: StateDone, Result: rec.Result}, nil
	}

	// owner presumably crashed: one caller takes the claim over
	tag, err = p.q.Exec(ctx,
		`UPDATE idempotency_record SET updated_at = now()
		 WHERE participant_id = $1 AND key = $2 AND status = 'IN_PROGRESS'
		   AND updated_at < now() - make_interval(secs => $3)`,
		key.Participant, key.String(), p.staleAfter.Seconds())
	if err != nil {
		return Entry{}, err
	}
	if tag.RowsAffected() == 1 {
		return Entry{State: StateFresh}, nil
	}
	return Entry{State: StateInProgress}, nil
}

func (p *Postgres) Complete(ctx context.Context, key Key, result json.RawMessage) (json.RawMessage, bool, error) {
	var stored []byte
	err := p.q.QueryRow(ctx,
		`INSERT INTO idempotency_record(participant_id, key, status, result) VALUES ($1, $2, 'DONE', $3)
		 ON CONFLICT (participant_id, key) DO UPDATE
		   SET status = 'DONE', result = EXCLUDED.result, updated_at = now()
		   WHERE idempotency_record.status = 'IN_PROGRESS'
		 RETURNING result`,
		key.Participant, key.String(), []byte(result)).Scan(&stored)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	rec, ok, err := p.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, errors.New("idempotency record vanished")
	}
	return rec.Result, false, nil
}

func (p *Postgres) Release(ctx context.Context, key Key) error {
	_, err := p.q.Exec(ctx,
		`DELETE FROM idempotency_record WHERE participant_id = $1 AND key = $2 AND status = 'IN_PROGRESS'`,
		key.Participant, key.String())
	return err
}

func (p *Postgres) Lookup(ctx context.Context, key Key) (Record, bool, error) {
	rec := Record{Key: key}
	var (
		status string
		result []byte
	)
	err := p.q.QueryRow(ctx,
		`SELECT status, result, created_at, updated_at,
		        status = 'IN_PROGRESS' AND updated_at < now() - make_interval(secs => $3)
		 FROM idempotency_record WHERE participant_id = $1 AND key = $2`,
		key.Participant, key.String(), p.staleAfter.Seconds()).Scan(&status, &result, &rec.CreatedAt, &rec.UpdatedAt, &rec.Stale)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.Status = Status(status)
	rec.Result = result
	return rec, true, nil
}
