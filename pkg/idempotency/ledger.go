package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

type State int

const (
	StateFresh State = iota
	StateInProgress
	StateDone
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

type Entry struct {
	State  State
	Result json.RawMessage
}

type Record struct {
	Key       Key
	Status    Status
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	// Stale is set on IN_PROGRESS records old enough for TryBegin to take
	// over, judged by the ledger's own clock.
	Stale bool
}

// DefaultStaleAfter is how long an IN_PROGRESS record may stay unfinished
// before another caller may take it over.
const DefaultStaleAfter = 30 * time.Second

type Ledger interface {
	// TryBegin atomically claims key. Fresh means the caller owns the
	// operation and must Complete or Release it.
	TryBegin(ctx context.Context, key Key) (Entry, error)
	// Complete stores the result. Exactly one call per key wins; every caller
	// gets the stored result back and won tells them whether it was theirs.
	Complete(ctx context.Context, key Key, result json.RawMessage) (stored json.RawMessage, won bool, err error)
	// Release drops an unfinished claim whose side effect did not happen.
	Release(ctx context.Context, key Key) error
	Lookup(ctx context.Context, key Key) (Record, bool, error)
}

// Do runs fn at most once per key. A completed key replays the cached result
// (replayed=true); a key claimed by someone else fails with ErrInProgress.
// fn must report deterministic refusals as values and only return an error
// when nothing was applied.
func Do[T any](ctx context.Context, l Ledger, key Key, fn func(ctx context.Context) (T, error)) (v T, replayed bool, err error) {
	entry, err := l.TryBegin(ctx, key)
	if err != nil {
		return v, false, fmt.Errorf("ledger begin %s: %w", key, err)
	}
	switch entry.State {
	case StateDone:
		if err := json.Unmarshal(entry.Result, &v); err != nil {
			return v, true, fmt.Errorf("decode cached %s: %w", key, err)
		}
		return v, true, nil
	case StateInProgress:
		return v, false, fmt.Errorf("%s: %w", key, common.ErrInProgress)
	}

	v, err = fn(ctx)
	if err != nil {
		if rerr := l.Release(ctx, key); rerr != nil {
			err = errors.Join(err, fmt.Errorf("ledger release %s: %w", key, rerr))
		}
		return v, false, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, false, fmt.Errorf("encode result %s: %w", key, err)
	}
	stored, won, err := l.Complete(ctx, key, data)
	if err != nil {
		return v, false, fmt.Errorf("ledger complete %s: %w", key, err)
	}
	if won {
		return v, false, nil
	}
	var winner T
	if err := json.Unmarshal(stored, &winner); err != nil {
		return v, true, fmt.Errorf("decode winner %s: %w", key, err)
	}
	return winner, true, nil
}
