package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
)

type MemoryLog struct {
	Now func() time.Time

	mu       sync.Mutex
	txs      map[common.TxID]*GlobalTransaction
	byClient map[string]common.TxID
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{Now: time.Now, txs: map[common.TxID]*GlobalTransaction{}, byClient: map[string]common.TxID{}}
}

func (l *MemoryLog) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *MemoryLog) Create(_ context.Context, tx GlobalTransaction) (GlobalTransaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx.ClientKey != "" {
		if id, ok := l.byClient[tx.ClientKey]; ok {
			return l.txs[id].clone(), false, nil
		}
	}
	if _, ok := l.txs[tx.ID]; ok {
		return GlobalTransaction{}, false, fmt.Errorf("%w: transaction %s exists", common.ErrInvalidArgument, tx.ID)
	}
	stored := tx.clone()
	stored.State = common.TxInit
	now := l.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	for _, p := range stored.Participants {
		stored.Votes[p] = ParticipantVote{Participant: p, Vote: common.VotePending, UpdatedAt: now}
	}
	l.txs[tx.ID] = &stored
	if tx.ClientKey != "" {
		l.byClient[tx.ClientKey] = tx.ID
	}
	return stored.clone(), true, nil
}

func (l *MemoryLog) Get(_ context.Context, id common.TxID) (GlobalTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return GlobalTransaction{}, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	return tx.clone(), nil
}

func (l *MemoryLog) Transition(_ context.Context, id common.TxID, to common.TxState) (GlobalTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return GlobalTransaction{}, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if tx.State == to {
		return tx.clone(), nil
	}
	if err := checkTransition(*tx, to); err != nil {
		return tx.clone(), err
	}
	tx.State = to
	tx.UpdatedAt = l.now()
	return tx.clone(), nil
}

func (l *MemoryLog) RecordVote(_ context.Context, id common.TxID, v ParticipantVote) (GlobalTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return GlobalTransaction{}, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	changed, err := checkVote(*tx, v)
	if err != nil || !changed {
		return tx.clone(), err
	}
	now := l.now()
	v.Acked = false
	v.UpdatedAt = now
	tx.Votes[v.Participant] = v
	tx.UpdatedAt = now
	return tx.clone(), nil
}

func (l *MemoryLog) MarkAcked(_ context.Context, id common.TxID, p common.ParticipantID) (GlobalTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return GlobalTransaction{}, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	changed, err := checkAck(*tx, p)
	if err != nil || !changed {
		return tx.clone(), err
	}
	now := l.now()
	v := tx.Votes[p]
	v.Acked = true
	v.UpdatedAt = now
	tx.Votes[p] = v
	tx.UpdatedAt = now
	return tx.clone(), nil
}

func (l *MemoryLog) ListStuck(_ context.Context, now time.Time, limit int) ([]GlobalTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []GlobalTransaction
	for _, tx := range l.txs {
		if tx.State.Terminal() || tx.DeadlineAt.After(now) {
			continue
		}
		out = append(out, tx.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
