package prepared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
)

// KV is the storage view handed to in-memory stage functions. Get and Put
// lock the row until the local transaction is finalized, like SELECT ... FOR
// UPDATE; staged writes stay invisible to others until commit.
type KV interface {
	Get(ctx context.Context, table, key string, dst any) (bool, error)
	Put(ctx context.Context, table, key string, v any) error
}

type rowRef struct {
	table, key string
}

func (r rowRef) String() string { return r.table + "/" + r.key }

type memLocal struct {
	lt      LocalTransaction
	staging bool
	writes  map[rowRef][]byte
	locked  []rowRef
}

// MemoryStore is a tiny transactional key/value database. It outlives
// Memory managers, so a "restarted" participant sees its prepared work.
type MemoryStore struct {
	// LockWait bounds how long a row lock is awaited.
	LockWait time.Duration
	Now      func() time.Time

	mu       sync.Mutex
	tables   map[string]map[string][]byte
	locks    map[rowRef]Token
	released chan struct{}
	locals   map[Token]*memLocal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		LockWait: 2 * time.Second,
		Now:      time.Now,
		tables:   map[string]map[string][]byte{},
		locks:    map[rowRef]Token{},
		released: make(chan struct{}),
		locals:   map[Token]*memLocal{},
	}
}

// Get reads committed data.
func (s *MemoryStore) Get(_ context.Context, table, key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.tables[table][key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// Put writes committed data directly, bypassing row locks. Used for seeding.
func (s *MemoryStore) Put(_ context.Context, table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(rowRef{table, key}, raw)
	return nil
}

func (s *MemoryStore) Keys(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) putLocked(ref rowRef, raw []byte) {
	t, ok := s.tables[ref.table]
	if !ok {
		t = map[string][]byte{}
		s.tables[ref.table] = t
	}
	t[ref.key] = raw
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *MemoryStore) lock(ctx context.Context, ref rowRef, local *memLocal) error {
	if s.LockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.LockWait)
		defer cancel()
	}
	s.mu.Lock()
	for {
		owner, held := s.locks[ref]
		if !held || owner == local.lt.Token {
			if !held {
				s.locks[ref] = local.lt.Token
				local.locked = append(local.locked, ref)
			}
			s.mu.Unlock()
			return nil
		}
		wait := s.released
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: row %s locked by %s", common.ErrValidationFailure, ref, owner)
		case <-wait:
		}
		s.mu.Lock()
	}
}

// unlockLocked must be called with s.mu held.
func (s *MemoryStore) unlockLocked(local *memLocal) {
	for _, ref := range local.locked {
		if s.locks[ref] == local.lt.Token {
			delete(s.locks, ref)
		}
	}
	local.locked = nil
	close(s.released)
	s.released = make(chan struct{})
}

type memTx struct {
	store *MemoryStore
	local *memLocal
}

func (t *memTx) Token() Token            { return t.local.lt.Token }
func (t *memTx) GlobalTxID() common.TxID { return t.local.lt.GlobalTxID }

func (t *memTx) Get(ctx context.Context, table, key string, dst any) (bool, error) {
	ref := rowRef{table, key}
	if err := t.store.lock(ctx, ref, t.local); err != nil {
		return false, err
	}
	t.store.mu.Lock()
	raw, ok := t.local.writes[ref]
	if !ok {
		raw, ok = t.store.tables[table][key]
	}
	t.store.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (t *memTx) Put(ctx context.Context, table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ref := rowRef{table, key}
	if err := t.store.lock(ctx, ref, t.local); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.local.writes[ref] = raw
	t.store.mu.Unlock()
	return nil
}

// Memory is the in-memory Manager for one participant.
type Memory struct {
	store       *MemoryStore
	participant common.ParticipantID
}

func NewMemory(store *MemoryStore, participant common.ParticipantID) *Memory {
	return &Memory{store: store, participant: participant}
}

func (m *Memory) Store() *MemoryStore { return m.store }

func (m *Memory) BeginPrepared(ctx context.Context, gtx common.TxID, stage StageFunc) (LocalTransaction, error) {
	tok, err := NewToken(m.participant, gtx)
	if err != nil {
		return LocalTransaction{}, err
	}
	s := m.store
	s.mu.Lock()
	if local, ok := s.locals[tok]; ok {
		lt := local.lt
		staging := local.staging
		s.mu.Unlock()
		switch {
		case staging:
			return LocalTransaction{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
		case lt.Status == StatusFinalized:
			return lt, fmt.Errorf("%s already finalized as %s: %w", tok, lt.Outcome, common.ErrAlreadyFinalized)
		}
		return lt, nil
	}
	now := s.now()
	local := &memLocal{
		lt: LocalTransaction{
			Token:       tok,
			Participant: m.participant,
			GlobalTxID:  gtx,
			Status:      StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		staging: true,
		writes:  map[rowRef][]byte{},
	}
	s.locals[tok] = local
	s.mu.Unlock()

	if err := stage(ctx, &memTx{store: s, local: local}); err != nil {
		s.mu.Lock()
		s.unlockLocked(local)
		delete(s.locals, tok)
		s.mu.Unlock()
		if !errors.Is(err, common.ErrValidationFailure) && !errors.Is(err, common.ErrTransientUnavailable) {
			err = fmt.Errorf("%w: %v", common.ErrValidationFailure, err)
		}
		return LocalTransaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	local.staging = false
	return local.lt, nil
}

func (m *Memory) Prepare(_ context.Context, tok Token) (LocalTransaction, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.locals[tok]
	if !ok {
		return LocalTransaction{}, fmt.Errorf("token %s: %w", tok, common.ErrNotFound)
	}
	switch {
	case local.staging:
		return LocalTransaction{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
	case local.lt.Status == StatusFinalized:
		return local.lt, fmt.Errorf("%s already finalized as %s: %w", tok, local.lt.Outcome, common.ErrAlreadyFinalized)
	}
	m.setLocked(local, StatusPrepared, "")
	return local.lt, nil
}

func (m *Memory) CommitPrepared(_ context.Context, tok Token) (Result, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.locals[tok]
	if !ok {
		return Result{}, fmt.Errorf("%w: commit of unknown token %s", common.ErrCorruptState, tok)
	}
	switch local.lt.Status {
	case StatusFinalized:
		if local.lt.Outcome == common.DecisionCommit {
			return Result{LocalTransaction: local.lt, AlreadyFinalized: true}, nil
		}
		return Result{}, fmt.Errorf("%w: commit of rolled back token %s", common.ErrCorruptState, tok)
	case StatusOpen:
		return Result{}, fmt.Errorf("%w: commit of unprepared token %s", common.ErrCorruptState, tok)
	}
	for ref, raw := range local.writes {
		s.putLocked(ref, raw)
	}
	local.writes = nil
	s.unlockLocked(local)
	m.setLocked(local, StatusFinalized, common.DecisionCommit)
	return Result{LocalTransaction: local.lt}, nil
}

func (m *Memory) AbortPrepared(_ context.Context, tok Token) (Result, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.locals[tok]
	if !ok {
		return Result{}, fmt.Errorf("token %s: %w", tok, common.ErrNotFound)
	}
	if local.staging {
		return Result{}, fmt.Errorf("%s: %w", tok, common.ErrInProgress)
	}
	if local.lt.Status == StatusFinalized {
		if local.lt.Outcome == common.DecisionAbort {
			return Result{LocalTransaction: local.lt, AlreadyFinalized: true}, nil
		}
		return Result{}, fmt.Errorf("%w: abort of committed token %s", common.ErrCorruptState, tok)
	}
	local.writes = nil
	s.unlockLocked(local)
	m.setLocked(local, StatusFinalized, common.DecisionAbort)
	return Result{LocalTransaction: local.lt}, nil
}

func (m *Memory) Get(_ context.Context, tok Token) (LocalTransaction, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.locals[tok]
	if !ok {
		return LocalTransaction{}, fmt.Errorf("token %s: %w", tok, common.ErrNotFound)
	}
	return local.lt, nil
}

func (m *Memory) FindByGlobalTx(ctx context.Context, gtx common.TxID) (LocalTransaction, error) {
	tok, err := NewToken(m.participant, gtx)
	if err != nil {
		return LocalTransaction{}, err
	}
	lt, err := m.Get(ctx, tok)
	if errors.Is(err, common.ErrNotFound) {
		return LocalTransaction{}, fmt.Errorf("global tx %s: %w", gtx, common.ErrNotFound)
	}
	return lt, err
}

func (m *Memory) ListInDoubt(context.Context) ([]LocalTransaction, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalTransaction
	for _, local := range s.locals {
		if local.staging || local.lt.Participant != m.participant || local.lt.Status == StatusFinalized {
			continue
		}
		out = append(out, local.lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) setLocked(local *memLocal, status Status, outcome common.Decision) {
	local.lt.Status = status
	local.lt.Outcome = outcome
	local.lt.UpdatedAt = m.store.now()
}
