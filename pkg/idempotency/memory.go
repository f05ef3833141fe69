package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Memory struct {
	StaleAfter time.Duration
	Now        func() time.Time

	mu      sync.Mutex
	records map[Key]*Record
}

func NewMemory() *Memory {
	return &Memory{StaleAfter: DefaultStaleAfter, Now: time.Now, records: map[Key]*Record{}}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) TryBegin(_ context.Context, key Key) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[key]
	if !ok {
		m.records[key] = &Record{Key: key, Status: StatusInProgress, CreatedAt: now, UpdatedAt: now}
		return Entry{State: StateFresh}, nil
	}
	if rec.Status == StatusDone {
		return Entry{State: StateDone, Result: clone(rec.Result)}, nil
	}
	if m.StaleAfter > 0 && now.Sub(rec.UpdatedAt) >= m.StaleAfter {
		rec.UpdatedAt = now
		return Entry{State: StateFresh}, nil
	}
	return Entry{State: StateInProgress}, nil
}

func (m *Memory) Complete(_ context.Context, key Key, result json.RawMessage) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[key]
	if ok && rec.Status == StatusDone {
		return clone(rec.Result), false, nil
	}
	if !ok {
		rec = &Record{Key: key, CreatedAt: now}
		m.records[key] = rec
	}
	rec.Status = StatusDone
	rec.Result = clone(result)
	rec.UpdatedAt = now
	return clone(result), true, nil
}

func (m *Memory) Release(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.Status == StatusInProgress {
		delete(m.records, key)
	}
	return nil
}

func (m *Memory) Lookup(_ context.Context, key Key) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false, nil
	}
	out := *rec
	out.Result = clone(rec.Result)
	out.Stale = rec.Status == StatusInProgress && m.StaleAfter > 0 && m.now().Sub(rec.UpdatedAt) >= m.StaleAfter
	return out, true, nil
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
