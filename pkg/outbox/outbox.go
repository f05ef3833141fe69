// Package outbox stores events next to the data that produced them and
// relays them to Kafka afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/pg"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

type Store interface {
	// Insert is a no-op for an event id that is already stored.
	Insert(ctx context.Context, rec Record) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

func recordOf(topic string, ev contracts.Event) (Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	key := ev.OrderID
	if key == "" {
		key = ev.TxID
	}
	return Record{EventID: ev.EventID, Topic: topic, Key: key, Payload: data}, nil
}

type Postgres struct {
	q pg.Querier
}

func NewPostgres(q pg.Querier) *Postgres { return &Postgres{q: q} }

func (p *Postgres) Insert(ctx context.Context, rec Record) error {
	_, err := p.q.Exec(ctx, `INSERT INTO outbox(event_id, topic, key, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`, rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload))
	return err
}

func (p *Postgres) MarkSent(ctx context.Context, id int64) error {
	_, err := p.q.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

func (p *Postgres) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := p.q.Query(ctx, `SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Memory struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
	byEvent map[string]bool
}

func NewMemory() *Memory { return &Memory{byEvent: map[string]bool{}} }

func (m *Memory) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byEvent[rec.EventID] {
		return nil
	}
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, rec)
	m.byEvent[rec.EventID] = true
	return nil
}

func (m *Memory) FetchPending(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.SentAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			now := time.Now().UTC()
			m.records[i].SentAt = &now
		}
	}
	return nil
}

// All returns every stored record, sent or not.
func (m *Memory) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Sink stores committed-transaction events in the outbox.
type Sink struct {
	Store Store
	Topic string
}

func (s *Sink) Publish(ctx context.Context, ev contracts.Event) error {
	rec, err := recordOf(s.Topic, ev)
	if err != nil {
		return err
	}
	return s.Store.Insert(ctx, rec)
}

type Publisher interface {
	Publish(ctx context.Context, ev contracts.Event) error
}

// Relay moves pending outbox records to the publisher in id order. A record
// is marked sent only after the publisher accepted it, so a crash in between
// publishes it again.
type Relay struct {
	Store     Store
	Publisher Publisher
	BatchSize int
	Interval  time.Duration
	Logger    *zap.Logger
}

func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	recs, err := r.Store.FetchPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	sent := 0
	for _, rec := range recs {
		var ev contracts.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return sent, fmt.Errorf("decode outbox record %d: %w", rec.ID, err)
		}
		if err := r.Publisher.Publish(ctx, ev); err != nil {
			return sent, fmt.Errorf("publish %s: %w", rec.EventID, err)
		}
		if err := r.Store.MarkSent(ctx, rec.ID); err != nil {
			return sent, fmt.Errorf("mark sent %d: %w", rec.ID, err)
		}
		sent++
		logging.OrNop(r.Logger).Debug("outbox relayed", logging.Fields{TxID: ev.TxID, OrderID: ev.OrderID, EventID: ev.EventID}.Zap()...)
	}
	return sent, nil
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.OrNop(r.Logger).Warn("outbox relay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
