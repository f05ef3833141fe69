// Package notification turns committed-transaction events into customer
// notifications, once per event however often Kafka redelivers it.
package notification

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/pg"
)

// Consumer names the notification service in the idempotency ledger.
const Consumer = "notifications"

type Notification struct {
	EventID     string         `json:"event_id"`
	OrderID     string         `json:"order_id,omitempty"`
	TxID        string         `json:"txid"`
	Participant string         `json:"participant"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

func FromEvent(ev contracts.Event, now time.Time) Notification {
	return Notification{
		EventID:     ev.EventID,
		OrderID:     ev.OrderID,
		TxID:        ev.TxID,
		Participant: ev.Participant,
		Type:        ev.Type,
		Payload:     ev.Payload,
		ReceivedAt:  now,
	}
}

type Store interface {
	Save(ctx context.Context, n Notification) error
}

type PostgresStore struct {
	q pg.Querier
}

func NewPostgresStore(q pg.Querier) *PostgresStore { return &PostgresStore{q: q} }

func (s *PostgresStore) Save(ctx context.Context, n Notification) error {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `INSERT INTO notifications(event_id, order_id, txid, participant, type, payload, received_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7) ON CONFLICT (event_id) DO NOTHING`,
		n.EventID, n.OrderID, n.TxID, n.Participant, n.Type, data, n.ReceivedAt)
	return err
}

type MemoryStore struct {
	mu    sync.Mutex
	saved map[string]Notification
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{saved: map[string]Notification{}} }

func (s *MemoryStore) Save(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.saved[n.EventID]; !ok {
		s.saved[n.EventID] = n
	}
	return nil
}

// All returns saved notifications ordered by event id.
func (s *MemoryStore) All() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.saved))
	for _, n := range s.saved {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Handler saves one notification per event id.
type Handler struct {
	Store  Store
	Ledger idempotency.Ledger
	Logger *zap.Logger
	Now    func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

func (h *Handler) Handle(ctx context.Context, ev contracts.Event) error {
	log := logging.OrNop(h.Logger)
	f := logging.Fields{TxID: ev.TxID, Participant: ev.Participant, OrderID: ev.OrderID, EventID: ev.EventID, Step: ev.Type}
	if ev.EventID == "" {
		log.Warn("event without id skipped", f.Zap()...)
		return nil
	}
	key := idempotency.Key{Participant: Consumer, Scope: ev.EventID, Kind: idempotency.KindConsume}
	_, replayed, err := idempotency.Do(ctx, h.Ledger, key, func(ctx context.Context) (string, error) {
		return ev.EventID, h.Store.Save(ctx, FromEvent(ev, h.now()))
	})
	if err != nil {
		return err
	}
	if replayed {
		f.Status = "duplicate"
		log.Debug("notification already emitted", f.Zap()...)
		return nil
	}
	f.Status = "emitted"
	log.Info("notification emitted", f.Zap()...)
	return nil
}

// Postgres handles each event in one database transaction, so the ledger
// record and the notification row commit together.
type Postgres struct {
	pool   *pgxpool.Pool
	ledger *idempotency.Postgres
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, ledger *idempotency.Postgres, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, ledger: ledger, logger: logger}
}

func (p *Postgres) Handle(ctx context.Context, ev contracts.Event) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		h := &Handler{Store: NewPostgresStore(tx), Ledger: p.ledger.In(tx), Logger: p.logger}
		return h.Handle(ctx, ev)
	})
}
