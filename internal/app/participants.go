// Package app assembles coordinators and participants out of the pkg
// building blocks. The binaries and the end-to-end tests share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tx-lab-tpc-go/internal/order"
	"tx-lab-tpc-go/internal/payment"
	"tx-lab-tpc-go/internal/reserve"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/participant"
	"tx-lab-tpc-go/pkg/prepared"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// Handler returns the staging handler of a built-in participant.
func Handler(id common.ParticipantID) (participant.Handler, error) {
	switch id {
	case common.ParticipantOrders:
		return order.NewHandler(), nil
	case common.ParticipantPayments:
		return payment.NewHandler(), nil
	case common.ParticipantReserve:
		return reserve.NewHandler(), nil
	}
	return nil, fmt.Errorf("%w: unknown participant %q", common.ErrInvalidArgument, id)
}

type ParticipantOptions struct {
	Sink       participant.EventSink
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Zero keeps the service defaults.
	StaleAfter     time.Duration
	InDoubtTimeout time.Duration
	Now            func() time.Time
}

func (o ParticipantOptions) apply(s *participant.Service) {
	s.Sink = o.Sink
	s.Logger = o.Logger
	if o.Registerer != nil {
		s.Metrics = metrics.NewParticipantMetrics(o.Registerer, string(s.ID))
	}
	if o.InDoubtTimeout > 0 {
		s.InDoubtTimeout = o.InDoubtTimeout
	}
	if o.Now != nil {
		s.Now = o.Now
	}
}

// NewMemoryParticipant runs a participant on the in-memory engine. Several
// participants may share one store, each keeping its own tables.
func NewMemoryParticipant(id common.ParticipantID, store *prepared.MemoryStore, o ParticipantOptions) (*participant.Service, error) {
	h, err := Handler(id)
	if err != nil {
		return nil, err
	}
	ledger := idempotency.NewMemory()
	if o.StaleAfter > 0 {
		ledger.StaleAfter = o.StaleAfter
	}
	if o.Now != nil {
		ledger.Now = o.Now
	}
	s := participant.NewService(id, prepared.NewMemory(store, id), ledger, h)
	o.apply(s)
	return s, nil
}

// NewPostgresParticipant runs a participant on PREPARE TRANSACTION. Close
// the returned manager on shutdown.
func NewPostgresParticipant(pool *pgxpool.Pool, id common.ParticipantID, o ParticipantOptions) (*participant.Service, *prepared.Postgres, error) {
	h, err := Handler(id)
	if err != nil {
		return nil, nil, err
	}
	stale := o.StaleAfter
	if stale <= 0 {
		stale = idempotency.DefaultStaleAfter
	}
	mgr := prepared.NewPostgres(pool, id, o.Logger)
	s := participant.NewService(id, mgr, idempotency.NewPostgres(pool, stale), h)
	o.apply(s)
	return s, mgr, nil
}

// ParticipantRuntime is a Postgres participant with its event pipeline and
// optional worker pool.
type ParticipantRuntime struct {
	Service *participant.Service
	// Served is what the gRPC server exposes: the service itself or its
	// worker-pool wrapper.
	Served  protocol.Participant
	Manager *prepared.Postgres
	Events  *Events
	async   *participant.Async
}

func NewParticipantRuntime(pool *pgxpool.Pool, id common.ParticipantID, c config.Participant, logger *zap.Logger, reg prometheus.Registerer) (*ParticipantRuntime, error) {
	events := NewEvents(pool, c, logger)
	svc, mgr, err := NewPostgresParticipant(pool, id, ParticipantOptions{
		Sink:           events.Sink,
		Logger:         logger,
		Registerer:     reg,
		StaleAfter:     c.StaleAfter,
		InDoubtTimeout: c.InDoubtTimeout,
	})
	if err != nil {
		_ = events.Close()
		return nil, err
	}
	rt := &ParticipantRuntime{Service: svc, Served: svc, Manager: mgr, Events: events}
	if c.Async {
		rt.async = participant.NewAsync(svc, c.Workers, c.Queue)
		rt.Served = rt.async
	}
	return rt, nil
}

// Loops returns the background work: in-doubt recovery against src and,
// when configured, the outbox relay. src may be nil.
func (r *ParticipantRuntime) Loops(src participant.DecisionSource, interval time.Duration) []func(context.Context) {
	var loops []func(context.Context)
	if src != nil {
		loops = append(loops, func(ctx context.Context) { r.Service.RunRecovery(ctx, src, interval) })
	}
	if r.Events.Relay != nil {
		loops = append(loops, r.Events.Relay.Run)
	}
	return loops
}

func (r *ParticipantRuntime) Close(ctx context.Context) {
	if r.async != nil {
		r.async.Close()
	}
	r.Manager.Close(ctx)
	_ = r.Events.Close()
}
