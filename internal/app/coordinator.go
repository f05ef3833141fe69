package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/rpc"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/coordinator"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
	"tx-lab-tpc-go/pkg/tx/twopc/recovery"
)

// EngineConfig converts the command-line settings, keeping the default
// backoff schedule.
func EngineConfig(c config.Coordinator) coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.PrepareTimeout = c.PrepareTimeout
	cfg.TxDeadline = c.TxDeadline
	cfg.FinalizeWindow = c.FinalizeWindow
	if c.MaxParticipants > 0 {
		cfg.MaxParticipants = c.MaxParticipants
	}
	return cfg
}

type Coordinator struct {
	Engine  *coordinator.Engine
	Sweeper *recovery.Sweeper
}

// NewCoordinator wires an engine and its sweeper over log. reg may be nil.
func NewCoordinator(log coordinator.TxLogStore, participants map[common.ParticipantID]protocol.Participant, cfg coordinator.Config, sweep time.Duration, logger *zap.Logger, reg prometheus.Registerer) *Coordinator {
	opts := []coordinator.Option{coordinator.WithConfig(cfg), coordinator.WithLogger(logger)}
	var sm *metrics.SweeperMetrics
	if reg != nil {
		opts = append(opts, coordinator.WithMetrics(metrics.NewCoordinatorMetrics(reg)))
		sm = metrics.NewSweeperMetrics(reg)
	}
	engine := coordinator.New(log, participants, opts...)
	return &Coordinator{
		Engine: engine,
		Sweeper: &recovery.Sweeper{
			Engine:   engine,
			Interval: sweep,
			Logger:   logger,
			Metrics:  sm,
		},
	}
}

// NewPostgresCoordinator keeps the transaction log in the coordinator's
// own database.
func NewPostgresCoordinator(pool *pgxpool.Pool, participants map[common.ParticipantID]protocol.Participant, c config.Coordinator, logger *zap.Logger, reg prometheus.Registerer) *Coordinator {
	co := NewCoordinator(coordinator.NewPostgresLog(pool), participants, EngineConfig(c), c.SweepInterval, logger, reg)
	co.Sweeper.BatchSize = c.SweepBatch
	return co
}

// Remotes dials the participants that run in other services. Close the
// returned connections on shutdown.
type Remotes struct {
	Participants map[common.ParticipantID]protocol.Participant
	conns        []*grpc.ClientConn
}

func DialRemotes(addrs map[common.ParticipantID]string) (*Remotes, error) {
	r := &Remotes{Participants: map[common.ParticipantID]protocol.Participant{}}
	for id, addr := range addrs {
		if addr == "" {
			continue
		}
		cc, err := rpc.Dial(addr)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("dial %s at %s: %w", id, addr, err)
		}
		r.conns = append(r.conns, cc)
		r.Participants[id] = rpc.NewParticipantClient(cc)
	}
	return r, nil
}

func (r *Remotes) Close() error {
	var errs []error
	for _, cc := range r.conns {
		errs = append(errs, cc.Close())
	}
	r.conns = nil
	return errors.Join(errs...)
}
