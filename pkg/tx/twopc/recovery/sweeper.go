// Package recovery re-drives global transactions that stalled, typically
// because the coordinator crashed or a participant stayed unreachable.
package recovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/coordinator"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
)

// Sweeper scans the coordinator log for transactions past their deadline.
// It only ever moves them forward: undecided ones are aborted, decided ones
// are finalized again.
type Sweeper struct {
	Engine    *coordinator.Engine
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.SweeperMetrics
	Now       func() time.Time
}

type Report struct {
	Scanned   int
	Expired   int // undecided, aborted for missing votes
	Finalized int // reached COMMITTED/ABORTED
	Pending   int // still waiting for acks
	Errors    int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logging.OrNop(s.Logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("sweeper iteration failed", zap.Error(err))
				continue
			}
			if rep.Scanned > 0 {
				log.Info("sweeper pass",
					zap.Int("scanned", rep.Scanned),
					zap.Int("expired", rep.Expired),
					zap.Int("finalized", rep.Finalized),
					zap.Int("pending", rep.Pending),
					zap.Int("errors", rep.Errors))
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var rep Report
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := logging.OrNop(s.Logger)
	s.Metrics.Pass()

	stuck, err := s.Engine.Log.ListStuck(ctx, s.now(), batch)
	if err != nil {
		return rep, err
	}
	for _, tx := range stuck {
		rep.Scanned++
		fields := logging.Fields{TxID: string(tx.ID), Status: string(tx.State)}

		if _, decided := tx.State.Decision(); !decided {
			if _, err := s.Engine.ExpirePrepare(ctx, tx.ID); err != nil {
				rep.Errors++
				log.Warn("expire prepare failed", append(fields.Zap(), zap.Error(err))...)
				continue
			}
			rep.Expired++
		}

		err := s.Engine.Finalize(ctx, tx.ID)
		var ferr *coordinator.FinalizeError
		switch {
		case err == nil:
			rep.Finalized++
		case errors.As(err, &ferr):
			rep.Pending++
			if errors.Is(err, common.ErrCorruptState) {
				log.Error("transaction needs operator attention", append(fields.Zap(), zap.Error(err))...)
			} else {
				log.Warn("finalize still pending", append(fields.Zap(), zap.Error(err))...)
			}
		default:
			rep.Errors++
			log.Warn("finalize failed", append(fields.Zap(), zap.Error(err))...)
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
	}
	s.Metrics.Action("expired", rep.Expired)
	s.Metrics.Action("finalized", rep.Finalized)
	s.Metrics.Action("pending", rep.Pending)
	return rep, nil
}
