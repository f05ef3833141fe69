package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/prepared"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// DecisionSource answers what the coordinator decided for a transaction.
// decided is false while voting is still open; ErrNotFound means the
// coordinator has no record of it at all.
type DecisionSource interface {
	Decision(ctx context.Context, tx common.TxID) (d common.Decision, decided bool, err error)
}

// CoordinatorDecisions reads decisions through the coordinator API.
type CoordinatorDecisions struct {
	Client protocol.Coordinator
}

func (c CoordinatorDecisions) Decision(ctx context.Context, tx common.TxID) (common.Decision, bool, error) {
	view, err := c.Client.GetTransaction(ctx, protocol.GetTransactionRequest{TxID: tx})
	if err != nil {
		return "", false, err
	}
	d, ok := view.State.Decision()
	return d, ok, nil
}

type RecoveryReport struct {
	InDoubt   int
	Committed int
	Aborted   int
	Blocked   int // prepared, waiting for a decision
}

// Recover finalizes local transactions left behind by a crash. OPEN ones
// never voted YES and are rolled back; PREPARED ones follow the
// coordinator, and are rolled back only if the coordinator never heard of
// the transaction and InDoubtTimeout passed. An unreachable coordinator
// leaves them prepared.
func (s *Service) Recover(ctx context.Context, src DecisionSource) (RecoveryReport, error) {
	var rep RecoveryReport
	list, err := s.Manager.ListInDoubt(ctx)
	if err != nil {
		return rep, err
	}
	rep.InDoubt = len(list)
	now := s.now()
	var errs []error
	for _, lt := range list {
		old := now.Sub(lt.CreatedAt) >= s.InDoubtTimeout
		decision, decided := common.Decision(""), false

		switch lt.Status {
		case prepared.StatusOpen:
			if !old {
				rep.Blocked++
				continue
			}
			decision, decided = common.DecisionAbort, true
		case prepared.StatusPrepared:
			d, ok, err := src.Decision(ctx, lt.GlobalTxID)
			switch {
			case errors.Is(err, common.ErrNotFound) && old:
				decision, decided = common.DecisionAbort, true
			case err != nil:
				s.log().Warn("decision unavailable, staying prepared",
					append(s.fields(lt.GlobalTxID, "recover").Zap(), zap.Error(err))...)
			default:
				decision, decided = d, ok
			}
		}
		if !decided {
			rep.Blocked++
			continue
		}

		if decision == common.DecisionCommit {
			_, err = s.Commit(ctx, protocol.CommitRequest{TxID: lt.GlobalTxID, Participant: s.ID, PreparedToken: string(lt.Token)})
			if err == nil {
				rep.Committed++
			}
		} else {
			_, err = s.Abort(ctx, protocol.AbortRequest{TxID: lt.GlobalTxID, Participant: s.ID, PreparedToken: string(lt.Token)})
			if err == nil {
				rep.Aborted++
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", lt.Token, err))
		}
	}
	if rep.InDoubt > 0 {
		s.log().Info("recovery pass",
			zap.Int("in_doubt", rep.InDoubt),
			zap.Int("committed", rep.Committed),
			zap.Int("aborted", rep.Aborted),
			zap.Int("blocked", rep.Blocked))
	}
	return rep, errors.Join(errs...)
}

// RunRecovery repeats Recover every interval until ctx is done.
func (s *Service) RunRecovery(ctx context.Context, src DecisionSource, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Recover(ctx, src); err != nil && ctx.Err() == nil {
			s.log().Warn("recovery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
