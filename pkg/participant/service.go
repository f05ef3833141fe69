// Package participant turns a prepared-transaction manager and a domain
// handler into a 2PC participant that tolerates duplicate and out-of-order
// Prepare/Commit/Abort deliveries.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/prepared"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// Summary describes staged work; it becomes the committed event.
type Summary struct {
	EventType string         `json:"event_type,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Handler stages the participant's share of a global transaction inside tx.
// Business refusals must wrap common.ErrValidationFailure.
type Handler interface {
	Stage(ctx context.Context, tx prepared.Tx, payload json.RawMessage) (Summary, error)
}

type HandlerFunc func(ctx context.Context, tx prepared.Tx, payload json.RawMessage) (Summary, error)

func (f HandlerFunc) Stage(ctx context.Context, tx prepared.Tx, payload json.RawMessage) (Summary, error) {
	return f(ctx, tx, payload)
}

type EventSink interface {
	Publish(ctx context.Context, ev contracts.Event) error
}

// preparedVote is what the ledger keeps for a Prepare.
type preparedVote struct {
	Response protocol.PrepareResponse `json:"response"`
	Summary  Summary                  `json:"summary"`
}

// Service is the blocking participant: every call runs on the caller's
// goroutine. Wrap it with NewAsync for the worker-pool flavor.
type Service struct {
	ID      common.ParticipantID
	Manager prepared.Manager
	Ledger  idempotency.Ledger
	Handler Handler
	Sink    EventSink
	Logger  *zap.Logger
	Metrics *metrics.ParticipantMetrics
	// InDoubtTimeout is how old a local transaction must be before recovery
	// may abort it without a coordinator decision.
	InDoubtTimeout time.Duration
	Now            func() time.Time
}

func NewService(id common.ParticipantID, mgr prepared.Manager, ledger idempotency.Ledger, h Handler) *Service {
	return &Service{
		ID:             id,
		Manager:        mgr,
		Ledger:         ledger,
		Handler:        h,
		InDoubtTimeout: time.Minute,
		Now:            time.Now,
	}
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Logger) }

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) check(tx common.TxID, p common.ParticipantID) error {
	if tx == "" {
		return fmt.Errorf("%w: tx_id is required", common.ErrInvalidArgument)
	}
	if p != "" && p != s.ID {
		return fmt.Errorf("%w: request for %s delivered to %s", common.ErrInvalidArgument, p, s.ID)
	}
	return nil
}

func (s *Service) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	if err := s.check(req.TxID, req.Participant); err != nil {
		return protocol.PrepareResponse{}, err
	}
	started := s.now()
	key := idempotency.TxKey(s.ID, req.TxID, idempotency.KindPrepare)
	rec, replayed, err := idempotency.Do(ctx, s.Ledger, key, func(ctx context.Context) (preparedVote, error) {
		return s.prepare(ctx, req)
	})
	if err != nil {
		s.Metrics.Operation("prepare", "error")
		s.log().Warn("prepare failed", append(s.fields(req.TxID, "prepare").Zap(), zap.Error(err))...)
		return protocol.PrepareResponse{}, err
	}
	if replayed {
		s.Metrics.Replay("prepare")
	}
	s.Metrics.Operation("prepare", string(rec.Response.Vote))
	f := s.fields(req.TxID, "prepare")
	f.Status = string(rec.Response.Vote)
	f.Duration = s.now().Sub(started)
	s.log().Info("prepare", append(f.Zap(), zap.Bool("replayed", replayed), zap.String("reason", rec.Response.Reason))...)
	return rec.Response, nil
}

func (s *Service) prepare(ctx context.Context, req protocol.PrepareRequest) (preparedVote, error) {
	no := func(reason string) (preparedVote, error) {
		return preparedVote{Response: protocol.PrepareResponse{
			TxID: req.TxID, Participant: s.ID, Vote: common.VoteNo, Reason: reason,
		}}, nil
	}

	// an abort that got here first wins; never stage after it
	if _, seen, err := s.Ledger.Lookup(ctx, idempotency.TxKey(s.ID, req.TxID, idempotency.KindAbort)); err != nil {
		return preparedVote{}, fmt.Errorf("%w: %v", common.ErrTransientUnavailable, err)
	} else if seen {
		return no("transaction already aborted")
	}

	var summary Summary
	lt, err := s.Manager.BeginPrepared(ctx, req.TxID, func(ctx context.Context, tx prepared.Tx) error {
		var err error
		summary, err = s.Handler.Stage(ctx, tx, req.Payload)
		return err
	})
	if refused(err) {
		return no(err.Error())
	}
	if err != nil {
		return preparedVote{}, err
	}
	if lt.Status != prepared.StatusPrepared {
		lt, err = s.Manager.Prepare(ctx, lt.Token)
		if refused(err) {
			return no(err.Error())
		}
		if err != nil {
			return preparedVote{}, err
		}
	}
	return preparedVote{
		Response: protocol.PrepareResponse{
			TxID:          req.TxID,
			Participant:   s.ID,
			Vote:          common.VoteYes,
			PreparedToken: string(lt.Token),
		},
		Summary: summary,
	}, nil
}

// refused reports errors that turn into a NO vote.
func refused(err error) bool {
	return errors.Is(err, common.ErrValidationFailure) ||
		errors.Is(err, common.ErrAlreadyFinalized) ||
		errors.Is(err, common.ErrInvalidArgument)
}

func (s *Service) Commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	if err := s.check(req.TxID, req.Participant); err != nil {
		return protocol.Ack{}, err
	}
	key := idempotency.TxKey(s.ID, req.TxID, idempotency.KindCommit)
	ack, replayed, err := idempotency.Do(ctx, s.Ledger, key, func(ctx context.Context) (protocol.Ack, error) {
		return s.commit(ctx, req)
	})
	if err != nil {
		s.Metrics.Operation("commit", "error")
		lvl := s.log().Warn
		if errors.Is(err, common.ErrCorruptState) {
			lvl = s.log().Error
		}
		lvl("commit failed", append(s.fields(req.TxID, "commit").Zap(), zap.Error(err))...)
		return protocol.Ack{}, err
	}
	if replayed {
		s.Metrics.Replay("commit")
		ack.AlreadyFinalized = true
	}
	s.Metrics.Operation("commit", "ok")
	if err := s.publish(ctx, req.TxID); err != nil {
		// the commit stays recorded; the coordinator's retry publishes again
		return protocol.Ack{}, fmt.Errorf("%w: publish event: %v", common.ErrTransientUnavailable, err)
	}
	s.log().Info("commit", append(s.fields(req.TxID, "commit").Zap(), zap.Bool("replayed", replayed))...)
	return ack, nil
}

func (s *Service) commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	tok, err := s.resolveToken(ctx, req.TxID, req.PreparedToken)
	if errors.Is(err, common.ErrNotFound) {
		return protocol.Ack{}, fmt.Errorf("%w: commit of %s with nothing prepared", common.ErrCorruptState, req.TxID)
	}
	if err != nil {
		return protocol.Ack{}, err
	}
	res, err := s.Manager.CommitPrepared(ctx, tok)
	if err != nil {
		return protocol.Ack{}, err
	}
	return protocol.Ack{
		TxID:             req.TxID,
		Participant:      s.ID,
		Outcome:          common.DecisionCommit,
		AlreadyFinalized: res.AlreadyFinalized,
	}, nil
}

func (s *Service) Abort(ctx context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	if err := s.check(req.TxID, req.Participant); err != nil {
		return protocol.Ack{}, err
	}
	key := idempotency.TxKey(s.ID, req.TxID, idempotency.KindAbort)
	ack, replayed, err := idempotency.Do(ctx, s.Ledger, key, func(ctx context.Context) (protocol.Ack, error) {
		return s.abort(ctx, req)
	})
	if err != nil {
		s.Metrics.Operation("abort", "error")
		s.log().Warn("abort failed", append(s.fields(req.TxID, "abort").Zap(), zap.Error(err))...)
		return protocol.Ack{}, err
	}
	if replayed {
		s.Metrics.Replay("abort")
		ack.AlreadyFinalized = true
	}
	s.Metrics.Operation("abort", "ok")
	s.log().Info("abort", append(s.fields(req.TxID, "abort").Zap(), zap.Bool("replayed", replayed))...)
	return ack, nil
}

func (s *Service) abort(ctx context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	ack := protocol.Ack{TxID: req.TxID, Participant: s.ID, Outcome: common.DecisionAbort}

	// a live Prepare may still be staging; wait for it to settle
	rec, ok, err := s.Ledger.Lookup(ctx, idempotency.TxKey(s.ID, req.TxID, idempotency.KindPrepare))
	if err != nil {
		return ack, fmt.Errorf("%w: %v", common.ErrTransientUnavailable, err)
	}
	if ok && rec.Status == idempotency.StatusInProgress && !rec.Stale {
		return ack, fmt.Errorf("prepare of %s: %w", req.TxID, common.ErrInProgress)
	}

	tok, err := s.resolveToken(ctx, req.TxID, req.PreparedToken)
	if errors.Is(err, common.ErrNotFound) {
		ack.AlreadyFinalized = true
		return ack, nil
	}
	if err != nil {
		return ack, err
	}
	res, err := s.Manager.AbortPrepared(ctx, tok)
	if errors.Is(err, common.ErrNotFound) {
		ack.AlreadyFinalized = true
		return ack, nil
	}
	if err != nil {
		return ack, err
	}
	ack.AlreadyFinalized = res.AlreadyFinalized
	return ack, nil
}

// resolveToken checks a token handed in by the coordinator, or looks the
// local transaction up by global id when none was given.
func (s *Service) resolveToken(ctx context.Context, tx common.TxID, given string) (prepared.Token, error) {
	want, err := prepared.NewToken(s.ID, tx)
	if err != nil {
		return "", err
	}
	if given != "" {
		if prepared.Token(given) != want {
			return "", fmt.Errorf("%w: token %s does not belong to %s", common.ErrInvalidArgument, given, tx)
		}
		if _, err := s.Manager.Get(ctx, want); err != nil {
			return "", err
		}
		return want, nil
	}
	lt, err := s.Manager.FindByGlobalTx(ctx, tx)
	if err != nil {
		return "", err
	}
	return lt.Token, nil
}

func (s *Service) publish(ctx context.Context, tx common.TxID) error {
	if s.Sink == nil {
		return nil
	}
	var summary Summary
	if rec, ok, err := s.Ledger.Lookup(ctx, idempotency.TxKey(s.ID, tx, idempotency.KindPrepare)); err == nil && ok && rec.Status == idempotency.StatusDone {
		var pv preparedVote
		if json.Unmarshal(rec.Result, &pv) == nil {
			summary = pv.Summary
		}
	}
	evType := summary.EventType
	if evType == "" {
		evType = string(s.ID) + ".committed"
	}
	ev := contracts.Event{
		EventID:     contracts.EventID(string(s.ID), string(tx)),
		TxID:        string(tx),
		Participant: string(s.ID),
		OrderID:     summary.OrderID,
		CreatedAt:   s.now().UTC(),
		Type:        evType,
		Payload:     summary.Attrs,
	}
	key := idempotency.TxKey(s.ID, tx, idempotency.KindPublish)
	_, replayed, err := idempotency.Do(ctx, s.Ledger, key, func(ctx context.Context) (string, error) {
		return ev.EventID, s.Sink.Publish(ctx, ev)
	})
	if err == nil && !replayed {
		f := s.fields(tx, "publish")
		f.EventID = ev.EventID
		f.OrderID = ev.OrderID
		s.log().Info("event published", f.Zap()...)
	}
	return err
}

func (s *Service) fields(tx common.TxID, step string) logging.Fields {
	return logging.Fields{TxID: string(tx), Participant: string(s.ID), Step: step}
}

var _ protocol.Participant = (*Service)(nil)
