package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type Config struct {
	// PrepareTimeout bounds one participant's Prepare, retries included.
	// Running out of it counts as a NO vote.
	PrepareTimeout time.Duration
	// TxDeadline is how long a transaction may stay undecided or
	// unacknowledged before the recovery sweeper takes it over.
	TxDeadline time.Duration
	// FinalizeWindow bounds the retries of one finalize pass per participant.
	FinalizeWindow time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	MaxParticipants int
}

func DefaultConfig() Config {
	return Config{
		PrepareTimeout:    5 * time.Second,
		TxDeadline:        30 * time.Second,
		FinalizeWindow:    10 * time.Second,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2,
		MaxParticipants:   8,
	}
}

type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.Config = cfg } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.Logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.Now = now } }

func WithMetrics(m *metrics.CoordinatorMetrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

// Engine drives global transactions through prepare and finalize. The log
// is the source of truth; any engine instance can pick up any transaction.
type Engine struct {
	Log          TxLogStore
	Participants map[common.ParticipantID]protocol.Participant
	Config       Config
	Logger       *zap.Logger
	Metrics      *metrics.CoordinatorMetrics
	Now          func() time.Time
}

func New(log TxLogStore, participants map[common.ParticipantID]protocol.Participant, opts ...Option) *Engine {
	e := &Engine{
		Log:          log,
		Participants: participants,
		Config:       DefaultConfig(),
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Logger = logging.OrNop(e.Logger)
	return e
}

type BeginRequest struct {
	Participants []common.ParticipantID
	Payloads     map[common.ParticipantID]json.RawMessage
	// ClientKey deduplicates client retries of the same request.
	ClientKey string
}

// Outcome is what a client learns once voting is over. Pending is set when
// the decision is not yet acknowledged by every participant; finalization
// then continues in the background via the recovery sweeper.
type Outcome struct {
	Tx       GlobalTransaction
	Decision common.Decision
	Pending  bool
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) validate(req BeginRequest) error {
	if len(req.Participants) == 0 {
		return fmt.Errorf("%w: participant set is empty", common.ErrInvalidArgument)
	}
	if limit := e.Config.MaxParticipants; limit > 0 && len(req.Participants) > limit {
		return fmt.Errorf("%w: %d participants, at most %d allowed", common.ErrInvalidArgument, len(req.Participants), limit)
	}
	seen := make(map[common.ParticipantID]bool, len(req.Participants))
	for _, p := range req.Participants {
		if seen[p] {
			return fmt.Errorf("%w: duplicate participant %s", common.ErrInvalidArgument, p)
		}
		seen[p] = true
		if _, ok := e.Participants[p]; !ok {
			return fmt.Errorf("%w: unknown participant %s", common.ErrInvalidArgument, p)
		}
	}
	for p := range req.Payloads {
		if !seen[p] {
			return fmt.Errorf("%w: payload for %s which is not a participant", common.ErrInvalidArgument, p)
		}
	}
	return nil
}

// Begin records a new transaction and moves it to PREPARING.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (GlobalTransaction, error) {
	tx, _, err := e.begin(ctx, req)
	return tx, err
}

func (e *Engine) begin(ctx context.Context, req BeginRequest) (GlobalTransaction, bool, error) {
	if err := e.validate(req); err != nil {
		return GlobalTransaction{}, false, err
	}
	now := e.now()
	tx, created, err := e.Log.Create(ctx, GlobalTransaction{
		ID:           common.NewTxID(),
		Participants: req.Participants,
		Payloads:     req.Payloads,
		ClientKey:    req.ClientKey,
		DeadlineAt:   common.DeadlineAfter(now, e.Config.TxDeadline).At,
	})
	if err != nil {
		return GlobalTransaction{}, false, err
	}
	if !created {
		e.Logger.Info("begin replayed", logging.Fields{TxID: string(tx.ID), Status: string(tx.State)}.Zap()...)
		return tx, false, nil
	}
	tx, err = e.Log.Transition(ctx, tx.ID, common.TxPreparing)
	if err != nil {
		return tx, true, err
	}
	e.Metrics.State(string(common.TxPreparing))
	return tx, true, nil
}

// PrepareAll collects votes from every participant that has not voted yet
// and records the decision. A single NO, error or timeout aborts.
func (e *Engine) PrepareAll(ctx context.Context, id common.TxID) (common.Decision, error) {
	tx, err := e.Log.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d, ok := tx.State.Decision(); ok {
		return d, nil
	}
	if tx.State == common.TxInit {
		if tx, err = e.Log.Transition(ctx, id, common.TxPreparing); err != nil {
			return "", err
		}
	}

	started := e.now()
	var g errgroup.Group
	for _, p := range tx.Pending() {
		g.Go(func() error {
			vote := e.prepareOne(ctx, tx, p)
			e.Metrics.Vote(string(p), string(vote.Vote))
			if _, err := e.Log.RecordVote(ctx, id, vote); err != nil {
				if errors.Is(err, common.ErrIllegalTransition) {
					// decided concurrently, e.g. by the sweeper
					e.Logger.Warn("vote arrived after decision", e.fields(id, p, vote.Vote).Zap()...)
					return nil
				}
				return fmt.Errorf("record vote of %s: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	e.Metrics.Phase("prepare", e.now().Sub(started))
	return e.decide(ctx, id)
}

func (e *Engine) decide(ctx context.Context, id common.TxID) (common.Decision, error) {
	tx, err := e.Log.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d, ok := tx.State.Decision(); ok {
		return d, nil
	}
	if len(tx.Pending()) > 0 {
		return "", fmt.Errorf("%w: %s still has pending votes", common.ErrIllegalTransition, id)
	}

	if tx.AllVoted(common.VoteYes) {
		if _, err := e.Log.Transition(ctx, id, common.TxPrepared); err != nil {
			return e.settled(ctx, id, err)
		}
		e.Metrics.State(string(common.TxPrepared))
		if _, err := e.Log.Transition(ctx, id, common.TxCommitting); err != nil {
			return e.settled(ctx, id, err)
		}
		e.Metrics.State(string(common.TxCommitting))
		e.Logger.Info("decision", logging.Fields{TxID: string(id), Status: string(common.DecisionCommit)}.Zap()...)
		return common.DecisionCommit, nil
	}

	if _, err := e.Log.Transition(ctx, id, common.TxAborting); err != nil {
		return e.settled(ctx, id, err)
	}
	e.Metrics.State(string(common.TxAborting))
	e.Logger.Info("decision", logging.Fields{TxID: string(id), Status: string(common.DecisionAbort)}.Zap()...)
	return common.DecisionAbort, nil
}

// settled resolves a lost race on a transition: if somebody else already
// decided, that decision stands.
func (e *Engine) settled(ctx context.Context, id common.TxID, cause error) (common.Decision, error) {
	if !errors.Is(cause, common.ErrIllegalTransition) {
		return "", cause
	}
	tx, err := e.Log.Get(ctx, id)
	if err != nil {
		return "", errors.Join(cause, err)
	}
	if d, ok := tx.State.Decision(); ok {
		return d, nil
	}
	return "", cause
}

func (e *Engine) prepareOne(ctx context.Context, tx GlobalTransaction, p common.ParticipantID) ParticipantVote {
	vote := ParticipantVote{Participant: p, Vote: common.VoteNo}
	client, ok := e.Participants[p]
	if !ok {
		vote.Reason = "participant not configured"
		return vote
	}

	ctx, cancel := context.WithTimeout(ctx, e.Config.PrepareTimeout)
	defer cancel()
	req := protocol.PrepareRequest{TxID: tx.ID, Participant: p, Payload: tx.Payloads[p]}
	resp, err := backoff.Retry(ctx, func() (protocol.PrepareResponse, error) {
		resp, err := client.Prepare(ctx, req)
		if err != nil && common.Permanent(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(e.newBackOff()), backoff.WithMaxElapsedTime(e.Config.PrepareTimeout))
	if err != nil {
		vote.Reason = err.Error()
		e.Logger.Warn("prepare failed", append(e.fields(tx.ID, p, common.VoteNo).Zap(), zap.Error(err))...)
		return vote
	}
	if !resp.Yes() {
		vote.Reason = resp.Reason
		if vote.Reason == "" {
			vote.Reason = "participant voted NO"
		}
		return vote
	}
	vote.Vote = common.VoteYes
	vote.PreparedToken = resp.PreparedToken
	return vote
}

// Finalize delivers the recorded decision to every participant that has not
// acknowledged it yet. It returns *FinalizeError when some did not ack.
func (e *Engine) Finalize(ctx context.Context, id common.TxID) error {
	tx, err := e.Log.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.State.Terminal() {
		return nil
	}
	decision, ok := tx.State.Decision()
	if !ok {
		return fmt.Errorf("%w: %s is %s, no decision yet", common.ErrIllegalTransition, id, tx.State)
	}
	if tx.State == common.TxPrepared {
		if tx, err = e.Log.Transition(ctx, id, common.TxCommitting); err != nil {
			return err
		}
		e.Metrics.State(string(common.TxCommitting))
	}

	started := e.now()
	var (
		mu       sync.Mutex
		failures []ParticipantFailure
		wg       sync.WaitGroup
	)
	for _, p := range tx.Unacked() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.finalizeOne(ctx, tx, p, decision)
			if err == nil {
				_, err = e.Log.MarkAcked(ctx, id, p)
			}
			if err != nil {
				e.Metrics.FinalizeFailure(string(p), errorKind(err))
				mu.Lock()
				failures = append(failures, ParticipantFailure{Participant: p, Err: err})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	e.Metrics.Phase("finalize", e.now().Sub(started))

	if len(failures) > 0 {
		ferr := &FinalizeError{TxID: id, Decision: decision, Failures: failures}
		if errors.Is(ferr, common.ErrCorruptState) {
			e.Logger.Error("participant state corrupt", append(logging.Fields{TxID: string(id), Status: string(decision)}.Zap(), zap.Error(ferr))...)
		}
		return ferr
	}

	final := decision.FinalState()
	if _, err := e.Log.Transition(ctx, id, final); err != nil {
		return err
	}
	e.Metrics.State(string(final))
	e.Logger.Info("finalized", logging.Fields{TxID: string(id), Status: string(final), Duration: e.now().Sub(tx.CreatedAt)}.Zap()...)
	return nil
}

func (e *Engine) finalizeOne(ctx context.Context, tx GlobalTransaction, p common.ParticipantID, d common.Decision) error {
	client, ok := e.Participants[p]
	if !ok {
		return fmt.Errorf("%w: participant %s not configured", common.ErrTransientUnavailable, p)
	}
	token := tx.Votes[p].PreparedToken
	_, err := backoff.Retry(ctx, func() (protocol.Ack, error) {
		var (
			ack protocol.Ack
			err error
		)
		if d == common.DecisionCommit {
			ack, err = client.Commit(ctx, protocol.CommitRequest{TxID: tx.ID, Participant: p, PreparedToken: token})
		} else {
			ack, err = client.Abort(ctx, protocol.AbortRequest{TxID: tx.ID, Participant: p, PreparedToken: token})
		}
		if errors.Is(err, common.ErrAlreadyFinalized) {
			return protocol.Ack{TxID: tx.ID, Participant: p, Outcome: d, AlreadyFinalized: true}, nil
		}
		if err != nil && common.Permanent(err) {
			return ack, backoff.Permanent(err)
		}
		return ack, err
	},
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxElapsedTime(e.Config.FinalizeWindow),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.Logger.Debug("finalize retry", append(e.fields(tx.ID, p, "").Zap(), zap.Error(err), zap.Duration("next", next))...)
		}),
	)
	return err
}

// Execute runs a whole transaction: Begin, PrepareAll and one Finalize
// pass. Once Begin succeeded the caller's cancellation no longer applies.
func (e *Engine) Execute(ctx context.Context, req BeginRequest) (Outcome, error) {
	tx, created, err := e.begin(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		d, _ := tx.State.Decision()
		return Outcome{Tx: tx, Decision: d, Pending: !tx.State.Terminal()}, nil
	}

	ctx = context.WithoutCancel(ctx)
	decision, err := e.PrepareAll(ctx, tx.ID)
	if err != nil {
		cur, gerr := e.Log.Get(ctx, tx.ID)
		if gerr != nil {
			cur = tx
		}
		return Outcome{Tx: cur, Pending: true}, err
	}

	pending := false
	if err := e.Finalize(ctx, tx.ID); err != nil {
		pending = true
		e.Logger.Warn("finalize incomplete, left to recovery", append(logging.Fields{TxID: string(tx.ID), Status: string(decision)}.Zap(), zap.Error(err))...)
	}
	tx, err = e.Log.Get(ctx, tx.ID)
	if err != nil {
		return Outcome{Decision: decision, Pending: pending}, err
	}
	return Outcome{Tx: tx, Decision: decision, Pending: pending}, nil
}

// ExpirePrepare closes voting on a transaction that overran its deadline:
// missing votes count as NO and the transaction moves to ABORTING.
func (e *Engine) ExpirePrepare(ctx context.Context, id common.TxID) (common.Decision, error) {
	tx, err := e.Log.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d, ok := tx.State.Decision(); ok {
		return d, nil
	}
	if tx.State == common.TxInit {
		if tx, err = e.Log.Transition(ctx, id, common.TxPreparing); err != nil {
			return "", err
		}
	}
	for _, p := range tx.Pending() {
		_, err := e.Log.RecordVote(ctx, id, ParticipantVote{Participant: p, Vote: common.VoteNo, Reason: "prepare deadline exceeded"})
		if err != nil && !errors.Is(err, common.ErrIllegalTransition) {
			return "", err
		}
	}
	return e.decide(ctx, id)
}

// Resolve acknowledges a participant by hand after an operator reconciled
// its local state, e.g. following a corrupt-state report. The decision
// itself never changes.
func (e *Engine) Resolve(ctx context.Context, id common.TxID, p common.ParticipantID) (GlobalTransaction, error) {
	tx, err := e.Log.MarkAcked(ctx, id, p)
	if err != nil {
		return tx, err
	}
	e.Logger.Warn("participant resolved by operator", e.fields(id, p, "").Zap()...)
	if len(tx.Unacked()) > 0 {
		return tx, nil
	}
	d, _ := tx.State.Decision()
	tx, err = e.Log.Transition(ctx, id, d.FinalState())
	if err == nil {
		e.Metrics.State(string(tx.State))
	}
	return tx, err
}

func (e *Engine) Get(ctx context.Context, id common.TxID) (GlobalTransaction, error) {
	return e.Log.Get(ctx, id)
}

// BeginTransaction serves the client-facing API. The request key, if any,
// comes from the idempotency-key metadata.
func (e *Engine) BeginTransaction(ctx context.Context, req protocol.BeginTransactionRequest) (protocol.TransactionView, error) {
	out, err := e.Execute(ctx, BeginRequest{
		Participants: req.Participants,
		Payloads:     req.Payloads,
		ClientKey:    idempotency.KeyFromContext(ctx),
	})
	if err != nil && out.Tx.ID == "" {
		return protocol.TransactionView{}, err
	}
	view := out.Tx.View()
	view.Pending = out.Pending
	return view, err
}

func (e *Engine) GetTransaction(ctx context.Context, req protocol.GetTransactionRequest) (protocol.TransactionView, error) {
	if req.TxID == "" {
		return protocol.TransactionView{}, fmt.Errorf("%w: tx_id is required", common.ErrInvalidArgument)
	}
	tx, err := e.Log.Get(ctx, req.TxID)
	if err != nil {
		return protocol.TransactionView{}, err
	}
	view := tx.View()
	view.Pending = !tx.State.Terminal()
	return view, nil
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if e.Config.InitialBackoff > 0 {
		b.InitialInterval = e.Config.InitialBackoff
	}
	if e.Config.MaxBackoff > 0 {
		b.MaxInterval = e.Config.MaxBackoff
	}
	if e.Config.BackoffMultiplier > 1 {
		b.Multiplier = e.Config.BackoffMultiplier
	}
	return b
}

func (e *Engine) fields(id common.TxID, p common.ParticipantID, v common.Vote) logging.Fields {
	return logging.Fields{TxID: string(id), Participant: string(p), Status: string(v)}
}

var _ protocol.Coordinator = (*Engine)(nil)
