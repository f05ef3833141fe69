package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type ParticipantVote struct {
	Participant   common.ParticipantID `json:"participant"`
	Vote          common.Vote          `json:"vote"`
	PreparedToken string               `json:"prepared_token,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Acked         bool                 `json:"acked"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// GlobalTransaction is the coordinator's durable record.
type GlobalTransaction struct {
	ID           common.TxID
	State        common.TxState
	Participants []common.ParticipantID // in request order
	Payloads     map[common.ParticipantID]json.RawMessage
	Votes        map[common.ParticipantID]ParticipantVote
	ClientKey    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadlineAt   time.Time
}

func (t GlobalTransaction) AllVoted(v common.Vote) bool {
	for _, p := range t.Participants {
		if t.Votes[p].Vote != v {
			return false
		}
	}
	return true
}

func (t GlobalTransaction) Pending() []common.ParticipantID {
	var out []common.ParticipantID
	for _, p := range t.Participants {
		if t.Votes[p].Vote == common.VotePending {
			out = append(out, p)
		}
	}
	return out
}

func (t GlobalTransaction) Unacked() []common.ParticipantID {
	var out []common.ParticipantID
	for _, p := range t.Participants {
		if !t.Votes[p].Acked {
			out = append(out, p)
		}
	}
	return out
}

func (t GlobalTransaction) View() protocol.TransactionView {
	v := protocol.TransactionView{
		TxID:       t.ID,
		State:      t.State,
		Votes:      make([]protocol.VoteView, 0, len(t.Participants)),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		DeadlineAt: t.DeadlineAt,
	}
	for _, p := range t.Participants {
		pv := t.Votes[p]
		v.Votes = append(v.Votes, protocol.VoteView{
			Participant:   p,
			Vote:          pv.Vote,
			PreparedToken: pv.PreparedToken,
			Reason:        pv.Reason,
			Acked:         pv.Acked,
		})
	}
	return v
}

func (t GlobalTransaction) clone() GlobalTransaction {
	out := t
	out.Participants = append([]common.ParticipantID(nil), t.Participants...)
	out.Payloads = make(map[common.ParticipantID]json.RawMessage, len(t.Payloads))
	for k, v := range t.Payloads {
		out.Payloads[k] = append(json.RawMessage(nil), v...)
	}
	out.Votes = make(map[common.ParticipantID]ParticipantVote, len(t.Votes))
	for k, v := range t.Votes {
		out.Votes[k] = v
	}
	return out
}

// TxLogStore persists global transactions. Every mutation runs under a
// per-transaction exclusive lock, so one writer at a time moves a record.
type TxLogStore interface {
	// Create stores tx in INIT. When tx.ClientKey was seen before it returns
	// the existing transaction and created=false.
	Create(ctx context.Context, tx GlobalTransaction) (stored GlobalTransaction, created bool, err error)
	Get(ctx context.Context, id common.TxID) (GlobalTransaction, error)
	// Transition moves the state forward. Moving to the current state is a no-op.
	Transition(ctx context.Context, id common.TxID, to common.TxState) (GlobalTransaction, error)
	// RecordVote stores a participant's vote; each participant votes once.
	RecordVote(ctx context.Context, id common.TxID, vote ParticipantVote) (GlobalTransaction, error)
	MarkAcked(ctx context.Context, id common.TxID, participant common.ParticipantID) (GlobalTransaction, error)
	// ListStuck returns non-terminal transactions whose deadline is at or before now.
	ListStuck(ctx context.Context, now time.Time, limit int) ([]GlobalTransaction, error)
}

// checkTransition guards the state machine and the conditions attached to
// some edges; stores call it while holding the transaction lock.
func checkTransition(tx GlobalTransaction, to common.TxState) error {
	if !common.CanTransition(tx.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", common.ErrIllegalTransition, tx.ID, tx.State, to)
	}
	switch to {
	case common.TxPrepared:
		if !tx.AllVoted(common.VoteYes) {
			return fmt.Errorf("%w: %s cannot become PREPARED without unanimous YES", common.ErrIllegalTransition, tx.ID)
		}
	case common.TxCommitted, common.TxAborted:
		if un := tx.Unacked(); len(un) > 0 {
			return fmt.Errorf("%w: %s still waits for %v", common.ErrIllegalTransition, tx.ID, un)
		}
	}
	return nil
}

func checkVote(tx GlobalTransaction, v ParticipantVote) (changed bool, err error) {
	cur, ok := tx.Votes[v.Participant]
	if !ok {
		return false, fmt.Errorf("%w: %s is not a participant of %s", common.ErrInvalidArgument, v.Participant, tx.ID)
	}
	if v.Vote != common.VoteYes && v.Vote != common.VoteNo {
		return false, fmt.Errorf("%w: vote %q", common.ErrInvalidArgument, v.Vote)
	}
	if v.Vote == common.VoteYes && v.PreparedToken == "" {
		return false, fmt.Errorf("%w: YES vote without prepared token", common.ErrInvalidArgument)
	}
	if cur.Vote != common.VotePending {
		if cur.Vote == v.Vote && cur.PreparedToken == v.PreparedToken {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s already voted %s on %s", common.ErrIllegalTransition, v.Participant, cur.Vote, tx.ID)
	}
	if tx.State != common.TxPreparing {
		return false, fmt.Errorf("%w: %s is %s, votes are closed", common.ErrIllegalTransition, tx.ID, tx.State)
	}
	return true, nil
}

func checkAck(tx GlobalTransaction, p common.ParticipantID) (changed bool, err error) {
	cur, ok := tx.Votes[p]
	if !ok {
		return false, fmt.Errorf("%w: %s is not a participant of %s", common.ErrInvalidArgument, p, tx.ID)
	}
	if cur.Acked {
		return false, nil
	}
	if tx.State != common.TxCommitting && tx.State != common.TxAborting {
		return false, fmt.Errorf("%w: ack on %s in state %s", common.ErrIllegalTransition, tx.ID, tx.State)
	}
	return true, nil
}
