package common

import (
	"time"

	"github.com/google/uuid"
)

type TxID string

func NewTxID() TxID {
	return TxID(uuid.NewString())
}

// ParticipantID is the stable name a coordinator uses to address a participant.
type ParticipantID string

const (
	ParticipantOrders   ParticipantID = "orders"
	ParticipantPayments ParticipantID = "payments"
	ParticipantReserve  ParticipantID = "reserve"
)

type TxState string

const (
	TxInit       TxState = "INIT"
	TxPreparing  TxState = "PREPARING"
	TxPrepared   TxState = "PREPARED"
	TxCommitting TxState = "COMMITTING"
	TxCommitted  TxState = "COMMITTED"
	TxAborting   TxState = "ABORTING"
	TxAborted    TxState = "ABORTED"
)

type Vote string

const (
	VotePending Vote = "PENDING"
	VoteYes     Vote = "YES"
	VoteNo      Vote = "NO"
)

// Decision is the global outcome, also used as the local outcome of a finalized
// prepared transaction.
type Decision string

const (
	DecisionCommit Decision = "COMMIT"
	DecisionAbort  Decision = "ABORT"
)

type Deadline struct {
	At time.Time
}

func DeadlineAfter(now time.Time, d time.Duration) Deadline {
	return Deadline{At: now.Add(d)}
}

func (d Deadline) Passed(now time.Time) bool {
	return !d.At.IsZero() && !now.Before(d.At)
}
