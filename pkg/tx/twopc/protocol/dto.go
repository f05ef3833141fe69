package protocol

import (
	"encoding/json"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
)

type PrepareRequest struct {
	TxID        common.TxID          `json:"tx_id"`
	Participant common.ParticipantID `json:"participant"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
}

type PrepareResponse struct {
	TxID          common.TxID          `json:"tx_id"`
	Participant   common.ParticipantID `json:"participant"`
	Vote          common.Vote          `json:"vote"`
	PreparedToken string               `json:"prepared_token,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

func (r PrepareResponse) Yes() bool {
	return r.Vote == common.VoteYes && r.PreparedToken != ""
}

// CommitRequest and AbortRequest may omit PreparedToken; the participant then
// resolves its local transaction by TxID.
type CommitRequest struct {
	TxID          common.TxID          `json:"tx_id"`
	Participant   common.ParticipantID `json:"participant"`
	PreparedToken string               `json:"prepared_token,omitempty"`
}

type AbortRequest struct {
	TxID          common.TxID          `json:"tx_id"`
	Participant   common.ParticipantID `json:"participant"`
	PreparedToken string               `json:"prepared_token,omitempty"`
}

type Ack struct {
	TxID             common.TxID          `json:"tx_id"`
	Participant      common.ParticipantID `json:"participant"`
	Outcome          common.Decision      `json:"outcome"`
	AlreadyFinalized bool                 `json:"already_finalized,omitempty"`
}

type BeginTransactionRequest struct {
	Participants []common.ParticipantID                   `json:"participants"`
	Payloads     map[common.ParticipantID]json.RawMessage `json:"payloads,omitempty"`
}

type GetTransactionRequest struct {
	TxID common.TxID `json:"tx_id"`
}

type VoteView struct {
	Participant   common.ParticipantID `json:"participant"`
	Vote          common.Vote          `json:"vote"`
	PreparedToken string               `json:"prepared_token,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Acked         bool                 `json:"acked"`
}

type TransactionView struct {
	TxID       common.TxID    `json:"tx_id"`
	State      common.TxState `json:"state"`
	Votes      []VoteView     `json:"votes"`
	Pending    bool           `json:"pending,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeadlineAt time.Time      `json:"deadline_at"`
}
