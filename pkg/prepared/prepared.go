// Package prepared manages participant-local transactions that are staged,
// made durable with PREPARE TRANSACTION and later committed or rolled back
// on the coordinator's decision.
package prepared

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"tx-lab-tpc-go/pkg/tx/common"
)

var tracer = otel.Tracer("tx-lab-tpc-go/prepared")

// Token names a prepared local transaction. It doubles as the Postgres gid.
type Token string

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusPrepared  Status = "PREPARED"
	StatusFinalized Status = "FINALIZED"
)

type LocalTransaction struct {
	Token       Token
	Participant common.ParticipantID
	GlobalTxID  common.TxID
	Status      Status
	Outcome     common.Decision // set once FINALIZED
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Result of a finalize call. AlreadyFinalized is set for duplicate calls.
type Result struct {
	LocalTransaction
	AlreadyFinalized bool
}

// Tx is handed to a StageFunc. Postgres transactions also implement
// pg.Querier, in-memory ones implement KV.
type Tx interface {
	Token() Token
	GlobalTxID() common.TxID
}

type StageFunc func(ctx context.Context, tx Tx) error

type Manager interface {
	// BeginPrepared opens a local transaction and runs stage inside it.
	BeginPrepared(ctx context.Context, globalTxID common.TxID, stage StageFunc) (LocalTransaction, error)
	// Prepare makes the staged work durable and survives restarts.
	Prepare(ctx context.Context, token Token) (LocalTransaction, error)
	CommitPrepared(ctx context.Context, token Token) (Result, error)
	AbortPrepared(ctx context.Context, token Token) (Result, error)
	Get(ctx context.Context, token Token) (LocalTransaction, error)
	FindByGlobalTx(ctx context.Context, globalTxID common.TxID) (LocalTransaction, error)
	// ListInDoubt returns OPEN and PREPARED transactions not being staged right now.
	ListInDoubt(ctx context.Context) ([]LocalTransaction, error)
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,200}$`)

// NewToken derives the token for one participant's share of a global transaction.
func NewToken(participant common.ParticipantID, globalTxID common.TxID) (Token, error) {
	if participant == "" || globalTxID == "" {
		return "", fmt.Errorf("%w: participant and global tx id are required", common.ErrInvalidArgument)
	}
	tok := Token(string(participant) + "." + string(globalTxID))
	if err := tok.Validate(); err != nil {
		return "", err
	}
	return tok, nil
}

func (t Token) Validate() error {
	if !tokenPattern.MatchString(string(t)) {
		return fmt.Errorf("%w: prepared token %q", common.ErrInvalidArgument, string(t))
	}
	return nil
}

// literal renders the token as an SQL string literal for the PREPARE family,
// which does not accept bind parameters.
func (t Token) literal() string {
	return "'" + strings.ReplaceAll(string(t), "'", "''") + "'"
}

var (
	_ Manager = (*Postgres)(nil)
	_ Manager = (*Memory)(nil)
)
