package protocol

import "context"

// Participant is the contract every 2PC participant exposes, whether it is
// served in-process, through a worker pool or over gRPC.
type Participant interface {
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResponse, error)
	Commit(ctx context.Context, req CommitRequest) (Ack, error)
	Abort(ctx context.Context, req AbortRequest) (Ack, error)
}

// Coordinator is the client-facing surface of the coordinator.
type Coordinator interface {
	BeginTransaction(ctx context.Context, req BeginTransactionRequest) (TransactionView, error)
	GetTransaction(ctx context.Context, req GetTransactionRequest) (TransactionView, error)
}
