package rpc

import (
	"context"

	"google.golang.org/grpc"

	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

const (
	ParticipantService = "tpc.v1.Participant"
	CoordinatorService = "tpc.v1.Coordinator"
)

func unary[S, Req, Resp any](fullMethod string, fn func(S, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			out, err := fn(srv.(S), ctx, *req.(*Req))
			if err != nil {
				return nil, ToStatus(err)
			}
			return &out, nil
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
	}
}

var participantDesc = grpc.ServiceDesc{
	ServiceName: ParticipantService,
	HandlerType: (*protocol.Participant)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: unary("/"+ParticipantService+"/Prepare", protocol.Participant.Prepare)},
		{MethodName: "Commit", Handler: unary("/"+ParticipantService+"/Commit", protocol.Participant.Commit)},
		{MethodName: "Abort", Handler: unary("/"+ParticipantService+"/Abort", protocol.Participant.Abort)},
	},
	Metadata: "tpc/v1/participant",
}

var coordinatorDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorService,
	HandlerType: (*protocol.Coordinator)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BeginTransaction", Handler: unary("/"+CoordinatorService+"/BeginTransaction", protocol.Coordinator.BeginTransaction)},
		{MethodName: "GetTransaction", Handler: unary("/"+CoordinatorService+"/GetTransaction", protocol.Coordinator.GetTransaction)},
	},
	Metadata: "tpc/v1/coordinator",
}

func RegisterParticipant(s grpc.ServiceRegistrar, p protocol.Participant) {
	s.RegisterService(&participantDesc, p)
}

func RegisterCoordinator(s grpc.ServiceRegistrar, c protocol.Coordinator) {
	s.RegisterService(&coordinatorDesc, c)
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req Req) (Resp, error) {
	var out Resp
	err := cc.Invoke(ctx, method, &req, &out, grpc.CallContentSubtype(CodecName))
	return out, FromStatus(err)
}

// ParticipantClient is a remote protocol.Participant.
type ParticipantClient struct {
	cc grpc.ClientConnInterface
}

func NewParticipantClient(cc grpc.ClientConnInterface) *ParticipantClient {
	return &ParticipantClient{cc: cc}
}

func (c *ParticipantClient) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	return invoke[protocol.PrepareRequest, protocol.PrepareResponse](ctx, c.cc, "/"+ParticipantService+"/Prepare", req)
}

func (c *ParticipantClient) Commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	return invoke[protocol.CommitRequest, protocol.Ack](ctx, c.cc, "/"+ParticipantService+"/Commit", req)
}

func (c *ParticipantClient) Abort(ctx context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	return invoke[protocol.AbortRequest, protocol.Ack](ctx, c.cc, "/"+ParticipantService+"/Abort", req)
}

// CoordinatorClient is a remote protocol.Coordinator. Use
// idempotency.WithKey on ctx to make BeginTransaction retry-safe.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func (c *CoordinatorClient) BeginTransaction(ctx context.Context, req protocol.BeginTransactionRequest) (protocol.TransactionView, error) {
	return invoke[protocol.BeginTransactionRequest, protocol.TransactionView](ctx, c.cc, "/"+CoordinatorService+"/BeginTransaction", req)
}

func (c *CoordinatorClient) GetTransaction(ctx context.Context, req protocol.GetTransactionRequest) (protocol.TransactionView, error) {
	return invoke[protocol.GetTransactionRequest, protocol.TransactionView](ctx, c.cc, "/"+CoordinatorService+"/GetTransaction", req)
}

var (
	_ protocol.Participant = (*ParticipantClient)(nil)
	_ protocol.Coordinator = (*CoordinatorClient)(nil)
)
