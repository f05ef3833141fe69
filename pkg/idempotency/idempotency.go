package idempotency

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"tx-lab-tpc-go/pkg/tx/common"
)

// Header carries the client's request key on BeginTransaction calls.
const Header = "idempotency-key"

type ctxKey struct{}

// KeyFromContext returns the request key set by WithKey in this process,
// falling back to the key sent by a remote caller.
func KeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(Header) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// WithKey attaches a request key to ctx for in-process callers and to the
// outgoing gRPC metadata for remote ones.
func WithKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, ctxKey{}, key)
	return metadata.AppendToOutgoingContext(ctx, Header, key)
}

type Kind string

const (
	KindPrepare Kind = "prepare"
	KindCommit  Kind = "commit"
	KindAbort   Kind = "abort"
	KindPublish Kind = "publish"
	KindBegin   Kind = "begin"
	KindConsume Kind = "consume"
)

// Key identifies one logical operation of one participant.
type Key struct {
	Participant string
	Scope       string // global tx id, client request key or event id
	Kind        Kind
}

func TxKey(p common.ParticipantID, tx common.TxID, kind Kind) Key {
	return Key{Participant: string(p), Scope: string(tx), Kind: kind}
}

func (k Key) String() string {
	return k.Scope + ":" + string(k.Kind)
}
