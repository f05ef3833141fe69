package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/metrics"
	"tx-lab-tpc-go/pkg/participant"
	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/rpc"
	"tx-lab-tpc-go/pkg/tx/common"
)

// Base is what every service starts with.
type Base struct {
	Log  *zap.Logger
	Pool *pgxpool.Pool
	Reg  prometheus.Registerer
}

func Open(ctx context.Context, c config.Common) (*Base, error) {
	log, err := logging.New(c.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	pool, err := pg.Connect(ctx, c.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if c.ApplySchema {
		if err := pg.ApplySchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Base{Log: log, Pool: pool, Reg: prometheus.DefaultRegisterer}, nil
}

func (b *Base) Close() {
	b.Pool.Close()
	_ = b.Log.Sync()
}

func (b *Base) ServerMetrics(service string) *metrics.ServerMetrics {
	return metrics.NewServerMetrics(b.Reg, strings.ReplaceAll(service, "-", "_"))
}

func (b *Base) Ping(ctx context.Context) error { return pg.Ping(ctx, b.Pool) }

// RunParticipant serves one participant over gRPC until ctx is done. With a
// coordinator address it also resolves in-doubt local transactions.
func RunParticipant(ctx context.Context, id common.ParticipantID, c config.Participant) error {
	b, err := Open(ctx, c.Common)
	if err != nil {
		return err
	}
	defer b.Close()

	rt, err := NewParticipantRuntime(b.Pool, id, c, b.Log.Named(string(id)), b.Reg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	var src participant.DecisionSource
	if c.CoordinatorAddr != "" {
		cc, err := rpc.Dial(c.CoordinatorAddr)
		if err != nil {
			return fmt.Errorf("dial coordinator %s: %w", c.CoordinatorAddr, err)
		}
		defer cc.Close()
		src = participant.CoordinatorDecisions{Client: rpc.NewCoordinatorClient(cc)}
	} else {
		b.Log.Warn("no coordinator address, in-doubt recovery disabled")
	}

	srv := rpc.NewServer(b.Log, b.ServerMetrics(c.Service))
	rpc.RegisterParticipant(srv, rt.Served)

	var httpSrv *http.Server
	if c.HTTPPort != "" {
		httpSrv = NewHTTPServer(c.HTTPPort, NewMux(b.Ping, prometheus.DefaultGatherer))
	}
	b.Log.Info("participant starting",
		zap.String("participant", string(id)),
		zap.Bool("async", c.Async),
		zap.Bool("outbox", c.Outbox))
	return Serve(ctx, b.Log, srv, c.Port, httpSrv, rt.Loops(src, c.RecoveryInterval)...)
}
