package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/participant"
	"tx-lab-tpc-go/pkg/rpc"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/coordinator"
)

func main() {
	ctx := app.WithSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "order-service:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "order-service",
		Short:         "transaction coordinator and orders participant",
		SilenceErrors: true,
		Example: `
  # coordinator with remote payments and reserve participants
  DATABASE_URL=postgres://localhost/orders order-service \
    --payments-addr payments:9091 --reserve-addr reserve:9092

  # mark a participant acknowledged after fixing its data by hand
  order-service resolve 2f0c... payments
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Bind(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadCoordinator(v)
			if err != nil {
				return err
			}
			pcfg, err := config.LoadParticipant(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg, pcfg)
		},
	}
	fs := cmd.PersistentFlags()
	config.AddCommonFlags(fs, "order-service", "9090")
	config.AddCoordinatorFlags(fs)
	config.AddParticipantFlags(fs)
	cmd.AddCommand(newResolveCommand(v))
	return cmd
}

func serve(ctx context.Context, cfg config.Coordinator, pcfg config.Participant) error {
	b, err := app.Open(ctx, cfg.Common)
	if err != nil {
		return err
	}
	defer b.Close()

	orders, err := app.NewParticipantRuntime(b.Pool, common.ParticipantOrders, pcfg, b.Log.Named("orders"), b.Reg)
	if err != nil {
		return err
	}
	defer orders.Close(context.WithoutCancel(ctx))

	remotes, err := app.DialRemotes(map[common.ParticipantID]string{
		common.ParticipantPayments: cfg.PaymentsAddr,
		common.ParticipantReserve:  cfg.ReserveAddr,
	})
	if err != nil {
		return err
	}
	defer remotes.Close()
	participants := remotes.Participants
	participants[common.ParticipantOrders] = orders.Served

	co := app.NewPostgresCoordinator(b.Pool, participants, cfg, b.Log.Named("coordinator"), b.Reg)

	srv := rpc.NewServer(b.Log, b.ServerMetrics(cfg.Service))
	rpc.RegisterCoordinator(srv, co.Engine)
	rpc.RegisterParticipant(srv, orders.Served)

	var httpSrv *http.Server
	if cfg.HTTPPort != "" {
		mux := app.NewMux(b.Ping, prometheus.DefaultGatherer)
		mux.Handle("/checkout", app.CheckoutHandler(co.Engine, cfg.TxDeadline))
		httpSrv = app.NewHTTPServer(cfg.HTTPPort, mux)
	}

	// the local orders participant asks this very coordinator
	loops := orders.Loops(participant.CoordinatorDecisions{Client: co.Engine}, pcfg.RecoveryInterval)
	loops = append(loops, co.Sweeper.Run)

	b.Log.Info("coordinator starting",
		zap.Int("participants", len(participants)),
		zap.Duration("prepare_timeout", cfg.PrepareTimeout),
		zap.Duration("tx_deadline", cfg.TxDeadline))
	return app.Serve(ctx, b.Log, srv, cfg.Port, httpSrv, loops...)
}

func newResolveCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve TX_ID PARTICIPANT",
		Short: "acknowledge a participant of a decided transaction by hand",
		Long: `resolve records the participant as acknowledged without calling it. Use it
only after the participant's local data was reconciled with the decision,
for example after a corrupt-state report. The decision itself never changes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCommon(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			b, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			engine := coordinator.New(coordinator.NewPostgresLog(b.Pool), nil, coordinator.WithLogger(b.Log))
			tx, err := engine.Resolve(cmd.Context(), common.TxID(args[0]), common.ParticipantID(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s, waiting for %v\n", tx.ID, tx.State, tx.Unacked())
			return nil
		},
	}
}
