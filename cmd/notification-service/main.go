package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/internal/notification"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/kafka"
)

func main() {
	ctx := app.WithSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "notification-service:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "notification-service",
		Short:         "consumes committed-transaction events and records one notification per event",
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Bind(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadCommon(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return run(cmd.Context(), cfg, v.GetString("kafka-group-id"))
		},
	}
	fs := cmd.Flags()
	config.AddCommonFlags(fs, "notification-service", "9093")
	fs.String("kafka-group-id", "notification-service", "consumer group")
	return cmd
}

func run(ctx context.Context, cfg config.Common, group string) error {
	client := kafka.NewClient(cfg.KafkaBrokers)
	if !client.Enabled() {
		return errors.New("KAFKA_BROKERS is required")
	}
	b, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	topic := cfg.KafkaTopic
	if topic == "" {
		topic = kafka.DefaultTopic
	}
	reader := client.NewReader(topic, group)
	defer reader.Close()
	handler := notification.NewPostgres(b.Pool, idempotency.NewPostgres(b.Pool, 0), b.Log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Log.Info("consuming", zap.String("topic", topic), zap.String("group", group))
		err := kafka.Consume(ctx, reader, b.Log, handler.Handle)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if cfg.HTTPPort != "" {
		srv := app.NewHTTPServer(cfg.HTTPPort, app.NewMux(b.Ping, prometheus.DefaultGatherer))
		g.Go(func() error {
			b.Log.Info("http listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}
