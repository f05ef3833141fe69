package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/rpc"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type options struct {
	Addr          string
	Scenario      string
	Total         int
	Concurrency   int
	Timeout       time.Duration
	AwaitFinal    bool
	FinalTimeout  time.Duration
	FinalInterval time.Duration
	Customer      string
	SKU           string
	Output        string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bench-runner:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "bench-runner",
		Short:         "drive checkout transactions through the coordinator and report latency",
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Bind(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := options{
				Addr:          v.GetString("coordinator-addr"),
				Scenario:      v.GetString("scenario"),
				Total:         v.GetInt("total"),
				Concurrency:   v.GetInt("concurrency"),
				Timeout:       v.GetDuration("timeout"),
				AwaitFinal:    v.GetBool("await-final"),
				FinalTimeout:  v.GetDuration("final-timeout"),
				FinalInterval: v.GetDuration("final-interval"),
				Customer:      v.GetString("customer"),
				SKU:           v.GetString("sku"),
				Output:        v.GetString("output"),
			}
			if o.Total <= 0 {
				return errors.New("total must be > 0")
			}
			if o.Concurrency <= 0 {
				return errors.New("concurrency must be > 0")
			}
			if _, ok := scenarios[o.Scenario]; !ok {
				return fmt.Errorf("unknown scenario: %s", o.Scenario)
			}
			log, err := logging.New(logging.Config{
				Service: "bench-runner",
				Level:   v.GetString("log-level"),
				Format:  v.GetString("log-format"),
				Output:  "stderr",
			})
			if err != nil {
				return err
			}
			defer log.Sync()
			cmd.SilenceUsage = true
			return run(cmd.Context(), o, log)
		},
	}
	fs := cmd.Flags()
	fs.String("coordinator-addr", "localhost:9090", "coordinator gRPC address")
	fs.String("scenario", "checkout", "scenario to run: checkout|insufficient-funds|mixed|replay")
	fs.Int("total", 1000, "total number of transactions")
	fs.Int("concurrency", 10, "number of concurrent workers")
	fs.Duration("timeout", 10*time.Second, "per-transaction timeout")
	fs.Bool("await-final", false, "poll GetTransaction until a pending transaction is finalized")
	fs.Duration("final-timeout", 30*time.Second, "timeout for final state polling")
	fs.Duration("final-interval", 200*time.Millisecond, "poll interval for final state")
	fs.String("customer", "c-1", "customer and payment account id")
	fs.String("sku", "sku-1", "warehouse item to order")
	fs.String("output", "", "optional output path for JSON result")
	fs.String("log-level", "info", "debug|info|warn|error")
	fs.String("log-format", "console", "json|console")
	return cmd
}

// A scenario builds the i-th checkout. Returning replay=true sends it twice
// under the same idempotency key.
type scenario func(i int, o options) (req app.CheckoutRequest, replay bool)

var scenarios = map[string]scenario{
	"checkout": func(_ int, o options) (app.CheckoutRequest, bool) {
		return checkoutRequest(o, 1200), false
	},
	"insufficient-funds": func(_ int, o options) (app.CheckoutRequest, bool) {
		return checkoutRequest(o, 1<<40), false
	},
	"mixed": func(i int, o options) (app.CheckoutRequest, bool) {
		if i%5 == 4 {
			return checkoutRequest(o, 1<<40), false
		}
		return checkoutRequest(o, 1200), false
	},
	"replay": func(_ int, o options) (app.CheckoutRequest, bool) {
		return checkoutRequest(o, 1200), true
	},
}

func checkoutRequest(o options, total int64) app.CheckoutRequest {
	return app.CheckoutRequest{
		OrderID:    uuid.NewString(),
		CustomerID: o.Customer,
		Items:      []protocol.LineItem{{ProductID: o.SKU, Quantity: 1}},
		Total:      total,
		Delivery:   protocol.Delivery{Address: "bench"},
	}
}

func run(ctx context.Context, o options, log *zap.Logger) error {
	cc, err := rpc.Dial(o.Addr)
	if err != nil {
		return err
	}
	defer cc.Close()
	client := rpc.NewCoordinatorClient(cc)
	build := scenarios[o.Scenario]

	tasks := make(chan int)
	var wg sync.WaitGroup
	var done atomic.Int64
	m := newMetrics()

	log.Info("bench starting",
		zap.String("scenario", o.Scenario),
		zap.Int("total", o.Total),
		zap.Int("concurrency", o.Concurrency))

	start := time.Now()
	for w := 0; w < o.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				req, replay := build(i, o)
				runTransaction(ctx, client, o, req, replay, m)
				if n := done.Add(1); n%int64(max(o.Total/10, 1)) == 0 {
					log.Debug("progress", zap.Int64("done", n))
				}
			}
		}()
	}
	for i := 0; i < o.Total; i++ {
		tasks <- i
	}
	close(tasks)
	wg.Wait()

	result := m.result(time.Since(start))
	result.CoordinatorAddr = o.Addr
	result.Scenario = o.Scenario
	result.Transactions = o.Total
	result.Concurrency = o.Concurrency

	log.Info("bench finished",
		zap.Int("committed", result.Committed),
		zap.Int("aborted", result.Aborted),
		zap.Int("pending", result.Pending),
		zap.Int("errors", result.ErrorRequests),
		zap.Float64("p99_ms", result.P99LatencyMs))

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if o.Output != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.Output, data, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func runTransaction(ctx context.Context, client protocol.Coordinator, o options, req app.CheckoutRequest, replay bool, m *metrics) {
	begin, err := app.CheckoutPayloads(req)
	if err != nil {
		m.recordTransaction(0, "", false, err)
		return
	}
	key := uuid.NewString()
	start := time.Now()
	view, err := beginOnce(ctx, client, o.Timeout, key, begin)
	if err == nil && replay {
		var again protocol.TransactionView
		again, err = beginOnce(ctx, client, o.Timeout, key, begin)
		if err == nil && again.TxID != view.TxID {
			err = fmt.Errorf("replay of key %s started %s, first attempt was %s", key, again.TxID, view.TxID)
		}
	}
	m.recordTransaction(time.Since(start), view.State, view.Pending, err)
	if err != nil || !o.AwaitFinal || (view.State.Terminal() && !view.Pending) {
		return
	}
	latency, reached := waitForFinal(ctx, client, view, o.FinalTimeout, o.FinalInterval)
	m.recordFinal(latency, reached)
}

func beginOnce(ctx context.Context, client protocol.Coordinator, timeout time.Duration, key string, req protocol.BeginTransactionRequest) (protocol.TransactionView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.BeginTransaction(idempotency.WithKey(ctx, key), req)
}

func waitForFinal(ctx context.Context, client protocol.Coordinator, view protocol.TransactionView, timeout, interval time.Duration) (time.Duration, bool) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return time.Since(start), false
		case <-ticker.C:
		}
		got, err := client.GetTransaction(ctx, protocol.GetTransactionRequest{TxID: view.TxID})
		if err == nil && got.State.Terminal() && !got.Pending {
			return time.Since(start), true
		}
	}
}
