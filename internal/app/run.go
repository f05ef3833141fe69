package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// WithSignalCancel cancels ctx on SIGINT or SIGTERM.
func WithSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// Serve runs the gRPC server, the optional HTTP server and the background
// loops until ctx is done or one of the servers fails.
func Serve(ctx context.Context, log *zap.Logger, grpcSrv *grpc.Server, grpcPort string, httpSrv *http.Server, loops ...func(context.Context)) error {
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		return grpcSrv.Serve(lis)
	})
	if httpSrv != nil {
		g.Go(func() error {
			log.Info("http listening", zap.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	for _, loop := range loops {
		g.Go(func() error {
			loop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		grpcSrv.GracefulStop()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}
