package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"papertrade/internal/bus"
	"papertrade/internal/config"
	"papertrade/internal/event"
	"papertrade/internal/logging"
	"papertrade/internal/observability"
	"papertrade/internal/strategy"
)

func main() {
	cfg, err := config.LoadService("strategyd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting strategyd",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.ExchangeTopic),
	)

	b, err := bus.NewBus(cfg.Kafka.Brokers, cfg.Kafka.ExchangeTopic, cfg.Kafka.MaxInflight, logger)
	if err != nil {
		logger.Fatal("failed to create bus", zap.Error(err))
	}
	defer b.Close()

	runner := strategy.NewRunner(strategy.AlwaysBuy(1), b, logger)

	worker, err := bus.NewWorker(cfg.Kafka.Brokers, cfg.WorkerQueue("strategyd"), cfg.Kafka.ExchangeTopic, logger)
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}
	defer worker.Close()

	worker.Subscribe(runner, event.TypeTick)

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetBusReady(true)
	healthChecker.SetStatsSource(b)

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-workerErrCh:
		logger.Error("worker error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("strategyd stopped")
}
