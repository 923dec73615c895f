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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"papertrade/internal/account"
	"papertrade/internal/bus"
	"papertrade/internal/config"
	"papertrade/internal/event"
	"papertrade/internal/logging"
	"papertrade/internal/observability"
)

func main() {
	cfg, err := config.LoadService("accountd")
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

	openingCash, err := decimal.NewFromString(cfg.Account.OpeningCash)
	if err != nil {
		logger.Fatal("invalid opening cash", zap.String("value", cfg.Account.OpeningCash), zap.Error(err))
	}

	logger.Info("starting accountd",
		zap.String("opening_cash", openingCash.String()),
		zap.String("service_queue", cfg.Account.ServiceQueue),
	)

	ledger := account.New(openingCash)
	svc := account.NewService(ledger, logger)

	rpcServer, err := bus.NewServer(cfg.Kafka.Brokers, cfg.Account.ServiceQueue, logger)
	if err != nil {
		logger.Fatal("failed to create rpc server", zap.Error(err))
	}
	defer rpcServer.Close()
	svc.RegisterRoutes(rpcServer)

	worker, err := bus.NewWorker(cfg.Kafka.Brokers, cfg.WorkerQueue("accountd"), cfg.Kafka.ExchangeTopic, logger)
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}
	defer worker.Close()

	worker.Subscribe(bus.HandlerFunc(svc.OnEvent), event.TypeOrderStatus)

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetBusReady(true)

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

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Run(ctx)
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
	case err := <-rpcErrCh:
		logger.Error("rpc server error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("accountd stopped")
}
