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
	"papertrade/internal/data"
	"papertrade/internal/event"
	"papertrade/internal/logging"
	"papertrade/internal/observability"
	"papertrade/internal/ticker"
)

func main() {
	cfg, err := config.LoadService("tickerd")
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

	logger.Info("starting tickerd",
		zap.String("variant", cfg.Ticker.Variant),
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.ExchangeTopic),
	)

	b, err := bus.NewBus(cfg.Kafka.Brokers, cfg.Kafka.ExchangeTopic, cfg.Kafka.MaxInflight, logger)
	if err != nil {
		logger.Fatal("failed to create bus", zap.Error(err))
	}
	defer b.Close()

	if cfg.Chaos.Enabled {
		b.WithChaos(bus.NewInjector(bus.InjectorConfig{
			Enabled:    true,
			DropPct:    cfg.Chaos.DropPct,
			DelayMsMin: cfg.Chaos.DelayMsMin,
			DelayMsMax: cfg.Chaos.DelayMsMax,
			Seed:       cfg.Chaos.Seed,
		}, logger))
		logger.Warn("chaos injection enabled on emit path")
	}

	var clock *ticker.Clock
	tkr, closeStore, err := buildTicker(cfg, b, &clock, logger)
	if err != nil {
		logger.Fatal("failed to build ticker", zap.Error(err))
	}
	if closeStore != nil {
		defer closeStore()
	}

	worker, err := bus.NewWorker(cfg.Kafka.Brokers, cfg.WorkerQueue("tickerd"), cfg.Kafka.ExchangeTopic, logger)
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}
	defer worker.Close()

	worker.Subscribe(ticker.NewBusHandler(tkr, logger), event.TypeRequestTick, event.TypeRequestStopTick)
	if clock != nil {
		worker.Subscribe(bus.HandlerFunc(clock.OnEvent), event.TypeTimeStep)
	}
	worker.AddRunner("ticker", tkr.Run)

	for _, symbol := range cfg.Ticker.Symbols {
		if err := tkr.Subscribe(symbol); err != nil {
			logger.Error("failed to subscribe configured symbol",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

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

	logger.Info("tickerd stopped")
}

// buildTicker assembles the configured variant. The returned close func,
// when non-nil, releases the replay bar store.
func buildTicker(cfg *config.Config, b *bus.Bus, clock **ticker.Clock, logger *zap.Logger) (ticker.Ticker, func(), error) {
	switch cfg.Ticker.Variant {
	case "live":
		url := cfg.Ticker.FeedURL
		if cfg.Ticker.APIKey != "" {
			url = fmt.Sprintf("%s?token=%s", url, cfg.Ticker.APIKey)
		}
		return ticker.NewLiveTicker(url, b, logger), nil, nil

	case "replay":
		start, end, err := cfg.Replay.ParseWindow()
		if err != nil {
			return nil, nil, err
		}
		candle, err := cfg.Replay.ParseCandleDuration()
		if err != nil {
			return nil, nil, err
		}

		store, err := data.OpenBarStore(cfg.Storage.BarsDB)
		if err != nil {
			return nil, nil, err
		}

		if cfg.Replay.Mode == ticker.ModeStepped {
			*clock = ticker.NewClock()
		}
		ht, err := ticker.NewHistoricalTicker(store, b, ticker.ReplayConfig{
			Start:          start,
			End:            end,
			Candle:         candle,
			TicksPerMinute: cfg.Replay.TicksPerMinute,
			Mode:           cfg.Replay.Mode,
			Seed:           cfg.Replay.Seed,
		}, *clock, logger)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return ht, func() { store.Close() }, nil

	case "random":
		return ticker.NewRandomTicker(b, time.Second, cfg.Chaos.Seed, logger), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown ticker variant: %q", cfg.Ticker.Variant)
	}
}
