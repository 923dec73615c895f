// Package observability exposes service health over gRPC and HTTP.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"papertrade/internal/bus"
)

// StatsSource reports transport counters for the health payload.
type StatsSource interface {
	Stats() bus.Stats
}

// HealthChecker serves readiness for both gRPC and HTTP probes. A service
// is healthy once running and, if it talks to the bus, once the bus
// connection is up; /healthz additionally reports the producer counters.
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	busReady   bool
	usesBus    bool
	stats      StatsSource
}

// healthzPayload is the /healthz response body.
type healthzPayload struct {
	Status string     `json:"status"`
	Bus    *busHealth `json:"bus,omitempty"`
}

type busHealth struct {
	Ready bool       `json:"ready"`
	Stats *bus.Stats `json:"stats,omitempty"`
}

// NewHealthChecker creates a health checker that starts ready.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server.
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTPServer serves /healthz on addr. Blocks until shutdown.
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown flips to not-serving and stops the HTTP server.
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetBusReady reports whether the bus connection is up.
func (h *HealthChecker) SetBusReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busReady = ready
	h.usesBus = true
}

// SetStatsSource attaches the bus producer counters to the /healthz body.
func (h *HealthChecker) SetStatsSource(src StatsSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = src
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	busReady := h.busReady
	usesBus := h.usesBus
	src := h.stats
	h.mu.RUnlock()

	payload := healthzPayload{Status: "ok"}
	if usesBus {
		payload.Bus = &busHealth{Ready: busReady}
		if src != nil {
			stats := src.Stats()
			payload.Bus.Stats = &stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready || (usesBus && !busReady) {
		payload.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
