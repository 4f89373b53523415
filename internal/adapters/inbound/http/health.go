// Package http provides the inbound HTTP adapters: the engine REST API and
// the health endpoints used by ECS/Kubernetes health checks.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/archon-research/dca/internal/ports/inbound"
)

// RouteRegistrar adds routes to a mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// Logger for the health server
	Logger *slog.Logger

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. Must exceed the engine's swap timeout
	// when the API is served from the same server.
	WriteTimeout time.Duration

	// Routes are additional handlers served next to the health endpoints.
	Routes []RouteRegistrar
}

// HealthServerConfigDefaults returns a config with default values.
func HealthServerConfigDefaults() HealthServerConfig {
	return HealthServerConfig{
		Addr:         ":8080",
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HealthServer serves the health endpoints, plus any extra routes, for
// zero-downtime rolling deployments.
//
// Endpoints:
//   - /health/ready  - Returns 200 only when service is ready (readiness check)
//   - /health/live   - Returns 200 when service is healthy (liveness check)
//   - /health        - Combined health status for monitoring
//
// Once shuttingDown is set every health endpoint returns 503 so the load balancer
// drains the task before it stops.
type HealthServer struct {
	server       *http.Server
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

// NewHealthServer creates a new health server.
func NewHealthServer(config HealthServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *HealthServer {
	defaults := HealthServerConfigDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if shuttingDown == nil {
		shuttingDown = new(atomic.Bool)
	}

	hs := &HealthServer{
		checker:      checker,
		shuttingDown: shuttingDown,
		logger:       config.Logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", hs.handleReady)
	mux.HandleFunc("GET /health/live", hs.handleLive)
	mux.HandleFunc("GET /health", hs.handleHealth)
	for _, r := range config.Routes {
		r.RegisterRoutes(mux)
	}

	hs.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return hs
}

// Handler returns the server's root handler.
func (hs *HealthServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start begins listening for requests.
// This is non-blocking - it starts the server in a goroutine.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Info("starting http server", "addr", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("http server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (hs *HealthServer) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(hs.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hs.checker.IsReady() {
		respondJSON(hs.logger, w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		respondJSON(hs.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

func (hs *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(hs.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hs.checker.IsHealthy() {
		respondJSON(hs.logger, w, http.StatusOK, map[string]string{"status": "healthy"})
	} else {
		respondJSON(hs.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if hs.shuttingDown.Load() {
		respondJSON(hs.logger, w, http.StatusServiceUnavailable, map[string]any{
			"status":       "shutting_down",
			"ready":        false,
			"healthy":      false,
			"shuttingDown": true,
		})
		return
	}

	ready := hs.checker.IsReady()
	healthy := hs.checker.IsHealthy()
	status := "ok"
	statusCode := http.StatusOK
	if !ready || !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	respondJSON(hs.logger, w, statusCode, map[string]any{
		"status":       status,
		"ready":        ready,
		"healthy":      healthy,
		"shuttingDown": false,
	})
}

func respondJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
