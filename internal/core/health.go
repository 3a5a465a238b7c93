package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
)

// HealthStatus represents the health state of the OTA client
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	ThingName     string `json:"thing_name"`
	AppVersion    string `json:"app_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
	AgentState    string `json:"agent_state"`
	BuffersInUse  int    `json:"buffers_in_use"`
	BuffersTotal  int    `json:"buffers_total"`
	JobsHandled   uint64 `json:"jobs_handled"`
	ExitRequested bool   `json:"exit_requested"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	pool := s.pool.Stats()
	state := s.agent.State()

	status := HealthStatus{
		Status:        "healthy",
		ThingName:     s.cfg.ThingName,
		AppVersion:    s.cfg.OTA.AppVersion,
		MQTTConnected: s.engine.Connected() && !s.bridge.Closed(),
		AgentState:    state.String(),
		BuffersInUse:  pool.InUse,
		BuffersTotal:  pool.Capacity,
		JobsHandled:   s.dispatcher.Stats().Dispatched,
		ExitRequested: s.flags.ExitRequested(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	// Determine overall health status
	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.MQTTConnected || state == agent.StateStopped:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 503 while the service is not running
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// Handler returns the health check mux
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// StartHealthServer starts the HTTP health check server on addr
// This runs in a separate goroutine and does not block
func (s *Service) StartHealthServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.health = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
