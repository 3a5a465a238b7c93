// Package core wires the OTA client components and owns their lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
	"github.com/e7canasta/orion-care-sensor/ota/internal/config"
	"github.com/e7canasta/orion-care-sensor/ota/internal/jobs"
	"github.com/e7canasta/orion-care-sensor/ota/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/ota/internal/mqttengine"
	"github.com/e7canasta/orion-care-sensor/ota/internal/router"
)

// otaQoS is used for every OTA publish and subscription.
const otaQoS byte = 1

// Service is the OTA client orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	engine     Engine
	routes     *bridge.Routes
	bridge     *bridge.Bridge
	pool       *bufpool.Pool
	sink       *agent.FileSink
	agent      *agent.Agent
	flags      *jobs.Flags
	dispatcher *jobs.Dispatcher
	router     *router.Router
	metrics    *metrics.Registry
	health     *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	agentDone chan error
	cancelCtx context.CancelFunc
}

// NewService creates a new OTA client from the configuration file at configPath
func NewService(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"thing_name", cfg.ThingName,
		"broker", cfg.MQTT.Broker,
	)

	routes := bridge.NewRoutes(cfg.MQTT.MaxSubscriptions)
	engine := mqttengine.New(mqttengine.Config{
		Broker:    cfg.MQTT.Broker,
		ClientID:  cfg.MQTT.ClientID,
		KeepAlive: cfg.KeepAlive(),
		QueueSize: cfg.MQTT.CommandQueue,
	}, dispatchInbound(routes))

	return newService(cfg, routes, engine, os.Stdout)
}

// dispatchInbound hands engine deliveries to the routing table.
func dispatchInbound(routes *bridge.Routes) bridge.Handler {
	return func(msg *bridge.Message) {
		if routes.Dispatch(msg) == 0 {
			slog.Debug("no subscription matches inbound publish", "topic", msg.Topic)
		}
	}
}

func newService(cfg *config.Config, routes *bridge.Routes, engine Engine, console io.Writer) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		engine: engine,
		routes: routes,
		flags:  &jobs.Flags{},
		sink:   agent.NewFileSink(cfg.OTA.ImagePath),
	}

	s.bridge = bridge.New(engine, routes, bridge.Config{Timeout: cfg.CommandTimeout()})

	s.pool = bufpool.New(bufpool.Config{
		Capacity:    cfg.OTA.Buffers,
		BufferSize:  cfg.MaxPayload(),
		LockTimeout: cfg.LockTimeout(),
	})

	s.dispatcher = jobs.NewDispatcher(s.bridge, s.bridge, s.flags, jobs.Config{
		ThingName: cfg.ThingName,
		Console:   console,
		QoS:       otaQoS,
	})

	// The router needs the agent, and the agent's subscriptions need the router.
	t := &transport{
		thing:   cfg.ThingName,
		bridge:  s.bridge,
		handler: func(msg *bridge.Message) { s.router.HandlePublish(msg) },
	}

	s.agent = agent.New(t, s.sink, s.onJobEvent, agent.Config{
		ThingName:  cfg.ThingName,
		AppVersion: cfg.OTA.AppVersion,
		BlockSize:  cfg.BlockSize(),
		QueueSize:  cfg.OTA.EventQueue,
		QoS:        otaQoS,

		// A window larger than the pool would overrun it on every request.
		BlocksPerRequest:  min(cfg.OTA.BlocksPerRequest, cfg.OTA.Buffers),
		RequestTimeout:    cfg.RequestTimeout(),
		MaxRequestRetries: cfg.OTA.MaxRequestRetries,
	})

	s.router = router.New(s.pool, s.agent, s.dispatcher, router.Config{
		ThingName:      cfg.ThingName,
		MaxPayload:     cfg.MaxPayload(),
		MaxJobDocument: cfg.Jobs.DocMaxLen,
	})

	src := metrics.Sources{
		Pool:       s.pool.Stats,
		Bridge:     s.bridge.Stats,
		Router:     s.router.Stats,
		Agent:      s.agent.Stats,
		AgentState: s.agent.State,
		Dispatcher: s.dispatcher.Stats,
	}
	if e, ok := engine.(*mqttengine.Engine); ok {
		src.Engine = e.Stats
	}
	reg, err := metrics.New(src)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.metrics = reg

	return s, nil
}

// Run starts the OTA client and blocks until the context is cancelled, the
// update engine stops, or a job requests exit
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("ota client starting",
		"thing_name", s.cfg.ThingName,
		"app_version", s.cfg.OTA.AppVersion,
	)

	if err := s.engine.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// The agent outlives ctx so Shutdown can still unsubscribe through it.
	agentCtx, agentCancel := context.WithCancel(context.Background())
	agentDone := make(chan error, 1)
	s.mu.Lock()
	s.agentDone = agentDone
	s.cancelCtx = agentCancel
	s.mu.Unlock()

	go func() {
		agentDone <- s.agent.Run(agentCtx)
		close(agentDone)
	}()

	if !s.agent.SignalEvent(agent.Event{ID: agent.EventStart}) {
		return fmt.Errorf("failed to start ota agent: event queue full")
	}

	reportDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(reportDone)
		s.reportStats(ctx)
	}()

	slog.Info("ota client running",
		"buffers", s.pool.Capacity(),
		"buffer_size", s.pool.BufferSize(),
	)

	select {
	case <-ctx.Done():
	case <-reportDone:
	case err := <-agentDone:
		if err != nil {
			slog.Warn("ota agent stopped", "error", err)
		}
	}

	slog.Info("ota client run loop exiting",
		"exit_requested", s.flags.ExitRequested(),
		"error_encountered", s.flags.ErrorEncountered(),
	)
	return nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	agentDone := s.agentDone
	cancelAgent := s.cancelCtx
	health := s.health
	s.mu.Unlock()

	slog.Info("shutting down ota client")

	// 1. Stop the update engine while the bridge can still unsubscribe
	if agentDone != nil {
		if s.agent.State() != agent.StateStopped {
			s.agent.Shutdown()
		}
		select {
		case <-agentDone:
		case <-ctx.Done():
			slog.Warn("ota agent did not stop in time", "error", ctx.Err())
		}
		cancelAgent()
	}

	// 2. Close the bridge and the MQTT engine
	if err := s.bridge.Terminate(); err != nil {
		slog.Error("failed to terminate mqtt bridge", "error", err)
	}

	// 3. Stop the health server
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	// 4. Wait for goroutines to finish; pending custom jobs fail fast on the closed bridge
	s.router.Wait()
	s.wg.Wait()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	stats := s.agent.Stats()
	slog.Info("ota client shutdown complete",
		"uptime", uptime,
		"packets_processed", stats.Processed,
		"packets_dropped", stats.Dropped,
	)

	if s.flags.ErrorEncountered() {
		return errors.New("ota client stopped after a job error")
	}
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// HealthAddr returns the configured health server listen address
func (s *Service) HealthAddr() string {
	return s.cfg.Health.Addr
}
