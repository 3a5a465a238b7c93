// Package mqttengine adapts a paho MQTT client to bridge.Engine.
//
// Submit hands the command to paho and returns at once. A goroutine per accepted
// command waits on the paho token and reports the outcome through cmd.Done. The
// number of commands in flight is bounded; Submit rejects instead of queueing
// without limit.
//
// Inbound publishes arrive on paho's default publish handler, which forwards them
// to the handler given to New.
package mqttengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

var (
	ErrNotConnected = errors.New("mqtt not connected")
	ErrQueueFull    = errors.New("mqtt command queue full")
	ErrBadCommand   = errors.New("malformed mqtt command")
	ErrTerminated   = errors.New("mqtt engine terminated")
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultQueueSize      = 10
	disconnectQuiesceMS   = 250
)

// Config configures an Engine.
type Config struct {
	// Broker is "host:port" or a full URL ("ssl://host:8883").
	Broker   string
	ClientID string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// QueueSize bounds the commands in flight (default 10).
	QueueSize int

	Logger *slog.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Connected  bool
	InFlight   int
	Submitted  uint64
	Rejected   uint64
	Completed  uint64
	Failed     uint64
	Terminated uint64
	Inbound    uint64
}

// Engine implements bridge.Engine on top of paho.
type Engine struct {
	client         mqtt.Client
	inbound        bridge.Handler
	broker         string
	connectTimeout time.Duration
	logger         *slog.Logger

	// mu orders Submit against Terminate so no command is accepted after stop closes.
	mu    sync.RWMutex
	slots chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	connected atomic.Bool
	closed    atomic.Bool

	submitted  atomic.Uint64
	rejected   atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	terminated atomic.Uint64
	received   atomic.Uint64
}

// New builds a paho client for cfg. Inbound publishes are passed to inbound.
func New(cfg Config, inbound bridge.Handler) *Engine {
	otaerr.MustConfig(cfg.Broker != "", "mqtt broker is required")

	cfg = withDefaults(cfg)
	e := newEngine(cfg, inbound)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Inbound publishes reach the handler in arrival order, on one goroutine.
	// The handler must not wait on an acknowledgement from this client.
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(e.onMessage)

	opts.OnConnect = func(mqtt.Client) {
		e.connected.Store(true)
		e.logger.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	return e
}

// NewWithClient wraps an existing client. Its options must route unmatched
// publishes to HandleMessage for inbound delivery to work.
func NewWithClient(client mqtt.Client, cfg Config, inbound bridge.Handler) *Engine {
	e := newEngine(withDefaults(cfg), inbound)
	e.client = client
	e.connected.Store(client.IsConnectionOpen())
	return e
}

func withDefaults(cfg Config) Config {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func newEngine(cfg Config, inbound bridge.Handler) *Engine {
	return &Engine{
		inbound:        inbound,
		broker:         cfg.Broker,
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger,
		slots:          make(chan struct{}, cfg.QueueSize),
		stop:           make(chan struct{}),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect connects to the broker and waits for the CONNACK.
func (e *Engine) Connect(ctx context.Context) error {
	if e.closed.Load() {
		return ErrTerminated
	}

	e.logger.Info("connecting to mqtt broker", "broker", e.broker)

	token := e.client.Connect()

	timer := time.NewTimer(e.connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: mqtt connection", otaerr.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.connected.Store(true)
	return nil
}

// Connected reports whether the client currently holds a broker connection.
func (e *Engine) Connected() bool {
	return e.connected.Load() && e.client.IsConnectionOpen()
}

// Submit implements bridge.Engine.
func (e *Engine) Submit(cmd *bridge.Command) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.admit(cmd); err != nil {
		e.rejected.Add(1)
		return err
	}

	token, err := e.send(cmd)
	if err != nil {
		<-e.slots
		e.rejected.Add(1)
		return err
	}

	e.submitted.Add(1)
	e.wg.Add(1)
	go e.await(cmd, token)
	return nil
}

func (e *Engine) admit(cmd *bridge.Command) error {
	if e.closed.Load() {
		return ErrTerminated
	}
	if cmd == nil || cmd.Done == nil {
		return ErrBadCommand
	}
	if !e.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	select {
	case e.slots <- struct{}{}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Engine) send(cmd *bridge.Command) (mqtt.Token, error) {
	switch cmd.Op {
	case bridge.OpPublish:
		p := cmd.Publish
		if p == nil || p.Topic == "" || p.QoS > 2 {
			return nil, fmt.Errorf("%w: publish", ErrBadCommand)
		}
		return e.client.Publish(p.Topic, p.QoS, p.Retain, p.Payload), nil

	case bridge.OpSubscribe:
		s := cmd.Subscription
		if s == nil || s.Filter == "" || s.QoS > 2 {
			return nil, fmt.Errorf("%w: subscribe", ErrBadCommand)
		}
		// A nil callback leaves delivery to the default publish handler.
		return e.client.Subscribe(s.Filter, s.QoS, nil), nil

	case bridge.OpUnsubscribe:
		s := cmd.Subscription
		if s == nil || s.Filter == "" {
			return nil, fmt.Errorf("%w: unsubscribe", ErrBadCommand)
		}
		return e.client.Unsubscribe(s.Filter), nil
	}

	return nil, fmt.Errorf("%w: op %d", ErrBadCommand, cmd.Op)
}

// await reports the outcome of one accepted command. Done runs exactly once.
func (e *Engine) await(cmd *bridge.Command, token mqtt.Token) {
	defer e.wg.Done()
	defer func() { <-e.slots }()

	select {
	case <-token.Done():
		status := statusOf(cmd.Op, token)
		if status == bridge.StatusSuccess {
			e.completed.Add(1)
		} else {
			e.failed.Add(1)
			e.logger.Debug("mqtt command failed",
				"id", cmd.ID,
				"op", cmd.Op.String(),
				"status", status.String(),
				"error", token.Error(),
			)
		}
		cmd.Done(status)

	case <-e.stop:
		e.terminated.Add(1)
		cmd.Done(bridge.StatusTerminated)
	}
}

// subscribeResult is implemented by *mqtt.SubscribeToken.
type subscribeResult interface {
	Result() map[string]byte
}

func statusOf(op bridge.Op, token mqtt.Token) bridge.Status {
	if err := token.Error(); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return bridge.StatusSendFailed
		}
		if op == bridge.OpSubscribe {
			return bridge.StatusServerRefused
		}
		return bridge.StatusSendFailed
	}

	if op == bridge.OpSubscribe {
		if st, ok := token.(subscribeResult); ok {
			for _, code := range st.Result() {
				if code >= subackFailure {
					return bridge.StatusServerRefused
				}
			}
		}
	}
	return bridge.StatusSuccess
}

// HandleMessage delivers one inbound publish to the engine's handler.
func (e *Engine) HandleMessage(msg mqtt.Message) {
	e.received.Add(1)
	if e.inbound == nil {
		return
	}
	e.inbound(&bridge.Message{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		QoS:     msg.Qos(),
	})
}

func (e *Engine) onMessage(_ mqtt.Client, msg mqtt.Message) {
	e.HandleMessage(msg)
}

// Terminate implements bridge.Engine. Pending commands complete with
// bridge.StatusTerminated before it returns.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	if e.closed.Swap(true) {
		e.mu.Unlock()
		e.wg.Wait()
		return nil
	}
	close(e.stop)
	e.mu.Unlock()

	if e.client.IsConnected() {
		e.client.Disconnect(disconnectQuiesceMS)
		e.logger.Info("mqtt disconnected")
	}
	e.connected.Store(false)

	e.wg.Wait()
	return nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Connected:  e.connected.Load(),
		InFlight:   len(e.slots),
		Submitted:  e.submitted.Load(),
		Rejected:   e.rejected.Load(),
		Completed:  e.completed.Load(),
		Failed:     e.failed.Load(),
		Terminated: e.terminated.Load(),
		Inbound:    e.received.Load(),
	}
}
