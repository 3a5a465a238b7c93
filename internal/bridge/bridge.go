// Package bridge turns the asynchronous MQTT engine into synchronous calls.
//
// Every Publish, Subscribe and Unsubscribe builds a command with its own one-shot
// rendezvous, submits it to the Engine and blocks until the engine's completion
// callback resolves the rendezvous or the shared command timeout expires.
//
// # Outcomes
//
//   - Rejected at submission: returns at once, wrapping otaerr.ErrProtocol.
//   - Completed with a failure status: wraps otaerr.ErrProtocol and the op sentinel
//     (ErrPublishFailed, ErrSubscribeFailed, ErrUnsubscribeFailed).
//   - No completion in time: wraps otaerr.ErrTimeout only.
//
// Nothing is retried. A completion arriving after its caller timed out still runs
// (including routing table updates) and is counted as late.
//
// After Terminate every call fails with ErrClosed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

var (
	// ErrClosed is returned for calls made after Terminate.
	ErrClosed = errors.New("bridge: closed")

	ErrPublishFailed     = errors.New("publish failed")
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")
)

const defaultTimeout = 5 * time.Second

// Config configures a Bridge.
type Config struct {
	// Timeout bounds every wait on the engine (default 5s).
	Timeout time.Duration

	Logger *slog.Logger
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Submitted       uint64
	Rejected        uint64
	Succeeded       uint64
	Failed          uint64
	TimedOut        uint64
	LateCompletions uint64
	RouteErrors     uint64
}

// commandContext lives for one call. status is written by the completion
// callback before the rendezvous resolves and read by the caller only after.
type commandContext struct {
	id     string
	op     Op
	args   any
	status Status
	done   *rendezvous
}

// Bridge is safe for concurrent use; each call gets its own rendezvous.
type Bridge struct {
	engine  Engine
	routes  *Routes
	timeout time.Duration
	logger  *slog.Logger
	closed  atomic.Bool

	submitted       atomic.Uint64
	rejected        atomic.Uint64
	succeeded       atomic.Uint64
	failed          atomic.Uint64
	timedOut        atomic.Uint64
	lateCompletions atomic.Uint64
	routeErrors     atomic.Uint64
}

// New creates a Bridge over engine. Successful subscribes and unsubscribes
// update routes.
func New(engine Engine, routes *Routes, cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bridge{
		engine:  engine,
		routes:  routes,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Publish sends payload to topic and waits for the engine to acknowledge it.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	return b.execute(ctx, OpPublish, &PublishInfo{Topic: topic, Payload: payload, QoS: qos})
}

// Subscribe subscribes to filter and routes its publishes to h.
func (b *Bridge) Subscribe(ctx context.Context, filter string, qos byte, h Handler) error {
	return b.execute(ctx, OpSubscribe, &SubscriptionRequest{
		Direction: OpSubscribe,
		Filter:    filter,
		QoS:       qos,
		Handler:   h,
	})
}

// Unsubscribe removes the subscription to filter and its route.
func (b *Bridge) Unsubscribe(ctx context.Context, filter string, qos byte) error {
	return b.execute(ctx, OpUnsubscribe, &SubscriptionRequest{
		Direction: OpUnsubscribe,
		Filter:    filter,
		QoS:       qos,
	})
}

// Terminate closes the bridge and stops the engine. Later calls fail with ErrClosed.
func (b *Bridge) Terminate() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.logger.Info("bridge closed, terminating mqtt engine")
	if err := b.engine.Terminate(); err != nil {
		return fmt.Errorf("terminate engine: %w", err)
	}
	return nil
}

// Closed reports whether Terminate was called.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// Routes returns the routing table updated by Subscribe and Unsubscribe.
func (b *Bridge) Routes() *Routes {
	return b.routes
}

// Timeout returns the wait bound shared by every call.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Submitted:       b.submitted.Load(),
		Rejected:        b.rejected.Load(),
		Succeeded:       b.succeeded.Load(),
		Failed:          b.failed.Load(),
		TimedOut:        b.timedOut.Load(),
		LateCompletions: b.lateCompletions.Load(),
		RouteErrors:     b.routeErrors.Load(),
	}
}

func (b *Bridge) execute(ctx context.Context, op Op, args any) error {
	target := targetOf(args)

	if b.closed.Load() {
		return fmt.Errorf("%s %s: %w: %w", op, target, otaerr.ErrProtocol, ErrClosed)
	}

	cc := &commandContext{
		id:   uuid.NewString(),
		op:   op,
		args: args,
		done: newRendezvous(),
	}

	cmd := &Command{
		ID: cc.id,
		Op: op,
		Done: func(s Status) {
			b.complete(cc, s)
		},
	}
	switch a := args.(type) {
	case *PublishInfo:
		cmd.Publish = a
	case *SubscriptionRequest:
		cmd.Subscription = a
	}

	if err := b.engine.Submit(cmd); err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("%s %s: %w: %w", op, target, otaerr.ErrProtocol, err)
	}
	b.submitted.Add(1)

	status, err := cc.done.wait(ctx, b.timeout)
	if err != nil {
		b.timedOut.Add(1)
		b.logger.Warn("mqtt command not acknowledged",
			"op", op.String(),
			"target", target,
			"command_id", cc.id,
			"timeout", b.timeout,
			"error", err,
		)
		return fmt.Errorf("%s %s: %w", op, target, err)
	}

	if status != StatusSuccess {
		b.failed.Add(1)
		return fmt.Errorf("%s %s: %w: %w: %s", op, target, otaerr.ErrProtocol, opFailure(op), status)
	}

	b.succeeded.Add(1)
	return nil
}

// complete runs on an engine goroutine.
func (b *Bridge) complete(cc *commandContext, s Status) {
	if s == StatusSuccess {
		if req, ok := cc.args.(*SubscriptionRequest); ok {
			b.updateRoutes(req)
		}
	}

	cc.status = s
	if !cc.done.resolve(cc.status) {
		b.logger.Warn("duplicate mqtt completion ignored", "op", cc.op.String(), "command_id", cc.id)
		return
	}

	if cc.done.abandoned.Load() {
		b.lateCompletions.Add(1)
		b.logger.Debug("mqtt completion after caller stopped waiting",
			"op", cc.op.String(),
			"command_id", cc.id,
			"status", s.String(),
		)
	}
}

// updateRoutes failures are logged only; they never change the call's outcome.
func (b *Bridge) updateRoutes(req *SubscriptionRequest) {
	if b.routes == nil {
		return
	}

	var err error
	switch req.Direction {
	case OpSubscribe:
		err = b.routes.Add(req.Filter, req.Handler)
	case OpUnsubscribe:
		err = b.routes.Remove(req.Filter)
	}

	if err != nil {
		b.routeErrors.Add(1)
		b.logger.Error("failed to update subscription routes",
			"op", req.Direction.String(),
			"filter", req.Filter,
			"error", err,
		)
	}
}

func opFailure(op Op) error {
	switch op {
	case OpSubscribe:
		return ErrSubscribeFailed
	case OpUnsubscribe:
		return ErrUnsubscribeFailed
	default:
		return ErrPublishFailed
	}
}

func targetOf(args any) string {
	switch a := args.(type) {
	case *PublishInfo:
		return a.Topic
	case *SubscriptionRequest:
		return a.Filter
	default:
		return ""
	}
}
