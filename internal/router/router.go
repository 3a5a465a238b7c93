// Package router is the entry point for every inbound OTA publish.
//
// HandlePublish runs on the MQTT delivery goroutine. It classifies the topic and
// either copies the payload into a pool buffer for the update engine (stream
// blocks, AFR_OTA job documents) or hands custom job documents to the job
// dispatcher. It never blocks: when no buffer is free or the engine queue is full
// the message is dropped and logged, and custom jobs are dispatched off the
// delivery goroutine, one at a time in arrival order.
package router

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
	"github.com/e7canasta/orion-care-sensor/ota/internal/jobs"
	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
	"github.com/e7canasta/orion-care-sensor/ota/internal/topic"
)

// OTAJobPrefix marks job ids owned by the update engine.
const OTAJobPrefix = "AFR_OTA"

const defaultMaxJobDocument = 4096

// UpdateEngine accepts events without blocking.
type UpdateEngine interface {
	SignalEvent(ev agent.Event) bool
}

// JobDispatcher executes a custom job document.
type JobDispatcher interface {
	Dispatch(ctx context.Context, desc *jobs.Descriptor)
}

// Config configures a Router.
type Config struct {
	ThingName string

	// MaxPayload is the largest payload copied into a pool buffer. Larger
	// payloads are a precondition violation. Defaults to the pool buffer size.
	MaxPayload int

	// MaxJobDocument bounds custom job documents (default 4096).
	MaxJobDocument int

	Logger *slog.Logger
}

// Stats counts routed messages.
type Stats struct {
	Stream       uint64
	Job          uint64
	Unknown      uint64
	Forwarded    uint64
	Exhausted    uint64
	QueueRefused uint64
	CustomJobs   uint64
	Dispatched   uint64
}

// Router routes inbound publishes.
type Router struct {
	thing      string
	pool       *bufpool.Pool
	engine     UpdateEngine
	dispatcher JobDispatcher
	maxPayload int
	logger     *slog.Logger

	// mu serializes custom job dispatch; scratch has a single writer.
	mu      sync.Mutex
	scratch *jobs.Scratch

	// tail is closed when the last handed-off job has been dispatched.
	tailMu sync.Mutex
	tail   chan struct{}
	wg     sync.WaitGroup

	stream       atomic.Uint64
	job          atomic.Uint64
	unknown      atomic.Uint64
	forwarded    atomic.Uint64
	exhausted    atomic.Uint64
	queueRefused atomic.Uint64
	customJobs   atomic.Uint64
	dispatched   atomic.Uint64
}

// New creates a Router.
func New(pool *bufpool.Pool, engine UpdateEngine, dispatcher JobDispatcher, cfg Config) *Router {
	otaerr.MustConfig(cfg.ThingName != "", "router thing name is required")

	if cfg.MaxPayload <= 0 || cfg.MaxPayload > pool.BufferSize() {
		cfg.MaxPayload = pool.BufferSize()
	}
	if cfg.MaxJobDocument <= 0 {
		cfg.MaxJobDocument = defaultMaxJobDocument
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		thing:      cfg.ThingName,
		pool:       pool,
		engine:     engine,
		dispatcher: dispatcher,
		maxPayload: cfg.MaxPayload,
		logger:     cfg.Logger,
		scratch:    jobs.NewScratch(cfg.MaxJobDocument),
	}
}

// HandlePublish routes msg. It satisfies bridge.Handler.
func (r *Router) HandlePublish(msg *bridge.Message) {
	switch kind := topic.Classify(msg.Topic, r.thing); kind {
	case topic.Stream:
		r.stream.Add(1)
		r.forward(agent.EventReceivedFileBlock, msg)
	case topic.Job:
		r.job.Add(1)
		r.handleJob(msg)
	default:
		r.unknown.Add(1)
		r.logger.Warn("received message on unrecognized topic", "topic", msg.Topic)
	}
}

// Wait blocks until every custom job handed off so far has been dispatched.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Stats returns a snapshot of routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Stream:       r.stream.Load(),
		Job:          r.job.Load(),
		Unknown:      r.unknown.Load(),
		Forwarded:    r.forwarded.Load(),
		Exhausted:    r.exhausted.Load(),
		QueueRefused: r.queueRefused.Load(),
		CustomJobs:   r.customJobs.Load(),
		Dispatched:   r.dispatched.Load(),
	}
}

// forward copies msg into a pool buffer and signals the update engine.
func (r *Router) forward(id agent.EventID, msg *bridge.Message) {
	otaerr.Assert(len(msg.Payload) <= r.maxPayload,
		"payload of %d bytes on %s exceeds maximum block size %d", len(msg.Payload), msg.Topic, r.maxPayload)

	buf, err := r.pool.Acquire()
	if err != nil {
		r.exhausted.Add(1)
		r.logger.Error("no ota data buffers available, dropping message",
			"topic", msg.Topic,
			"event", id.String(),
			"error", err,
		)
		return
	}

	buf.Fill(msg.Payload)

	if !r.engine.SignalEvent(agent.Event{ID: id, Buffer: buf}) {
		r.queueRefused.Add(1)
		if err := r.pool.Release(buf); err != nil {
			r.logger.Error("failed to release refused event buffer", "buffer", buf.Index(), "error", err)
		}
		return
	}

	r.forwarded.Add(1)
}

func (r *Router) handleJob(msg *bridge.Message) {
	api, jobID, _ := topic.MatchJobs(msg.Topic, r.thing)

	// Describe and notify responses for "$next" carry the id only in the payload.
	if jobID == "" || jobID == topic.NextJobID {
		if id, ok := jobs.Search(msg.Payload, "execution.jobId"); ok {
			jobID = string(id)
		}
	}

	if strings.HasPrefix(jobID, OTAJobPrefix) {
		r.forward(agent.EventReceivedJobDocument, msg)
		return
	}

	r.customJobs.Add(1)

	switch api {
	case topic.JobsDescribeSuccess, topic.JobsNextJobChanged:
		r.handleNextJob(msg.Payload)
	case topic.JobsUpdateSuccess:
		r.logger.Info("job status update accepted", "job_id", jobID)
	case topic.JobsUpdateFailed:
		r.logger.Warn("job status update rejected", "job_id", jobID, "response", string(msg.Payload))
	case topic.JobsDescribeFailed, topic.JobsStartNextFailed:
		r.logger.Warn("request for next job description rejected", "topic", msg.Topic, "response", string(msg.Payload))
	default:
		r.logger.Warn("received unexpected job message", "topic", msg.Topic, "api", api.String())
	}
}

func (r *Router) handleNextJob(payload []byte) {
	if !jobs.Valid(payload) {
		r.logger.Error("received invalid json payload from jobs service")
		return
	}

	jobID, ok := jobs.Search(payload, "execution.jobId")
	if !ok {
		r.logger.Info("no pending job in next job response")
		return
	}
	doc, ok := jobs.Search(payload, "execution.jobDocument")
	if !ok {
		r.logger.Warn("next job response has no job document", "job_id", string(jobID))
		return
	}

	// Dispatch blocks on bridge acknowledgements, which arrive on the delivery
	// goroutine; the payload is only valid during this call.
	r.handOff(bytes.Clone(jobID), bytes.Clone(doc))
}

// handOff dispatches the job on its own goroutine after every earlier one.
func (r *Router) handOff(jobID, doc []byte) {
	r.tailMu.Lock()
	prev := r.tail
	done := make(chan struct{})
	r.tail = done
	r.tailMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		r.dispatch(jobID, doc)
	}()
}

func (r *Router) dispatch(jobID, doc []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, err := r.scratch.Load(jobID, doc)
	if err != nil {
		r.logger.Error("failed to load job document", "job_id", string(jobID), "error", err)
		return
	}

	r.dispatched.Add(1)
	r.dispatcher.Dispatch(context.Background(), desc)
}
