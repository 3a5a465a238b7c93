// Package agent is a minimal OTA update engine.
//
// It owns a FIFO event queue drained by a single goroutine (Run). Producers hand
// it events with SignalEvent, which never blocks: a full queue drops the event.
// Events carrying a pool buffer are returned to the application through the
// JobEventProcessed callback once handled, whatever the outcome.
//
// The download protocol is the AWS IoT streaming one: an AFR_OTA job document
// names a stream and file, blocks are requested as CBOR on the stream "get" topic
// and arrive as CBOR on the stream "data" topic.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
	"github.com/e7canasta/orion-care-sensor/ota/internal/jobs"
	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
	"github.com/e7canasta/orion-care-sensor/ota/internal/topic"
)

const (
	defaultQueueSize       = 20
	defaultBlockSize       = 4096
	defaultBlocksPerWindow = 8
	defaultRequestTimeout  = 10 * time.Second
	defaultRequestRetries  = 32
)

// Config configures an Agent.
type Config struct {
	ThingName  string
	AppVersion string

	// BlockSize is the stream block size requested from the service.
	BlockSize int

	// BlocksPerRequest caps the blocks asked for in one request. Keep it at or
	// below the event buffer pool capacity.
	BlocksPerRequest int

	// RequestTimeout is how long a download may go without receiving a block
	// before the missing blocks are requested again.
	RequestTimeout time.Duration

	// MaxRequestRetries is the number of consecutive re-requests without
	// progress after which the download fails.
	MaxRequestRetries int

	// QueueSize is the event queue capacity.
	QueueSize int

	QoS byte

	Logger *slog.Logger
}

// Stats counts events through the queue.
type Stats struct {
	Received  uint64
	Queued    uint64
	Processed uint64
	Dropped   uint64
}

// download tracks the file being streamed. Only the Run goroutine touches it.
type download struct {
	jobID     string
	stream    string
	fileID    int
	fileSize  int
	blocks    int
	have      []bool
	remaining int
	next      int // first block of the next request window
	window    int // blocks still expected from the current window
	retries   int // re-requests since the last accepted block
}

// Agent is the update engine. Create with New, drive with Run.
type Agent struct {
	cfg       Config
	transport Transport
	sink      ImageSink
	callback  AppCallback
	logger    *slog.Logger

	events chan Event
	state  atomic.Int32

	received  atomic.Uint64
	queued    atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64

	// Run goroutine only.
	resumeState  State
	current      *download
	requestTimer *time.Timer
}

// New creates an Agent in StateStopped.
func New(transport Transport, sink ImageSink, callback AppCallback, cfg Config) *Agent {
	otaerr.MustConfig(cfg.ThingName != "", "agent thing name is required")
	otaerr.MustConfig(callback != nil, "agent application callback is required")

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.BlocksPerRequest <= 0 {
		cfg.BlocksPerRequest = defaultBlocksPerWindow
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRequestRetries <= 0 {
		cfg.MaxRequestRetries = defaultRequestRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	requestTimer := time.NewTimer(cfg.RequestTimeout)
	requestTimer.Stop()

	return &Agent{
		cfg:          cfg,
		transport:    transport,
		sink:         sink,
		callback:     callback,
		logger:       cfg.Logger,
		events:       make(chan Event, cfg.QueueSize),
		requestTimer: requestTimer,
	}
}

// SignalEvent queues ev without blocking. It returns false when the queue is
// full; the caller keeps ownership of ev.Buffer in that case.
func (a *Agent) SignalEvent(ev Event) bool {
	if ev.Buffer != nil {
		a.received.Add(1)
	}

	select {
	case a.events <- ev:
		if ev.Buffer != nil {
			a.queued.Add(1)
		}
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("agent event queue full, dropping event", "event", ev.ID.String())
		return false
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Stats returns a snapshot of queue counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Received:  a.received.Load(),
		Queued:    a.queued.Load(),
		Processed: a.processed.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// Shutdown asks the Run loop to stop.
func (a *Agent) Shutdown() bool {
	return a.SignalEvent(Event{ID: EventShutdown})
}

// Suspend asks the Run loop to stop handling downloads until Resume.
func (a *Agent) Suspend() bool {
	return a.SignalEvent(Event{ID: EventSuspend})
}

// Resume leaves StateSuspended.
func (a *Agent) Resume() bool {
	return a.SignalEvent(Event{ID: EventResume})
}

// ActivateNewImage commits the downloaded image.
func (a *Agent) ActivateNewImage() error {
	return a.sink.Activate()
}

// SetImageState records the self-test verdict on the running image.
func (a *Agent) SetImageState(state ImageState) error {
	return a.sink.SetState(state)
}

// Run drains the event queue until ctx is done or a shutdown event is handled.
// Events left in the queue on exit have their buffers returned.
func (a *Agent) Run(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateStopped), int32(StateReady)) {
		return fmt.Errorf("agent already running in state %s", a.State())
	}
	a.logger.Info("ota agent started", "thing", a.cfg.ThingName, "app_version", a.cfg.AppVersion)

	defer a.drain()
	defer a.requestTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.setState(StateStopped)
			return ctx.Err()
		case <-a.requestTimer.C:
			a.requestTimedOut(ctx)
		case ev := <-a.events:
			a.handle(ctx, ev)
			if a.State() == StateStopped {
				return nil
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev Event) {
	if ev.Buffer != nil {
		defer a.release(ev.Buffer)
	} else if ev.ID == EventReceivedJobDocument || ev.ID == EventReceivedFileBlock {
		a.logger.Error("agent event without buffer", "event", ev.ID.String())
		return
	}

	switch ev.ID {
	case EventStart:
		a.start(ctx)
	case EventReceivedJobDocument:
		if a.State() == StateSuspended {
			a.logger.Debug("agent suspended, ignoring job document")
			return
		}
		a.handleJobDocument(ctx, ev.Buffer.Bytes())
	case EventReceivedFileBlock:
		if a.State() == StateSuspended {
			a.logger.Debug("agent suspended, ignoring file block")
			return
		}
		a.handleBlock(ctx, ev.Buffer.Bytes())
	case EventSuspend:
		if s := a.State(); s != StateSuspended {
			a.resumeState = s
			a.setState(StateSuspended)
			a.requestTimer.Stop()
			a.logger.Info("ota agent suspended", "previous_state", s.String())
		}
	case EventResume:
		if a.State() == StateSuspended {
			a.setState(a.resumeState)
			a.logger.Info("ota agent resumed", "state", a.resumeState.String())
			if a.current != nil {
				a.rerequest(ctx)
			}
		}
	case EventShutdown:
		a.shutdown(ctx)
	default:
		a.logger.Warn("unknown agent event", "event", int(ev.ID))
	}
}

// release hands buf back through the application callback.
func (a *Agent) release(buf *bufpool.Buffer) {
	a.processed.Add(1)
	a.callback(JobEventProcessed, buf)
}

func (a *Agent) drain() {
	for {
		select {
		case ev := <-a.events:
			if ev.Buffer != nil {
				a.release(ev.Buffer)
			}
		default:
			a.logger.Info("ota agent stopped")
			return
		}
	}
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

func (a *Agent) start(ctx context.Context) {
	if a.sink.State() == ImageStatePendingCommit {
		a.logger.Info("running image is pending commit, starting self test")
		a.callback(JobEventStartTest, nil)
	}

	for _, filter := range []string{topic.NotifyNext(a.cfg.ThingName), topic.NextJobAccepted(a.cfg.ThingName)} {
		if err := a.transport.Subscribe(ctx, filter, a.cfg.QoS); err != nil {
			a.logger.Error("failed to subscribe to job topic", "filter", filter, "error", err)
			return
		}
	}

	if err := a.requestJob(ctx); err != nil {
		a.logger.Error("failed to request next job", "error", err)
		return
	}
	a.setState(StateWaitingForJob)
}

func (a *Agent) requestJob(ctx context.Context) error {
	body := []byte(`{"clientToken":"` + uuid.NewString() + `"}`)
	return a.transport.Publish(ctx, topic.NextJobGet(a.cfg.ThingName), body, a.cfg.QoS)
}

func (a *Agent) handleJobDocument(ctx context.Context, doc []byte) {
	job, err := parseJob(doc)
	if err != nil {
		a.logger.Error("failed to parse ota job document", "error", err)
		return
	}

	if a.current != nil {
		if a.current.jobID == job.jobID {
			a.logger.Debug("duplicate ota job document ignored", "job_id", job.jobID)
			return
		}
		a.logger.Warn("new ota job replaces download in progress", "job_id", job.jobID, "previous_job_id", a.current.jobID)
		a.abort(ctx, "superseded")
	}

	if err := a.sink.Create(job.fileSize); err != nil {
		a.logger.Error("failed to create image file", "job_id", job.jobID, "error", err)
		a.report(ctx, job.jobID, jobs.StatusFailed, nil)
		a.callback(JobEventFail, nil)
		return
	}

	job.blocks = (job.fileSize + a.cfg.BlockSize - 1) / a.cfg.BlockSize
	job.have = make([]bool, job.blocks)
	job.remaining = job.blocks
	a.current = job

	if err := a.transport.Subscribe(ctx, topic.StreamData(a.cfg.ThingName, job.stream), a.cfg.QoS); err != nil {
		a.logger.Error("failed to subscribe to stream", "stream", job.stream, "error", err)
		a.abort(ctx, "subscribe_failed")
		return
	}

	a.report(ctx, job.jobID, jobs.StatusInProgress, map[string]string{"updatedBy": a.cfg.AppVersion})

	a.logger.Info("ota download started",
		"job_id", job.jobID,
		"stream", job.stream,
		"file_size", job.fileSize,
		"blocks", job.blocks,
	)

	if err := a.requestWindow(ctx); err != nil {
		a.logger.Error("failed to request file blocks", "job_id", job.jobID, "error", err)
	}
	a.setState(StateDownloading)
}

func (a *Agent) handleBlock(ctx context.Context, data []byte) {
	dl := a.current
	if dl == nil {
		a.logger.Debug("file block received with no download in progress")
		return
	}

	blk, err := decodeBlock(data)
	if err != nil {
		a.logger.Error("failed to decode file block", "job_id", dl.jobID, "error", err)
		return
	}
	if blk.FileID != dl.fileID || blk.BlockID < 0 || blk.BlockID >= dl.blocks {
		a.logger.Warn("file block out of range",
			"job_id", dl.jobID,
			"file_id", blk.FileID,
			"block_id", blk.BlockID,
		)
		return
	}
	if dl.have[blk.BlockID] {
		a.logger.Debug("duplicate file block", "block_id", blk.BlockID)
		return
	}

	want := a.cfg.BlockSize
	if blk.BlockID == dl.blocks-1 {
		want = dl.fileSize - blk.BlockID*a.cfg.BlockSize
	}
	if len(blk.Payload) != want {
		a.logger.Warn("file block has unexpected size", "block_id", blk.BlockID, "size", len(blk.Payload), "expected", want)
		return
	}

	if err := a.sink.WriteBlock(blk.BlockID*a.cfg.BlockSize, blk.Payload); err != nil {
		a.logger.Error("failed to write file block", "job_id", dl.jobID, "block_id", blk.BlockID, "error", err)
		a.abort(ctx, "write_failed")
		return
	}

	dl.have[blk.BlockID] = true
	dl.remaining--
	dl.retries = 0
	if dl.window > 0 {
		dl.window--
	}

	if dl.remaining == 0 {
		a.complete(ctx)
		return
	}
	a.requestTimer.Reset(a.cfg.RequestTimeout)
	if dl.window == 0 {
		if err := a.requestWindow(ctx); err != nil {
			a.logger.Error("failed to request file blocks", "job_id", dl.jobID, "error", err)
		}
	}
}

// requestWindow asks for the next run of missing blocks, wrapping back to the
// first gap once the end of the file has been requested. It arms the request
// deadline.
func (a *Agent) requestWindow(ctx context.Context) error {
	dl := a.current
	if dl.remaining == 0 {
		return nil
	}
	for dl.next < dl.blocks && dl.have[dl.next] {
		dl.next++
	}
	if dl.next >= dl.blocks {
		dl.next = 0
		for dl.have[dl.next] {
			dl.next++
		}
	}

	n := 0
	for n < a.cfg.BlocksPerRequest && dl.next+n < dl.blocks && !dl.have[dl.next+n] {
		n++
	}
	payload, err := encodeBlockRequest(blockRequest{
		ClientToken: uuid.NewString(),
		FileID:      dl.fileID,
		BlockSize:   a.cfg.BlockSize,
		Offset:      dl.next,
		NumBlocks:   n,
	})
	if err != nil {
		return fmt.Errorf("encode block request: %w", err)
	}

	offset := dl.next
	dl.window = n
	dl.next += n
	a.requestTimer.Reset(a.cfg.RequestTimeout)

	a.logger.Debug("requesting file blocks", "stream", dl.stream, "offset", offset, "count", n)
	return a.transport.Publish(ctx, topic.StreamGet(a.cfg.ThingName, dl.stream), payload, a.cfg.QoS)
}

// rerequest restarts the request windows from the first missing block.
func (a *Agent) rerequest(ctx context.Context) {
	a.current.next = 0
	a.current.window = 0
	if err := a.requestWindow(ctx); err != nil {
		a.logger.Error("failed to request file blocks", "job_id", a.current.jobID, "error", err)
	}
}

// requestTimedOut runs when no block arrived within the request timeout. Blocks
// dropped upstream (pool exhausted, queue full) are only recovered here.
func (a *Agent) requestTimedOut(ctx context.Context) {
	dl := a.current
	if dl == nil || a.State() != StateDownloading {
		return
	}

	dl.retries++
	if dl.retries > a.cfg.MaxRequestRetries {
		a.logger.Error("ota download made no progress, giving up",
			"job_id", dl.jobID,
			"retries", a.cfg.MaxRequestRetries,
			"missing_blocks", dl.remaining,
		)
		a.abort(ctx, "request_timeout")
		return
	}

	a.logger.Warn("no file blocks received before deadline, requesting missing blocks",
		"job_id", dl.jobID,
		"attempt", dl.retries,
		"missing_blocks", dl.remaining,
	)
	a.rerequest(ctx)
}

func (a *Agent) complete(ctx context.Context) {
	dl := a.current
	a.current = nil
	a.requestTimer.Stop()

	if err := a.sink.Close(); err != nil {
		a.logger.Error("failed to close image file", "job_id", dl.jobID, "error", err)
		a.report(ctx, dl.jobID, jobs.StatusFailed, map[string]string{"reason": "close_failed"})
		a.callback(JobEventFail, nil)
		a.setState(StateWaitingForJob)
		return
	}

	a.unsubscribeStream(ctx, dl.stream)
	a.report(ctx, dl.jobID, jobs.StatusInProgress, map[string]string{"self_test": "ready"})
	a.setState(StateWaitingForJob)

	a.logger.Info("ota download complete", "job_id", dl.jobID, "file_size", dl.fileSize)
	a.callback(JobEventActivate, nil)
}

func (a *Agent) abort(ctx context.Context, reason string) {
	dl := a.current
	a.current = nil
	a.requestTimer.Stop()

	if err := a.sink.Abort(); err != nil {
		a.logger.Error("failed to abort image file", "job_id", dl.jobID, "error", err)
	}
	a.unsubscribeStream(ctx, dl.stream)
	a.report(ctx, dl.jobID, jobs.StatusFailed, map[string]string{"reason": reason})
	a.setState(StateWaitingForJob)
	a.callback(JobEventFail, nil)
}

func (a *Agent) unsubscribeStream(ctx context.Context, stream string) {
	filter := topic.StreamData(a.cfg.ThingName, stream)
	if err := a.transport.Unsubscribe(ctx, filter, a.cfg.QoS); err != nil {
		a.logger.Warn("failed to unsubscribe from stream", "filter", filter, "error", err)
	}
}

func (a *Agent) report(ctx context.Context, jobID string, status jobs.ExecutionStatus, details map[string]string) {
	body := jobs.StatusReportWithDetails(status, details)
	if err := a.transport.Publish(ctx, topic.JobUpdate(a.cfg.ThingName, jobID), body, a.cfg.QoS); err != nil {
		a.logger.Error("failed to update ota job status", "job_id", jobID, "status", string(status), "error", err)
	}
}

func (a *Agent) shutdown(ctx context.Context) {
	if a.current != nil {
		a.abort(ctx, "shutdown")
	}

	for _, filter := range []string{topic.NotifyNext(a.cfg.ThingName), topic.NextJobAccepted(a.cfg.ThingName)} {
		if err := a.transport.Unsubscribe(ctx, filter, a.cfg.QoS); err != nil {
			a.logger.Debug("failed to unsubscribe from job topic", "filter", filter, "error", err)
		}
	}

	a.setState(StateStopped)
}

// parseJob reads the fields of an AFR_OTA job document the download needs.
func parseJob(doc []byte) (*download, error) {
	if !jobs.Valid(doc) {
		return nil, fmt.Errorf("%w: invalid json", otaerr.ErrSchemaInvalid)
	}

	jobID, ok := jobs.Search(doc, "execution.jobId")
	if !ok {
		return nil, fmt.Errorf("%w: missing execution.jobId", otaerr.ErrSchemaInvalid)
	}
	stream, ok := jobs.Search(doc, "execution.jobDocument.afr_ota.streamname")
	if !ok {
		return nil, fmt.Errorf("%w: missing afr_ota.streamname", otaerr.ErrSchemaInvalid)
	}
	size, ok := jobs.Search(doc, "execution.jobDocument.afr_ota.files.0.filesize")
	if !ok {
		return nil, fmt.Errorf("%w: missing afr_ota.files[0].filesize", otaerr.ErrSchemaInvalid)
	}
	fileID, ok := jobs.Search(doc, "execution.jobDocument.afr_ota.files.0.fileid")
	if !ok {
		return nil, fmt.Errorf("%w: missing afr_ota.files[0].fileid", otaerr.ErrSchemaInvalid)
	}

	dl := &download{jobID: string(jobID), stream: string(stream)}

	var err error
	if dl.fileSize, err = strconv.Atoi(string(size)); err != nil || dl.fileSize <= 0 {
		return nil, fmt.Errorf("%w: bad filesize %q", otaerr.ErrSchemaInvalid, size)
	}
	if dl.fileID, err = strconv.Atoi(string(fileID)); err != nil || dl.fileID < 0 {
		return nil, fmt.Errorf("%w: bad fileid %q", otaerr.ErrSchemaInvalid, fileID)
	}
	if !topic.ValidJobID(dl.jobID) || dl.stream == "" {
		return nil, fmt.Errorf("%w: bad job id or stream name", otaerr.ErrSchemaInvalid)
	}

	return dl, nil
}
