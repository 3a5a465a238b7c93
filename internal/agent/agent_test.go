package agent

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
)

const (
	testThing  = "sensor-01"
	testStream = "AFR_OTA-stream-1"
	testJob    = "AFR_OTA-job-1"
)

type op struct {
	kind    string
	target  string
	payload []byte
}

type fakeTransport struct {
	mu  sync.Mutex
	ops []op
}

func (f *fakeTransport) record(kind, target string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op{kind: kind, target: target, payload: append([]byte(nil), payload...)})
}

func (f *fakeTransport) Subscribe(_ context.Context, filter string, _ byte) error {
	f.record("subscribe", filter, nil)
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, filter string, _ byte) error {
	f.record("unsubscribe", filter, nil)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte, _ byte) error {
	f.record("publish", topic, payload)
	return nil
}

func (f *fakeTransport) find(kind, target string) []op {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []op
	for _, o := range f.ops {
		if o.kind == kind && o.target == target {
			out = append(out, o)
		}
	}
	return out
}

type harness struct {
	agent     *Agent
	pool      *bufpool.Pool
	transport *fakeTransport
	sink      *FileSink

	mu     sync.Mutex
	events []JobEvent
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		pool:      bufpool.New(bufpool.Config{Capacity: 4, BufferSize: 1024}),
		transport: &fakeTransport{},
		sink:      NewFileSink(filepath.Join(t.TempDir(), "image.bin")),
	}

	cfg.ThingName = testThing
	h.agent = New(h.transport, h.sink, func(ev JobEvent, buf *bufpool.Buffer) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		if ev == JobEventProcessed {
			require.NoError(t, h.pool.Release(buf))
		}
	}, cfg)
	return h
}

func (h *harness) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()
	require.Eventually(t, func() bool { return h.agent.State() != StateStopped }, time.Second, time.Millisecond)
	return cancel, done
}

func (h *harness) signal(t *testing.T, id EventID, data []byte) {
	t.Helper()
	buf, err := h.pool.Acquire()
	require.NoError(t, err)
	buf.Fill(data)
	require.True(t, h.agent.SignalEvent(Event{ID: id, Buffer: buf}))
}

func (h *harness) seen(ev JobEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == ev {
			n++
		}
	}
	return n
}

func jobDocument(size int) []byte {
	return []byte(`{"execution":{"jobId":"` + testJob + `","jobDocument":{"afr_ota":{"protocols":["MQTT"],` +
		`"streamname":"` + testStream + `","files":[{"filepath":"/img","filesize":` +
		strconv.Itoa(size) + `,"fileid":0}]}}}}`)
}

func block(t *testing.T, id int, payload string) []byte {
	t.Helper()
	data, err := encMode.Marshal(blockResponse{FileID: 0, BlockID: id, BlockSize: 4, Payload: []byte(payload)})
	require.NoError(t, err)
	return data
}

func TestStartSubscribesAndRequestsJob(t *testing.T) {
	h := newHarness(t, Config{})
	cancel, done := h.run(t)
	defer cancel()

	require.True(t, h.agent.SignalEvent(Event{ID: EventStart}))
	require.Eventually(t, func() bool { return h.agent.State() == StateWaitingForJob }, time.Second, time.Millisecond)

	require.Len(t, h.transport.find("subscribe", "$aws/things/sensor-01/jobs/notify-next"), 1)
	require.Len(t, h.transport.find("subscribe", "$aws/things/sensor-01/jobs/$next/get/accepted"), 1)

	reqs := h.transport.find("publish", "$aws/things/sensor-01/jobs/$next/get")
	require.Len(t, reqs, 1)
	require.Contains(t, string(reqs[0].payload), `"clientToken":"`)

	cancel()
	<-done
	require.Equal(t, StateStopped, h.agent.State())
}

// TestDownloadCompletes drives a three-block download through two request windows.
func TestDownloadCompletes(t *testing.T) {
	h := newHarness(t, Config{BlockSize: 4, BlocksPerRequest: 2})
	cancel, done := h.run(t)
	defer cancel()

	h.signal(t, EventReceivedJobDocument, jobDocument(10))
	require.Eventually(t, func() bool { return h.agent.State() == StateDownloading }, time.Second, time.Millisecond)

	dataTopic := "$aws/things/sensor-01/streams/" + testStream + "/data/cbor"
	getTopic := "$aws/things/sensor-01/streams/" + testStream + "/get/cbor"
	updateTopic := "$aws/things/sensor-01/jobs/" + testJob + "/update"

	require.Len(t, h.transport.find("subscribe", dataTopic), 1)
	reports := h.transport.find("publish", updateTopic)
	require.Len(t, reports, 1)
	require.Contains(t, string(reports[0].payload), `"IN_PROGRESS"`)

	requests := h.transport.find("publish", getTopic)
	require.Len(t, requests, 1)
	var req blockRequest
	require.NoError(t, decMode.Unmarshal(requests[0].payload, &req))
	require.Equal(t, 0, req.Offset)
	require.Equal(t, 2, req.NumBlocks)
	require.Equal(t, 4, req.BlockSize)

	h.signal(t, EventReceivedFileBlock, block(t, 1, "5678"))
	h.signal(t, EventReceivedFileBlock, block(t, 0, "1234"))
	require.Eventually(t, func() bool { return len(h.transport.find("publish", getTopic)) == 2 }, time.Second, time.Millisecond)

	requests = h.transport.find("publish", getTopic)
	require.NoError(t, decMode.Unmarshal(requests[1].payload, &req))
	require.Equal(t, 2, req.Offset)
	require.Equal(t, 1, req.NumBlocks)

	h.signal(t, EventReceivedFileBlock, block(t, 2, "90"))
	require.Eventually(t, func() bool { return h.seen(JobEventActivate) == 1 }, time.Second, time.Millisecond)

	require.Len(t, h.transport.find("unsubscribe", dataTopic), 1)
	require.Len(t, h.transport.find("publish", updateTopic), 2)

	require.NoError(t, h.agent.ActivateNewImage())
	image, err := os.ReadFile(h.sink.Path)
	require.NoError(t, err)
	require.Equal(t, "1234567890", string(image))
	require.Equal(t, ImageStatePendingCommit, h.sink.State())

	require.Eventually(t, func() bool { return h.seen(JobEventProcessed) == 4 }, time.Second, time.Millisecond)
	require.Zero(t, h.pool.Stats().InUse)

	stats := h.agent.Stats()
	require.Equal(t, uint64(4), stats.Received)
	require.Equal(t, uint64(4), stats.Queued)
	require.Equal(t, uint64(4), stats.Processed)
	require.Zero(t, stats.Dropped)

	cancel()
	<-done
}

func (h *harness) blockRequests(t *testing.T) []blockRequest {
	t.Helper()
	getTopic := "$aws/things/sensor-01/streams/" + testStream + "/get/cbor"

	var out []blockRequest
	for _, o := range h.transport.find("publish", getTopic) {
		var req blockRequest
		require.NoError(t, decMode.Unmarshal(o.payload, &req))
		out = append(out, req)
	}
	return out
}

// TestDroppedBlockIsRequestedAgain loses block 0 of the first window upstream;
// the request deadline asks for it again and the download still completes.
func TestDroppedBlockIsRequestedAgain(t *testing.T) {
	h := newHarness(t, Config{BlockSize: 4, BlocksPerRequest: 2, RequestTimeout: 20 * time.Millisecond})
	cancel, done := h.run(t)
	defer cancel()

	h.signal(t, EventReceivedJobDocument, jobDocument(10))
	require.Eventually(t, func() bool { return h.agent.State() == StateDownloading }, time.Second, time.Millisecond)

	h.signal(t, EventReceivedFileBlock, block(t, 1, "5678"))

	require.Eventually(t, func() bool { return len(h.blockRequests(t)) >= 2 }, time.Second, time.Millisecond)
	retry := h.blockRequests(t)[1]
	require.Equal(t, 0, retry.Offset)
	require.Equal(t, 1, retry.NumBlocks, "only the missing block is requested")

	h.signal(t, EventReceivedFileBlock, block(t, 0, "1234"))
	require.Eventually(t, func() bool {
		for _, req := range h.blockRequests(t) {
			if req.Offset == 2 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	h.signal(t, EventReceivedFileBlock, block(t, 2, "90"))
	require.Eventually(t, func() bool { return h.seen(JobEventActivate) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.agent.ActivateNewImage())
	image, err := os.ReadFile(h.sink.Path)
	require.NoError(t, err)
	require.Equal(t, "1234567890", string(image))

	cancel()
	<-done
}

func TestDownloadFailsAfterRequestRetries(t *testing.T) {
	h := newHarness(t, Config{
		BlockSize:         4,
		BlocksPerRequest:  2,
		RequestTimeout:    5 * time.Millisecond,
		MaxRequestRetries: 2,
	})
	cancel, done := h.run(t)
	defer cancel()

	h.signal(t, EventReceivedJobDocument, jobDocument(8))

	require.Eventually(t, func() bool { return h.seen(JobEventFail) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateWaitingForJob, h.agent.State())
	require.Len(t, h.blockRequests(t), 3, "first request and two retries")

	updateTopic := "$aws/things/sensor-01/jobs/" + testJob + "/update"
	reports := h.transport.find("publish", updateTopic)
	require.Len(t, reports, 2)
	require.Contains(t, string(reports[1].payload), `"FAILED"`)
	require.Contains(t, string(reports[1].payload), `"request_timeout"`)

	dataTopic := "$aws/things/sensor-01/streams/" + testStream + "/data/cbor"
	require.Len(t, h.transport.find("unsubscribe", dataTopic), 1)

	cancel()
	<-done
}

func TestInvalidBlocksAreIgnored(t *testing.T) {
	h := newHarness(t, Config{BlockSize: 4, BlocksPerRequest: 8})
	cancel, done := h.run(t)
	defer cancel()

	h.signal(t, EventReceivedJobDocument, jobDocument(8))
	require.Eventually(t, func() bool { return h.agent.State() == StateDownloading }, time.Second, time.Millisecond)

	h.signal(t, EventReceivedFileBlock, []byte{0xff, 0x00})      // not CBOR
	h.signal(t, EventReceivedFileBlock, block(t, 9, "abcd"))     // out of range
	h.signal(t, EventReceivedFileBlock, block(t, 0, "too long")) // wrong size

	require.Eventually(t, func() bool { return h.seen(JobEventProcessed) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, StateDownloading, h.agent.State())
	require.Zero(t, h.seen(JobEventActivate))
	require.Zero(t, h.pool.Stats().InUse)

	cancel()
	<-done
}

func TestMalformedJobDocumentIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	cancel, done := h.run(t)
	defer cancel()

	h.signal(t, EventReceivedJobDocument, []byte(`{"execution":{"jobId":"AFR_OTA-1"}}`))
	require.Eventually(t, func() bool { return h.seen(JobEventProcessed) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateReady, h.agent.State())

	cancel()
	<-done
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t, Config{BlockSize: 4, BlocksPerRequest: 1})
	cancel, done := h.run(t)
	defer cancel()

	getTopic := "$aws/things/sensor-01/streams/" + testStream + "/get/cbor"

	h.signal(t, EventReceivedJobDocument, jobDocument(8))
	require.Eventually(t, func() bool { return h.agent.State() == StateDownloading }, time.Second, time.Millisecond)

	require.True(t, h.agent.Suspend())
	require.Eventually(t, func() bool { return h.agent.State() == StateSuspended }, time.Second, time.Millisecond)

	h.signal(t, EventReceivedFileBlock, block(t, 0, "abcd"))
	require.Eventually(t, func() bool { return h.seen(JobEventProcessed) == 2 }, time.Second, time.Millisecond)
	require.Len(t, h.transport.find("publish", getTopic), 1, "suspended agent ignores blocks")

	require.True(t, h.agent.Resume())
	require.Eventually(t, func() bool { return h.agent.State() == StateDownloading }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.transport.find("publish", getTopic)) == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestShutdownStopsRunAndReturnsBuffers(t *testing.T) {
	h := newHarness(t, Config{})
	cancel, done := h.run(t)
	defer cancel()

	require.True(t, h.agent.Shutdown())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop")
	}
	require.Equal(t, StateStopped, h.agent.State())

	// Queued after stop: buffers stay with the queue until the next drain.
	buf, err := h.pool.Acquire()
	require.NoError(t, err)
	require.True(t, h.agent.SignalEvent(Event{ID: EventReceivedFileBlock, Buffer: buf}))
	h.agent.drain()
	require.Zero(t, h.pool.Stats().InUse)
}

func TestSignalEventDropsWhenQueueFull(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1})

	require.True(t, h.agent.SignalEvent(Event{ID: EventStart}))
	require.False(t, h.agent.SignalEvent(Event{ID: EventStart}))
	require.Equal(t, uint64(1), h.agent.Stats().Dropped)
}

func TestPendingCommitStartsSelfTest(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.sink.SetState(ImageStatePendingCommit))

	cancel, done := h.run(t)
	defer cancel()

	require.True(t, h.agent.SignalEvent(Event{ID: EventStart}))
	require.Eventually(t, func() bool { return h.seen(JobEventStartTest) == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t, Config{})
	cancel, done := h.run(t)
	defer cancel()

	require.Error(t, h.agent.Run(context.Background()))

	cancel()
	<-done
}
