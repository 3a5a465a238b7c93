package router

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
	"github.com/e7canasta/orion-care-sensor/ota/internal/jobs"
)

const thing = "sensor-01"

type fakeEngine struct {
	mu     sync.Mutex
	refuse bool
	events []agent.Event
	data   [][]byte
}

func (f *fakeEngine) SignalEvent(ev agent.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.events = append(f.events, ev)
	f.data = append(f.data, append([]byte(nil), ev.Buffer.Bytes()...))
	return true
}

type fakeDispatcher struct {
	mu    sync.Mutex
	descs []jobs.Descriptor

	// gate, when set, holds every Dispatch until it is closed.
	gate chan struct{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, desc *jobs.Descriptor) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Descriptor fields borrow from router scratch; copy what the test inspects.
	f.descs = append(f.descs, jobs.Descriptor{
		JobID:      bytes.Clone(desc.JobID),
		Action:     desc.Action,
		ActionName: bytes.Clone(desc.ActionName),
		Message:    bytes.Clone(desc.Message),
		HasMessage: desc.HasMessage,
	})
}

func newRouter(t *testing.T, capacity int) (*Router, *bufpool.Pool, *fakeEngine, *fakeDispatcher) {
	t.Helper()
	pool := bufpool.New(bufpool.Config{Capacity: capacity, BufferSize: 256})
	engine := &fakeEngine{}
	dispatcher := &fakeDispatcher{}
	r := New(pool, engine, dispatcher, Config{ThingName: thing})
	return r, pool, engine, dispatcher
}

func publish(topic, payload string) *bridge.Message {
	return &bridge.Message{Topic: topic, Payload: []byte(payload)}
}

func TestStreamBlockIsForwarded(t *testing.T) {
	r, pool, engine, _ := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/sensor-01/streams/AFR_OTA-s1/data/cbor", "\xa1\x61p\x41x"))

	require.Len(t, engine.events, 1)
	require.Equal(t, agent.EventReceivedFileBlock, engine.events[0].ID)
	require.Equal(t, []byte("\xa1\x61p\x41x"), engine.data[0])
	require.Equal(t, 1, pool.Stats().InUse)
	require.Equal(t, uint64(1), r.Stats().Forwarded)
}

func TestOTAJobDocumentIsForwarded(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{
			name:    "id in topic",
			topic:   "$aws/things/sensor-01/jobs/AFR_OTA-7/get/accepted",
			payload: `{"execution":{"jobId":"AFR_OTA-7"}}`,
		},
		{
			name:    "id in payload for next job",
			topic:   "$aws/things/sensor-01/jobs/$next/get/accepted",
			payload: `{"execution":{"jobId":"AFR_OTA-8","jobDocument":{"afr_ota":{}}}}`,
		},
		{
			name:    "notify next",
			topic:   "$aws/things/sensor-01/jobs/notify-next",
			payload: `{"execution":{"jobId":"AFR_OTA-9"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, engine, dispatcher := newRouter(t, 2)

			r.HandlePublish(publish(tt.topic, tt.payload))

			require.Len(t, engine.events, 1)
			require.Equal(t, agent.EventReceivedJobDocument, engine.events[0].ID)
			require.Equal(t, tt.payload, string(engine.data[0]))
			require.Empty(t, dispatcher.descs)
		})
	}
}

func TestCustomJobIsDispatched(t *testing.T) {
	r, pool, engine, dispatcher := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/sensor-01/jobs/$next/get/accepted",
		`{"execution":{"jobId":"job-42","jobDocument":{"action":"print","message":"hello"}}}`))
	r.Wait()

	require.Empty(t, engine.events)
	require.Zero(t, pool.Stats().InUse)
	require.Len(t, dispatcher.descs, 1)
	require.Equal(t, "job-42", string(dispatcher.descs[0].JobID))
	require.Equal(t, jobs.ActionPrint, dispatcher.descs[0].Action)
	require.Equal(t, "hello", string(dispatcher.descs[0].Message))
	require.Equal(t, uint64(1), r.Stats().Dispatched)
}

// TestCustomJobDoesNotBlockDelivery holds the dispatcher the way a bridge wait
// would and checks later publishes still reach the update engine.
func TestCustomJobDoesNotBlockDelivery(t *testing.T) {
	r, _, engine, dispatcher := newRouter(t, 2)
	dispatcher.gate = make(chan struct{})

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		r.HandlePublish(publish("$aws/things/sensor-01/jobs/notify-next",
			`{"execution":{"jobId":"job-1","jobDocument":{"action":"exit"}}}`))
		r.HandlePublish(publish("$aws/things/sensor-01/streams/s1/data/cbor", "block"))
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on job dispatch")
	}
	require.Len(t, engine.events, 1)

	close(dispatcher.gate)
	r.Wait()
	require.Len(t, dispatcher.descs, 1)
	require.Equal(t, jobs.ActionExit, dispatcher.descs[0].Action)
}

func TestCustomJobsAreDispatchedInArrivalOrder(t *testing.T) {
	r, _, _, dispatcher := newRouter(t, 2)
	dispatcher.gate = make(chan struct{})

	payload := []byte(`{"execution":{"jobId":"job-0","jobDocument":{"action":"print","message":"m"}}}`)
	for i := range 5 {
		msg := &bridge.Message{Topic: "$aws/things/sensor-01/jobs/notify-next", Payload: bytes.Clone(payload)}
		msg.Payload = bytes.Replace(msg.Payload, []byte("job-0"), []byte("job-"+strconv.Itoa(i)), 1)
		r.HandlePublish(msg)

		// The delivery buffer may be reused once HandlePublish returns.
		copy(msg.Payload, bytes.Repeat([]byte("x"), len(msg.Payload)))
	}

	close(dispatcher.gate)
	r.Wait()

	require.Len(t, dispatcher.descs, 5)
	for i, desc := range dispatcher.descs {
		require.Equal(t, "job-"+strconv.Itoa(i), string(desc.JobID))
		require.Equal(t, "m", string(desc.Message))
	}
	require.Equal(t, uint64(5), r.Stats().Dispatched)
}

func TestNotifyNextWithoutPendingJob(t *testing.T) {
	r, _, engine, dispatcher := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/sensor-01/jobs/notify-next", `{"timestamp":1700000000}`))

	require.Empty(t, engine.events)
	require.Empty(t, dispatcher.descs)
	require.Equal(t, uint64(1), r.Stats().CustomJobs)
}

func TestInvalidJobPayloadIsDropped(t *testing.T) {
	r, _, engine, dispatcher := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/sensor-01/jobs/notify-next", `{"execution":`))

	require.Empty(t, engine.events)
	require.Empty(t, dispatcher.descs)
}

func TestJobResponsesAreOnlyLogged(t *testing.T) {
	r, _, engine, dispatcher := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/sensor-01/jobs/job-1/update/accepted", `{}`))
	r.HandlePublish(publish("$aws/things/sensor-01/jobs/job-1/update/rejected", `{"code":"InvalidRequest"}`))
	r.HandlePublish(publish("$aws/things/sensor-01/jobs/$next/get/rejected", `{}`))
	r.HandlePublish(publish("$aws/things/sensor-01/jobs/start-next/rejected", `{}`))
	r.HandlePublish(publish("$aws/things/sensor-01/jobs/job-1/bogus", `{}`))

	require.Empty(t, engine.events)
	require.Empty(t, dispatcher.descs)
	require.Equal(t, uint64(5), r.Stats().Job)
	require.Equal(t, uint64(5), r.Stats().CustomJobs)
}

func TestUnknownTopicIsDropped(t *testing.T) {
	r, pool, engine, dispatcher := newRouter(t, 2)

	r.HandlePublish(publish("$aws/things/other-thing/jobs/notify-next", `{}`))
	r.HandlePublish(publish("$aws/things/sensor-01/shadow/update", `{}`))
	r.HandlePublish(publish("sensors/temperature", `21.5`))

	require.Empty(t, engine.events)
	require.Empty(t, dispatcher.descs)
	require.Zero(t, pool.Stats().InUse)
	require.Equal(t, uint64(3), r.Stats().Unknown)
}

func TestExhaustedPoolDropsMessage(t *testing.T) {
	r, pool, engine, _ := newRouter(t, 1)
	dataTopic := "$aws/things/sensor-01/streams/s1/data/cbor"

	r.HandlePublish(publish(dataTopic, "one"))
	r.HandlePublish(publish(dataTopic, "two"))

	require.Len(t, engine.events, 1)
	require.Equal(t, uint64(1), r.Stats().Exhausted)

	require.NoError(t, pool.Release(engine.events[0].Buffer))
	r.HandlePublish(publish(dataTopic, "three"))
	require.Len(t, engine.events, 2)
	require.Equal(t, "three", string(engine.data[1]))
}

func TestRefusedEventReleasesBuffer(t *testing.T) {
	r, pool, engine, _ := newRouter(t, 2)
	engine.refuse = true

	r.HandlePublish(publish("$aws/things/sensor-01/streams/s1/data/cbor", "block"))

	require.Zero(t, pool.Stats().InUse)
	require.Equal(t, uint64(1), r.Stats().QueueRefused)
	require.Zero(t, r.Stats().Forwarded)
}

func TestOversizedPayloadPanics(t *testing.T) {
	pool := bufpool.New(bufpool.Config{Capacity: 1, BufferSize: 8})
	r := New(pool, &fakeEngine{}, &fakeDispatcher{}, Config{ThingName: thing})

	require.Panics(t, func() {
		r.HandlePublish(publish("$aws/things/sensor-01/streams/s1/data/cbor", "123456789"))
	})
	require.Zero(t, pool.Stats().InUse)
}

func TestNewRequiresThingName(t *testing.T) {
	pool := bufpool.New(bufpool.Config{Capacity: 1, BufferSize: 8})
	require.Panics(t, func() {
		New(pool, &fakeEngine{}, &fakeDispatcher{}, Config{})
	})
}
