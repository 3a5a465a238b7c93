// Package metrics exposes the OTA client's internal counters to Prometheus.
//
// Components keep their own atomic counters and Stats snapshots; this package only
// reads them at scrape time through CounterFunc and GaugeFunc collectors, so nothing
// on the message path touches Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
	"github.com/e7canasta/orion-care-sensor/ota/internal/jobs"
	"github.com/e7canasta/orion-care-sensor/ota/internal/mqttengine"
	"github.com/e7canasta/orion-care-sensor/ota/internal/router"
)

const namespace = "ota"

// Sources are the Stats snapshots to export. Nil sources are skipped.
type Sources struct {
	Pool       func() bufpool.Stats
	Bridge     func() bridge.Stats
	Engine     func() mqttengine.Stats
	Router     func() router.Stats
	Agent      func() agent.Stats
	AgentState func() agent.State
	Dispatcher func() jobs.DispatcherStats
}

// Registry is a Prometheus registry populated from Sources.
type Registry struct {
	reg *prometheus.Registry
}

// New creates a Registry with collectors for every non-nil source.
func New(src Sources) (*Registry, error) {
	r := &Registry{reg: prometheus.NewRegistry()}

	var cs []prometheus.Collector

	if f := src.Pool; f != nil {
		cs = append(cs,
			gauge("pool", "buffers", "Number of buffers in the OTA event pool", func() float64 { return float64(f().Capacity) }),
			gauge("pool", "buffers_in_use", "Buffers currently owned by an event", func() float64 { return float64(f().InUse) }),
			counter("pool", "acquired_total", "Buffers handed out", func() float64 { return float64(f().Acquired) }),
			counter("pool", "released_total", "Buffers returned", func() float64 { return float64(f().Released) }),
			counter("pool", "exhausted_total", "Acquire calls that found no free buffer", func() float64 { return float64(f().Exhausted) }),
			counter("pool", "lock_timeouts_total", "Pool operations that timed out on the pool lock", func() float64 { return float64(f().LockTimeouts) }),
		)
	}

	if f := src.Bridge; f != nil {
		cs = append(cs,
			counter("bridge", "submitted_total", "Commands accepted by the MQTT engine", func() float64 { return float64(f().Submitted) }),
			counter("bridge", "rejected_total", "Commands rejected at submission", func() float64 { return float64(f().Rejected) }),
			counter("bridge", "succeeded_total", "Commands completed successfully", func() float64 { return float64(f().Succeeded) }),
			counter("bridge", "failed_total", "Commands completed with a failure status", func() float64 { return float64(f().Failed) }),
			counter("bridge", "timeouts_total", "Calls that gave up waiting for completion", func() float64 { return float64(f().TimedOut) }),
			counter("bridge", "late_completions_total", "Completions that arrived after their caller timed out", func() float64 { return float64(f().LateCompletions) }),
		)
	}

	if f := src.Engine; f != nil {
		cs = append(cs,
			gauge("mqtt", "connected", "1 when the MQTT client holds a broker connection", func() float64 { return boolValue(f().Connected) }),
			gauge("mqtt", "commands_in_flight", "MQTT commands awaiting completion", func() float64 { return float64(f().InFlight) }),
			counter("mqtt", "messages_received_total", "Inbound publishes", func() float64 { return float64(f().Inbound) }),
		)
	}

	if f := src.Router; f != nil {
		cs = append(cs,
			counter("router", "stream_messages_total", "Publishes on stream topics", func() float64 { return float64(f().Stream) }),
			counter("router", "job_messages_total", "Publishes on job topics", func() float64 { return float64(f().Job) }),
			counter("router", "unknown_messages_total", "Publishes on unrecognized topics", func() float64 { return float64(f().Unknown) }),
			counter("router", "forwarded_total", "Publishes handed to the update engine", func() float64 { return float64(f().Forwarded) }),
			counter("router", "dropped_no_buffer_total", "Publishes dropped for lack of a buffer", func() float64 { return float64(f().Exhausted) }),
			counter("router", "dropped_queue_full_total", "Publishes dropped because the update engine refused the event", func() float64 { return float64(f().QueueRefused) }),
			counter("router", "custom_jobs_dispatched_total", "Custom job documents dispatched", func() float64 { return float64(f().Dispatched) }),
		)
	}

	if f := src.Agent; f != nil {
		cs = append(cs,
			counter("agent", "events_received_total", "Events signalled to the update engine", func() float64 { return float64(f().Received) }),
			counter("agent", "events_queued_total", "Events accepted into the queue", func() float64 { return float64(f().Queued) }),
			counter("agent", "events_processed_total", "Events handled", func() float64 { return float64(f().Processed) }),
			counter("agent", "events_dropped_total", "Events dropped on a full queue", func() float64 { return float64(f().Dropped) }),
		)
	}
	if f := src.AgentState; f != nil {
		cs = append(cs, gauge("agent", "state", "Update engine state (0 stopped, 1 ready, 2 waiting, 3 downloading, 4 suspended)",
			func() float64 { return float64(f()) }))
	}

	if f := src.Dispatcher; f != nil {
		cs = append(cs,
			counter("jobs", "dispatched_total", "Custom jobs dispatched", func() float64 { return float64(f().Dispatched) }),
			counter("jobs", "succeeded_total", "Custom jobs reported SUCCEEDED", func() float64 { return float64(f().Succeeded) }),
			counter("jobs", "failed_total", "Custom jobs reported FAILED", func() float64 { return float64(f().Failed) }),
			counter("jobs", "ignored_total", "Custom jobs with an unknown action", func() float64 { return float64(f().Ignored) }),
			counter("jobs", "report_errors_total", "Status updates that could not be published", func() float64 { return float64(f().ReportErrors) }),
		)
	}

	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func counter(subsystem, name, help string, f func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f)
}

func gauge(subsystem, name, help string, f func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, f)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
