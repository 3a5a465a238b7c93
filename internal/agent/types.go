package agent

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
)

// EventID identifies an event on the agent queue.
type EventID int

const (
	EventStart EventID = iota
	EventReceivedJobDocument
	EventReceivedFileBlock
	EventSuspend
	EventResume
	EventShutdown
)

// String returns the log label for id.
func (id EventID) String() string {
	switch id {
	case EventStart:
		return "start"
	case EventReceivedJobDocument:
		return "received_job_document"
	case EventReceivedFileBlock:
		return "received_file_block"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the agent. Buffer, when set, is on loan to the
// agent and goes back to its owner through the JobEventProcessed callback.
type Event struct {
	ID     EventID
	Buffer *bufpool.Buffer
}

// JobEvent is a lifecycle notification delivered to the application callback.
type JobEvent int

const (
	JobEventActivate JobEvent = iota
	JobEventFail
	JobEventStartTest
	JobEventProcessed
	JobEventSelfTestFailed
)

// String returns the log label for e.
func (e JobEvent) String() string {
	switch e {
	case JobEventActivate:
		return "activate"
	case JobEventFail:
		return "fail"
	case JobEventStartTest:
		return "start_test"
	case JobEventProcessed:
		return "processed"
	case JobEventSelfTestFailed:
		return "self_test_failed"
	default:
		return "unknown"
	}
}

// AppCallback receives lifecycle notifications on the agent goroutine.
// buf is only set for JobEventProcessed.
type AppCallback func(event JobEvent, buf *bufpool.Buffer)

// State is the agent's coarse lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateReady
	StateWaitingForJob
	StateDownloading
	StateSuspended
)

// String returns the log label for s.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateReady:
		return "ready"
	case StateWaitingForJob:
		return "waiting_for_job"
	case StateDownloading:
		return "downloading"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Transport is the MQTT surface the agent talks through. Calls block until the
// broker acknowledges them or the transport's timeout expires.
type Transport interface {
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string, qos byte) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// ImageState is the commit state of the downloaded image.
type ImageState int

const (
	ImageStateUnknown ImageState = iota
	ImageStatePendingCommit
	ImageStateAccepted
	ImageStateRejected
	ImageStateAborted
)

// String returns the log label for s.
func (s ImageState) String() string {
	switch s {
	case ImageStatePendingCommit:
		return "pending_commit"
	case ImageStateAccepted:
		return "accepted"
	case ImageStateRejected:
		return "rejected"
	case ImageStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ImageSink stores the image being downloaded.
type ImageSink interface {
	Create(size int) error
	WriteBlock(offset int, data []byte) error
	Close() error
	Abort() error
	Activate() error
	SetState(state ImageState) error
	State() ImageState
}
