package bridge

// Op is the kind of operation a Command asks the engine to perform.
type Op int

const (
	OpPublish Op = iota
	OpSubscribe
	OpUnsubscribe
)

// String returns the log label for op.
func (op Op) String() string {
	switch op {
	case OpPublish:
		return "publish"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Status is the outcome an engine reports for an accepted command.
type Status int

const (
	StatusSuccess Status = iota
	StatusBadParameter
	StatusNoMemory
	StatusSendFailed
	StatusRecvFailed
	StatusBadResponse
	StatusServerRefused
	StatusTerminated
)

// String returns the log label for s.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadParameter:
		return "bad_parameter"
	case StatusNoMemory:
		return "no_memory"
	case StatusSendFailed:
		return "send_failed"
	case StatusRecvFailed:
		return "recv_failed"
	case StatusBadResponse:
		return "bad_response"
	case StatusServerRefused:
		return "server_refused"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Message is an inbound publish delivered by the engine.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Handler receives inbound publishes routed to a subscription.
// It runs on an engine goroutine and must not retain msg.Payload after returning.
type Handler func(msg *Message)

// PublishInfo is the argument block of a publish command.
type PublishInfo struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// SubscriptionRequest is the argument block of a subscribe or unsubscribe command.
type SubscriptionRequest struct {
	Direction Op
	Filter    string
	QoS       byte
	Handler   Handler
}

// Command is one operation submitted to an Engine.
type Command struct {
	// ID identifies the waiting call in logs.
	ID string

	Op Op

	// Publish is set for OpPublish.
	Publish *PublishInfo

	// Subscription is set for OpSubscribe and OpUnsubscribe.
	Subscription *SubscriptionRequest

	// Done is invoked by the engine exactly once per accepted command,
	// from an engine goroutine. It is never invoked for a rejected command.
	Done func(Status)
}

// Engine is the asynchronous MQTT command engine the Bridge wraps.
type Engine interface {
	// Submit queues cmd. A non-nil error means the command was rejected
	// (queue full, not connected, bad parameter) and cmd.Done will not run.
	Submit(cmd *Command) error

	// Terminate stops the engine. Accepted commands still pending complete
	// with StatusTerminated.
	Terminate() error
}
