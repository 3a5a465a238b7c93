// Package otaerr defines the error taxonomy shared by the OTA routing core.
//
// Every error surfaced by the core wraps one of the sentinels below, so callers
// branch with errors.Is and logs/metrics label failures with Classify(err).String().
//
// Two kinds never travel as return values: ConfigurationError and
// PreconditionViolated are raised as panics through MustConfig and Assert.
package otaerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks an invalid static setup (bad thing name, unroutable filter).
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocol marks a failure reported by the MQTT engine, or a rejected submission.
	ErrProtocol = errors.New("protocol operation failed")

	// ErrTimeout marks a bridge wait that expired before the engine called back.
	ErrTimeout = errors.New("operation timed out")

	// ErrResourceExhausted marks an empty event buffer pool.
	ErrResourceExhausted = errors.New("no event buffers available")

	// ErrSchemaInvalid marks a job document missing a required field.
	ErrSchemaInvalid = errors.New("job document schema invalid")

	// ErrPrecondition marks a broken internal invariant.
	ErrPrecondition = errors.New("precondition violated")
)

// Kind categorizes errors for logging and metrics.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindProtocol
	KindTimeout
	KindResourceExhausted
	KindSchemaInvalid
	KindPrecondition
)

// String returns the label used in logs and metric dimensions.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindSchemaInvalid:
		return "schema_invalid"
	case KindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Classify maps err to its Kind. A nil error is KindUnknown.
//
// Timeout is checked before Protocol: a bridge timeout never wraps ErrProtocol,
// but callers may wrap both when reporting a failed status update.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrSchemaInvalid):
		return KindSchemaInvalid
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	default:
		return KindUnknown
	}
}

// Assert panics with an error wrapping ErrPrecondition when cond is false.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...)))
}

// MustConfig panics with an error wrapping ErrConfiguration when cond is false.
func MustConfig(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...)))
}
