package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

// rendezvous is a one-shot, single-slot handoff between the engine's completion
// callback and the call blocked on it.
//
// It resolves at most once. A call that stops waiting (timeout, cancellation)
// marks it abandoned so a late completion can be told apart from an on-time one.
type rendezvous struct {
	ch        chan Status
	abandoned atomic.Bool
}

func newRendezvous() *rendezvous {
	return &rendezvous{ch: make(chan Status, 1)}
}

// resolve delivers s. It never blocks; false means the slot was already filled.
func (r *rendezvous) resolve(s Status) bool {
	select {
	case r.ch <- s:
		return true
	default:
		return false
	}
}

// wait blocks until resolve, timeout or ctx is done.
// Expiry returns otaerr.ErrTimeout; cancellation returns ctx.Err().
func (r *rendezvous) wait(ctx context.Context, timeout time.Duration) (Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-r.ch:
		return s, nil
	case <-timer.C:
		r.abandoned.Store(true)
		return 0, otaerr.ErrTimeout
	case <-ctx.Done():
		r.abandoned.Store(true)
		return 0, ctx.Err()
	}
}
