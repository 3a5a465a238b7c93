// Package bufpool provides the fixed-capacity event buffer pool shared between the
// MQTT delivery callbacks (producers) and the update engine (consumer).
//
// # Ownership
//
// A Buffer has exactly one owner at a time. Acquire lends a free slot to the caller;
// the owner hands it downstream together with the event that references it, and
// whoever consumes that event calls Release exactly once. Releasing a buffer that is
// not on loan panics with otaerr.ErrPrecondition.
//
// # Exhaustion
//
// Capacity is fixed at construction. Acquire never waits for a slot to free up: when
// every slot is lent out it returns otaerr.ErrResourceExhausted and the producer
// drops its message. Exhaustion is a normal condition, not a failure of the pool.
//
// # Thread Safety
//
// One lock serializes Acquire and Release. Waiting for that lock is bounded by
// Config.LockTimeout; on expiry the call logs and returns ErrLockTimeout.
package bufpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

// ErrLockTimeout is returned when the pool lock could not be taken in time.
var ErrLockTimeout = errors.New("bufpool: lock wait expired")

const defaultLockTimeout = time.Second

// Config sizes a Pool.
type Config struct {
	// Capacity is the number of buffers in the pool.
	Capacity int

	// BufferSize is the fixed size of each buffer in bytes.
	BufferSize int

	// LockTimeout bounds the wait for the pool lock (default 1s).
	LockTimeout time.Duration

	Logger *slog.Logger
}

// Buffer is one pool slot. Its contents are only valid while on loan.
type Buffer struct {
	data  []byte
	n     int
	index int
	inUse bool // guarded by Pool.lock
	pool  *Pool
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the fixed buffer size.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Index returns the slot number of b within its pool.
func (b *Buffer) Index() int {
	return b.index
}

// Fill copies p into the buffer. p longer than Cap is a precondition violation.
func (b *Buffer) Fill(p []byte) {
	otaerr.Assert(len(p) <= len(b.data), "payload of %d bytes exceeds buffer size %d", len(p), len(b.data))
	b.n = copy(b.data, p)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Capacity     int
	InUse        int
	Acquired     uint64
	Released     uint64
	Exhausted    uint64
	LockTimeouts uint64
}

// Pool is a fixed set of equally sized buffers.
type Pool struct {
	lock        chan struct{} // capacity 1; holding the token is holding the lock
	slots       []Buffer
	lockTimeout time.Duration
	logger      *slog.Logger

	inUse        atomic.Int64
	acquired     atomic.Uint64
	released     atomic.Uint64
	exhausted    atomic.Uint64
	lockTimeouts atomic.Uint64
}

// New allocates every buffer up front.
func New(cfg Config) *Pool {
	otaerr.MustConfig(cfg.Capacity > 0, "buffer pool capacity must be > 0, got %d", cfg.Capacity)
	otaerr.MustConfig(cfg.BufferSize > 0, "buffer size must be > 0, got %d", cfg.BufferSize)

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		lock:        make(chan struct{}, 1),
		slots:       make([]Buffer, cfg.Capacity),
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
	}

	// One backing array, sliced per slot.
	backing := make([]byte, cfg.Capacity*cfg.BufferSize)
	for i := range p.slots {
		p.slots[i] = Buffer{
			data:  backing[i*cfg.BufferSize : (i+1)*cfg.BufferSize : (i+1)*cfg.BufferSize],
			index: i,
			pool:  p,
		}
	}

	return p
}

// Acquire lends the first free buffer to the caller.
//
// Returns otaerr.ErrResourceExhausted when every buffer is on loan and
// ErrLockTimeout when the pool lock could not be taken in time.
func (p *Pool) Acquire() (*Buffer, error) {
	if !p.tryLock() {
		p.lockTimeouts.Add(1)
		p.logger.Error("failed to take buffer pool lock", "op", "acquire", "timeout", p.lockTimeout)
		return nil, fmt.Errorf("acquire: %w", ErrLockTimeout)
	}
	defer p.unlock()

	for i := range p.slots {
		buf := &p.slots[i]
		if buf.inUse {
			continue
		}
		buf.inUse = true
		buf.n = 0
		p.inUse.Add(1)
		p.acquired.Add(1)
		return buf, nil
	}

	p.exhausted.Add(1)
	return nil, otaerr.ErrResourceExhausted
}

// Release returns buf to the pool.
//
// Releasing nil, a foreign buffer or a buffer that is not on loan panics.
// On ErrLockTimeout the buffer stays on loan.
func (p *Pool) Release(buf *Buffer) error {
	otaerr.Assert(buf != nil, "release of nil buffer")
	otaerr.Assert(buf.pool == p, "release of buffer %d owned by another pool", buf.index)

	if !p.tryLock() {
		p.lockTimeouts.Add(1)
		p.logger.Error("failed to take buffer pool lock", "op", "release", "buffer", buf.index, "timeout", p.lockTimeout)
		return fmt.Errorf("release buffer %d: %w", buf.index, ErrLockTimeout)
	}
	defer p.unlock()

	otaerr.Assert(buf.inUse, "release of buffer %d that is not on loan", buf.index)

	buf.inUse = false
	buf.n = 0
	p.inUse.Add(-1)
	p.released.Add(1)
	return nil
}

// Capacity returns the number of buffers in the pool.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// BufferSize returns the size of each buffer.
func (p *Pool) BufferSize() int {
	return len(p.slots[0].data)
}

// Stats returns a snapshot of pool counters. Safe to call concurrently.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:     len(p.slots),
		InUse:        int(p.inUse.Load()),
		Acquired:     p.acquired.Load(),
		Released:     p.released.Load(),
		Exhausted:    p.exhausted.Load(),
		LockTimeouts: p.lockTimeouts.Load(),
	}
}

func (p *Pool) tryLock() bool {
	select {
	case p.lock <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(p.lockTimeout)
	defer timer.Stop()

	select {
	case p.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Pool) unlock() {
	<-p.lock
}
