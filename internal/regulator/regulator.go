// Package regulator coalesces outbound message chunks into MQTT-sized
// batches, throttling emit cadence between TRICKLE and BURST modes.
package regulator

import (
	"sync"
	"time"

	"github.com/MrWong99/aiaclient/internal/scheduler"
)

// EmitMode selects the regulator's batching strategy.
type EmitMode uint8

const (
	// Trickle emits whenever any chunk arrives, after MinWaitTime has
	// elapsed since the previous emit. Minimises latency.
	Trickle EmitMode = iota

	// Burst defers emission until either the buffer can fill a message or
	// MinWaitTime elapses with data pending.
	Burst
)

// Chunk is one opaque unit of outbound data. The regulator never
// interprets its bytes; it only tracks Size for packing decisions.
type Chunk struct {
	Data []byte
}

// Size returns the number of bytes this chunk occupies.
func (c Chunk) Size() int { return len(c.Data) }

// Config tunes a [Regulator].
type Config struct {
	// MaxMessageSize is the maximum cumulative byte size of one emitted
	// batch.
	MaxMessageSize int

	// MinWaitTime is the cadence gate described by EmitMode.
	MinWaitTime time.Duration

	// EmitMode selects TRICKLE or BURST behaviour.
	EmitMode EmitMode

	// Scheduler drives the periodic emit timer.
	Scheduler *scheduler.Scheduler

	// EmitChunk is invoked once per chunk in an emitted batch, with the
	// count of bytes and chunks still to come within this batch. A
	// downstream Emitter uses remainingChunks == 0 to know when to
	// publish. Called while the regulator's mutex is held; must not call
	// back into the regulator synchronously.
	EmitChunk func(c Chunk, remainingBytes, remainingChunks int)

	// DestroyChunk is called for every chunk still queued when the
	// regulator is closed. The regulator never interprets chunk bytes, so
	// this is the caller's only hook to release associated resources.
	DestroyChunk func(c Chunk)
}

// Regulator implements the per-outbound-topic batching contract of §4.B.
// A single mutex guards the queue and the emit timer.
type Regulator struct {
	cfg Config

	mu           sync.Mutex
	queue        []Chunk
	lastEmit     time.Time
	pendingSince time.Time
	timerH       scheduler.Handle
	timerSet     bool
	closed       bool
}

// New creates a [Regulator] with the given configuration.
func New(cfg Config) *Regulator {
	return &Regulator{cfg: cfg}
}

// Write enqueues chunk for emission. It returns false if chunk exceeds
// MaxMessageSize (the regulator can never pack it, even alone) or if the
// regulator has been closed.
func (r *Regulator) Write(c Chunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if c.Size() > r.cfg.MaxMessageSize {
		return false
	}

	if len(r.queue) == 0 {
		r.pendingSince = time.Now()
	}
	r.queue = append(r.queue, c)
	r.tryEmitLocked()
	return true
}

// SetEmitMode changes the batching strategy. Safe to call while chunks are
// queued.
func (r *Regulator) SetEmitMode(mode EmitMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.EmitMode = mode
	r.tryEmitLocked()
}

// canFillMessage reports whether the head of the queue can be packed to
// exactly or within MaxMessageSize with at least one more chunk pending
// beyond what a single emit would take, i.e. enough chunks are queued to
// produce a full batch. Must be called with r.mu held.
func (r *Regulator) canFillMessageLocked() bool {
	cumulative := 0
	for _, c := range r.queue {
		if cumulative+c.Size() > r.cfg.MaxMessageSize {
			return cumulative > 0
		}
		cumulative += c.Size()
	}
	return false
}

// tryEmitLocked decides whether to emit now based on EmitMode, MinWaitTime,
// and queue contents, then arms the periodic emit timer if needed. Must be
// called with r.mu held.
func (r *Regulator) tryEmitLocked() {
	if len(r.queue) == 0 {
		r.disarmTimerLocked()
		return
	}

	switch r.cfg.EmitMode {
	case Trickle:
		// No emit has happened yet: nothing to wait on, emit immediately.
		waitOK := r.lastEmit.IsZero() || time.Since(r.lastEmit) >= r.cfg.MinWaitTime
		if waitOK {
			r.emitBatchLocked()
		}
	case Burst:
		// Gate on how long data has been sitting in the queue, not on
		// whether the regulator has ever emitted before: a fresh BURST
		// regulator must still wait for MinWaitTime or a fillable batch
		// before its very first emit.
		waitOK := !r.pendingSince.IsZero() && time.Since(r.pendingSince) >= r.cfg.MinWaitTime
		if r.canFillMessageLocked() || waitOK {
			r.emitBatchLocked()
		}
	}

	if len(r.queue) > 0 {
		r.armTimerLocked()
	} else {
		r.disarmTimerLocked()
	}
}

// emitBatchLocked walks the queue head, accumulating chunks while the
// cumulative size stays within MaxMessageSize, then calls EmitChunk for
// each. Must be called with r.mu held.
func (r *Regulator) emitBatchLocked() {
	cumulative := 0
	n := 0
	for n < len(r.queue) {
		size := r.queue[n].Size()
		if n > 0 && cumulative+size > r.cfg.MaxMessageSize {
			break
		}
		cumulative += size
		n++
	}
	if n == 0 {
		return
	}

	batch := r.queue[:n]
	r.queue = r.queue[n:]
	r.lastEmit = time.Now()
	if len(r.queue) == 0 {
		r.pendingSince = time.Time{}
	}

	totalBytes := 0
	for _, c := range batch {
		totalBytes += c.Size()
	}

	remainingBytes := totalBytes
	remainingChunks := len(batch)
	for _, c := range batch {
		remainingBytes -= c.Size()
		remainingChunks--
		if r.cfg.EmitChunk != nil {
			r.cfg.EmitChunk(c, remainingBytes, remainingChunks)
		}
	}
}

// armTimerLocked schedules the periodic emit check at MinWaitTime if one
// isn't already pending. Must be called with r.mu held.
func (r *Regulator) armTimerLocked() {
	if r.timerSet || r.cfg.Scheduler == nil || r.cfg.MinWaitTime <= 0 {
		return
	}
	r.timerSet = true
	r.timerH = r.cfg.Scheduler.After(r.cfg.MinWaitTime, r.onTimer)
}

// disarmTimerLocked cancels the periodic emit check. Must be called with
// r.mu held.
func (r *Regulator) disarmTimerLocked() {
	if r.timerSet && r.cfg.Scheduler != nil {
		r.cfg.Scheduler.Cancel(r.timerH)
	}
	r.timerSet = false
}

// onTimer runs on the scheduler goroutine when the emit cadence elapses.
func (r *Regulator) onTimer() {
	r.mu.Lock()
	r.timerSet = false
	r.tryEmitLocked()
	r.mu.Unlock()
}

// Close disarms the timer and calls DestroyChunk for every chunk still
// queued. After Close, Write always returns false.
func (r *Regulator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.disarmTimerLocked()

	if r.cfg.DestroyChunk != nil {
		for _, c := range r.queue {
			r.cfg.DestroyChunk(c)
		}
	}
	r.queue = nil
	return nil
}

// QueuedBytes returns the total byte size of all currently queued chunks,
// for diagnostics.
func (r *Regulator) QueuedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, c := range r.queue {
		total += c.Size()
	}
	return total
}
