// Package sequencer reorders inbound messages per topic into strictly
// increasing sequence-number order, with a bounded out-of-order window and
// a one-shot gap timeout.
package sequencer

import (
	"sync"
	"time"

	"github.com/MrWong99/aiaclient/internal/scheduler"
)

// slot holds one out-of-order message awaiting its turn.
type slot struct {
	data     []byte
	occupied bool
}

// Config tunes a [Sequencer].
type Config struct {
	// MaxSlots is the size of the out-of-order window.
	MaxSlots int

	// StartingSequenceNumber is the first sequence number the sequencer
	// expects.
	StartingSequenceNumber uint32

	// GapTimeout is how long the sequencer waits for a missing message
	// before firing OnTimeout. Zero disables the timer.
	GapTimeout time.Duration

	// Scheduler drives the gap timer. Required when GapTimeout > 0.
	Scheduler *scheduler.Scheduler

	// OnSequenced is invoked, in order, for every message that reaches the
	// head of the window. Called under the sequencer's lock; must not call
	// back into the sequencer synchronously.
	OnSequenced func(data []byte, seq uint32)

	// OnTimeout fires once when the gap timer expires. Runs on the
	// scheduler goroutine, not under the sequencer's lock.
	OnTimeout func()
}

// Sequencer implements the per-topic reorder buffer described in §4.A.
// All exported methods are safe for concurrent use; callers are expected to
// serialise their own calls as the original contract assumes (the internal
// mutex exists to protect against the scheduler's timeout goroutine).
type Sequencer struct {
	cfg Config

	mu           sync.Mutex
	nextExpected uint32
	slots        []slot
	timeoutH     scheduler.Handle
	timeoutArmed bool
}

// New creates a [Sequencer] with the given configuration.
func New(cfg Config) *Sequencer {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 1
	}
	return &Sequencer{
		cfg:          cfg,
		nextExpected: cfg.StartingSequenceNumber,
		slots:        make([]slot, cfg.MaxSlots),
	}
}

// Write accepts one inbound message. It returns false only when the
// message's sequence number falls beyond the out-of-order window
// (seq - nextExpected, mod 2^32, >= MaxSlots); such a message is beyond the
// window and none of the sequencer's state is modified. A duplicate of a
// sequence number already drained in a past cascade is accepted and silently
// dropped; a duplicate of one still buffered is accepted and replaces the
// buffered occupant.
func (s *Sequencer) Write(data []byte, seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dist := seq - s.nextExpected // forward wraparound distance, per §4.A
	if dist >= uint32(len(s.slots)) {
		// Either too far ahead of the window, or a duplicate of a message
		// already drained past. backDist measures how far behind
		// nextExpected seq falls; a small backDist means this slot was
		// recently delivered and drained, so the duplicate is a silent
		// no-op rather than a capacity failure.
		backDist := s.nextExpected - seq
		if backDist > 0 && backDist <= uint32(len(s.slots)) {
			return true
		}
		return false
	}

	if dist == 0 {
		s.deliver(data, seq)
		// Slot 0 stood for the message just delivered; shift so slot 0 is
		// the new nextExpected before draining.
		copy(s.slots, s.slots[1:])
		s.slots[len(s.slots)-1] = slot{}
		s.cascadeDrain()
		s.rearmOrDisarmTimer()
		return true
	}

	// Out-of-order: buffer it. A repeat write to the same slot (duplicate)
	// simply overwrites the existing occupant with identical data.
	s.slots[dist] = slot{data: data, occupied: true}
	s.rearmOrDisarmTimer()
	return true
}

// deliver invokes OnSequenced and advances nextExpected by one. Must be
// called with s.mu held.
func (s *Sequencer) deliver(data []byte, seq uint32) {
	s.nextExpected = seq + 1
	if s.cfg.OnSequenced != nil {
		s.cfg.OnSequenced(data, seq)
	}
}

// cascadeDrain delivers every consecutive occupied slot starting at index
// 0, shifting the table left after each delivery. Must be called with
// s.mu held.
func (s *Sequencer) cascadeDrain() {
	for len(s.slots) > 0 && s.slots[0].occupied {
		occupant := s.slots[0]
		copy(s.slots, s.slots[1:])
		s.slots[len(s.slots)-1] = slot{}
		s.deliver(occupant.data, s.nextExpected)
	}
}

// hasGap reports whether any slot beyond index 0 is occupied while slot 0
// is not — i.e. a message is missing. Must be called with s.mu held.
func (s *Sequencer) hasGap() bool {
	for i := 1; i < len(s.slots); i++ {
		if s.slots[i].occupied {
			return true
		}
	}
	return false
}

// rearmOrDisarmTimer arms the gap timer if a gap exists and none is
// currently armed, or cancels it if the gap has closed. Must be called
// with s.mu held.
func (s *Sequencer) rearmOrDisarmTimer() {
	if s.cfg.GapTimeout <= 0 || s.cfg.Scheduler == nil {
		return
	}

	gap := s.hasGap()
	if gap && !s.timeoutArmed {
		s.timeoutArmed = true
		s.timeoutH = s.cfg.Scheduler.After(s.cfg.GapTimeout, s.onTimeout)
	} else if !gap && s.timeoutArmed {
		s.cfg.Scheduler.Cancel(s.timeoutH)
		s.timeoutArmed = false
	}
}

// onTimeout runs on the scheduler goroutine when the gap timer expires.
func (s *Sequencer) onTimeout() {
	s.mu.Lock()
	s.timeoutArmed = false
	cb := s.cfg.OnTimeout
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// ResetSequenceNumber sets the next expected sequence number, clearing any
// buffered out-of-order slots and disarming the gap timer. Used when the
// service signals that a gap should be skipped.
func (s *Sequencer) ResetSequenceNumber(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeoutArmed && s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Cancel(s.timeoutH)
		s.timeoutArmed = false
	}
	s.nextExpected = n
	s.slots = make([]slot, len(s.slots))
}

// NextExpected returns the sequence number the sequencer currently expects.
func (s *Sequencer) NextExpected() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextExpected
}
