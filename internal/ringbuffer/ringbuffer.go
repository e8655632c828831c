// Package ringbuffer implements the fixed-capacity, single-writer,
// multi-reader circular word store used as the backbone for microphone
// capture and speaker playback (§4.D).
package ringbuffer

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WriterPolicy selects how Write behaves when it would overrun the oldest
// unconsumed reader.
type WriterPolicy uint8

const (
	// NonBlockable always writes the full request, overwriting any reader
	// that has not kept up. Requests larger than capacity are truncated to
	// the last capacity words, since the rest would be immediately stale.
	NonBlockable WriterPolicy = iota

	// NonBlocking silently truncates the write to the space currently
	// available before the oldest unconsumed reader.
	NonBlocking

	// AllOrNothing writes the full request or returns ErrWouldBlock. A
	// request larger than capacity is accepted only when no reader has unread
	// data, trimmed to its last capacity words, since the discarded head
	// would be unreadable anyway.
	AllOrNothing
)

// ReaderPolicy selects how Read behaves when no new data is available.
type ReaderPolicy uint8

const (
	// Blocking waits until at least one word is available.
	Blocking ReaderPolicy = iota

	// NonBlockingRead returns immediately with whatever is available,
	// possibly zero words.
	NonBlockingRead

	// NonBlockingPollable behaves like NonBlockingRead; callers poll
	// Reader.Available to learn when to retry.
	NonBlockingPollable
)

// SeekReference selects the origin for Reader.Seek.
type SeekReference uint8

const (
	Absolute SeekReference = iota
	Relative
	BeforeWriter
	AfterReader
)

var (
	ErrWouldBlock      = errors.New("ringbuffer: would block")
	ErrOverrun         = errors.New("ringbuffer: reader overrun")
	ErrClosed          = errors.New("ringbuffer: closed")
	ErrInvalidArgument = errors.New("ringbuffer: invalid argument")
	ErrTooManyReaders  = errors.New("ringbuffer: max readers exceeded")
)

// RingBuffer is a circular store of fixed-size words (1, 2, or 4 bytes each).
// Exactly one writer and up to maxReaders concurrent readers are supported.
type RingBuffer struct {
	wordSize     int
	capacity     uint64 // words
	buf          []byte
	writerPolicy WriterPolicy

	mu               sync.Mutex
	cond             *sync.Cond
	writeCursor      uint64 // logical words written since creation, never wraps
	writerClosed     bool
	oldestUnconsumed uint64
	readers          map[*Reader]struct{}

	// backwardSeekMu serialises backward seeks against the recomputation of
	// oldestUnconsumed, per §4.D.
	backwardSeekMu sync.Mutex

	readerAdmission *semaphore.Weighted
}

// New creates a RingBuffer holding capacityWords words of wordSize bytes
// each, admitting at most maxReaders concurrent readers.
func New(wordSize, capacityWords int, writerPolicy WriterPolicy, maxReaders int) *RingBuffer {
	rb := &RingBuffer{
		wordSize:        wordSize,
		capacity:        uint64(capacityWords),
		buf:             make([]byte, capacityWords*wordSize),
		writerPolicy:    writerPolicy,
		readers:         make(map[*Reader]struct{}),
		readerAdmission: semaphore.NewWeighted(int64(maxReaders)),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// wordsUntilWrap reports how many words can be written or read starting at
// logical position after before the physical buffer wraps.
func (rb *RingBuffer) wordsUntilWrap(after uint64) uint64 {
	return rb.capacity - after%rb.capacity
}

func (rb *RingBuffer) physOffset(word uint64) int {
	return int(word%rb.capacity) * rb.wordSize
}

// copyInAt writes nWords words from src into the buffer starting at logical
// position start, splitting across the wrap boundary when necessary. Must be
// called with rb.mu held.
func (rb *RingBuffer) copyInAt(start uint64, src []byte, nWords uint64) {
	if nWords == 0 {
		return
	}
	firstSeg := rb.wordsUntilWrap(start)
	if firstSeg > nWords {
		firstSeg = nWords
	}
	off := rb.physOffset(start)
	copy(rb.buf[off:off+int(firstSeg)*rb.wordSize], src[:int(firstSeg)*rb.wordSize])
	if nWords > firstSeg {
		rest := nWords - firstSeg
		copy(rb.buf[:int(rest)*rb.wordSize], src[int(firstSeg)*rb.wordSize:int(nWords)*rb.wordSize])
	}
}

// copyOutAt reads nWords words starting at logical position start into dst.
// Must be called with rb.mu held.
func (rb *RingBuffer) copyOutAt(start uint64, dst []byte, nWords uint64) {
	if nWords == 0 {
		return
	}
	firstSeg := rb.wordsUntilWrap(start)
	if firstSeg > nWords {
		firstSeg = nWords
	}
	off := rb.physOffset(start)
	copy(dst[:int(firstSeg)*rb.wordSize], rb.buf[off:off+int(firstSeg)*rb.wordSize])
	if nWords > firstSeg {
		rest := nWords - firstSeg
		copy(dst[int(firstSeg)*rb.wordSize:int(nWords)*rb.wordSize], rb.buf[:int(rest)*rb.wordSize])
	}
}

// Write appends nWords words from buf, applying the configured
// WriterPolicy. It returns the number of words actually accepted.
func (rb *RingBuffer) Write(buf []byte, nWords int) (int, error) {
	if nWords < 0 || len(buf) < nWords*rb.wordSize {
		return 0, ErrInvalidArgument
	}

	rb.mu.Lock()
	if rb.writerClosed {
		rb.mu.Unlock()
		return 0, ErrClosed
	}

	requested := uint64(nWords)
	used := rb.writeCursor - rb.oldestUnconsumed
	var avail uint64
	if used < rb.capacity {
		avail = rb.capacity - used
	}

	start := rb.writeCursor
	var stored, discard, advance uint64

	switch rb.writerPolicy {
	case NonBlocking:
		stored = requested
		if stored > avail {
			stored = avail
		}
		advance = stored
		rb.copyInAt(start, buf[:int(stored)*rb.wordSize], stored)
		rb.writeCursor += advance
		rb.mu.Unlock()
		rb.cond.Broadcast()
		rb.recomputeOldestUnconsumed()
		return int(stored), nil

	case AllOrNothing:
		switch {
		case requested <= avail:
			stored = requested
		case requested > rb.capacity && rb.oldestUnconsumed == start:
			// Discarding the head only avoids overrunning the oldest
			// reader when there is no unread backlog at all: writing a
			// full capacity of fresh words always clobbers every
			// physical slot in one lap, so any pending unread data
			// would otherwise be destroyed regardless of how much of
			// the request is discarded.
			discard = requested - rb.capacity
			stored = rb.capacity
		default:
			rb.mu.Unlock()
			return 0, ErrWouldBlock
		}
		advance = requested

	default: // NonBlockable
		stored = requested
		if stored > rb.capacity {
			discard = stored - rb.capacity
			stored = rb.capacity
		}
		advance = requested
	}

	rb.copyInAt(start+discard, buf[int(discard)*rb.wordSize:int(discard+stored)*rb.wordSize], stored)
	rb.writeCursor += advance
	rb.mu.Unlock()

	rb.cond.Broadcast()
	rb.recomputeOldestUnconsumed()
	return int(advance), nil
}

// CloseWriter marks the writer closed. Blocked readers wake with whatever
// data remains, then observe end of stream.
func (rb *RingBuffer) CloseWriter() {
	rb.mu.Lock()
	rb.writerClosed = true
	rb.mu.Unlock()
	rb.cond.Broadcast()
}

// WriteCursor returns the writer's current logical position, in words.
func (rb *RingBuffer) WriteCursor() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writeCursor
}

// recomputeOldestUnconsumed sets oldestUnconsumed to the minimum cursor
// across enabled readers, or the write cursor if there are none. Guarded by
// backwardSeekMu per §4.D.
func (rb *RingBuffer) recomputeOldestUnconsumed() {
	rb.backwardSeekMu.Lock()
	defer rb.backwardSeekMu.Unlock()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	min := rb.writeCursor
	any := false
	for r := range rb.readers {
		if r.enabled {
			any = true
			if r.cursor < min {
				min = r.cursor
			}
		}
	}
	if any {
		rb.oldestUnconsumed = min
	} else {
		rb.oldestUnconsumed = rb.writeCursor
	}
}

// Reader is one consumer of a RingBuffer.
type Reader struct {
	rb      *RingBuffer
	policy  ReaderPolicy
	cursor  uint64 // guarded by rb.mu
	enabled bool   // guarded by rb.mu
	closeAt *uint64
	closed  bool
}

// OpenReader registers a new reader starting at the writer's current
// position, subject to maxReaders admission.
func (rb *RingBuffer) OpenReader(policy ReaderPolicy) (*Reader, error) {
	if !rb.readerAdmission.TryAcquire(1) {
		return nil, ErrTooManyReaders
	}

	rb.mu.Lock()
	r := &Reader{rb: rb, policy: policy, cursor: rb.writeCursor, enabled: true}
	rb.readers[r] = struct{}{}
	rb.mu.Unlock()

	rb.recomputeOldestUnconsumed()
	return r, nil
}

// Close retires the reader and releases its admission slot.
func (r *Reader) Close() {
	rb := r.rb
	rb.mu.Lock()
	if r.closed {
		rb.mu.Unlock()
		return
	}
	r.closed = true
	r.enabled = false
	delete(rb.readers, r)
	rb.mu.Unlock()

	rb.readerAdmission.Release(1)
	rb.cond.Broadcast()
	rb.recomputeOldestUnconsumed()
}

// Tell returns the reader's current absolute logical position, in words.
func (r *Reader) Tell() uint64 {
	r.rb.mu.Lock()
	defer r.rb.mu.Unlock()
	return r.cursor
}

// CloseAt schedules the reader to report io.EOF once its cursor reaches
// index.
func (r *Reader) CloseAt(index uint64) {
	r.rb.mu.Lock()
	r.closeAt = &index
	r.rb.mu.Unlock()
}

// Read copies up to nWords words into buf, honouring the reader's policy.
// It returns ErrOverrun, resetting the reader to the oldest data still
// physically present, if the writer has advanced past the reader's cursor
// by more than capacity since the reader last moved.
func (r *Reader) Read(buf []byte, nWords int) (int, error) {
	if nWords < 0 || len(buf) < nWords*r.rb.wordSize {
		return 0, ErrInvalidArgument
	}
	rb := r.rb

	rb.mu.Lock()
	for {
		if r.closed {
			rb.mu.Unlock()
			return 0, ErrClosed
		}

		behind := rb.writeCursor - r.cursor
		if behind > rb.capacity {
			r.cursor = rb.writeCursor - rb.capacity
			rb.mu.Unlock()
			rb.recomputeOldestUnconsumed()
			return 0, ErrOverrun
		}

		if behind == 0 {
			if r.closeAt != nil && r.cursor >= *r.closeAt {
				rb.mu.Unlock()
				return 0, io.EOF
			}
			if rb.writerClosed {
				rb.mu.Unlock()
				return 0, io.EOF
			}
			if r.policy != Blocking {
				rb.mu.Unlock()
				return 0, nil
			}
			rb.cond.Wait()
			continue
		}

		toRead := uint64(nWords)
		if toRead > behind {
			toRead = behind
		}
		if r.closeAt != nil && r.cursor+toRead > *r.closeAt {
			toRead = *r.closeAt - r.cursor
		}
		if toRead == 0 {
			rb.mu.Unlock()
			return 0, io.EOF
		}

		rb.copyOutAt(r.cursor, buf[:int(toRead)*rb.wordSize], toRead)
		r.cursor += toRead
		rb.mu.Unlock()
		rb.recomputeOldestUnconsumed()
		return int(toRead), nil
	}
}

// Available returns the number of words the reader could read without
// blocking, for NonBlockingPollable callers.
func (r *Reader) Available() int {
	r.rb.mu.Lock()
	defer r.rb.mu.Unlock()
	behind := r.rb.writeCursor - r.cursor
	if behind > r.rb.capacity {
		return int(r.rb.capacity)
	}
	return int(behind)
}

// Seek moves the reader's cursor. Backward seeks are serialised against
// oldestUnconsumed recomputation via backwardSeekMu.
func (r *Reader) Seek(offset int64, ref SeekReference) (uint64, error) {
	rb := r.rb

	rb.backwardSeekMu.Lock()
	defer rb.backwardSeekMu.Unlock()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	var target int64
	switch ref {
	case Absolute:
		target = offset
	case Relative:
		target = int64(r.cursor) + offset
	case BeforeWriter:
		target = int64(rb.writeCursor) - offset
	case AfterReader:
		target = int64(r.cursor) + offset
	default:
		return r.cursor, ErrInvalidArgument
	}

	if target < 0 {
		return r.cursor, ErrInvalidArgument
	}
	newCursor := uint64(target)
	if newCursor > rb.writeCursor {
		newCursor = rb.writeCursor
	}
	if rb.writeCursor-newCursor > rb.capacity {
		// Requested position has already been overwritten; clamp to the
		// oldest data still physically present.
		newCursor = rb.writeCursor - rb.capacity
	}

	r.cursor = newCursor
	return r.cursor, nil
}
