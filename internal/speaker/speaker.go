// Package speaker implements the playback engine described in §4.E: a
// streaming decoder feed with byte-offset-indexed action scheduling,
// buffer-state telemetry, and an interlock for the alert subsystem to
// pre-empt playback.
package speaker

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/aiaclient/internal/ringbuffer"
)

// State is the engine's playback state.
type State int

const (
	Idle State = iota
	Buffering
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Buffering:
		return "BUFFERING"
	case Playing:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// BufferState reports fill-level telemetry with hysteresis bands, from
// starved to backed up.
type BufferState int

const (
	Underrun BufferState = iota
	UnderrunWarning
	Normal
	OverrunWarning
	Overrun
)

func (b BufferState) String() string {
	switch b {
	case Underrun:
		return "UNDERRUN"
	case UnderrunWarning:
		return "UNDERRUN_WARNING"
	case Normal:
		return "NONE"
	case OverrunWarning:
		return "OVERRUN_WARNING"
	case Overrun:
		return "OVERRUN"
	default:
		return "UNKNOWN"
	}
}

// FrameCadence is the fixed cadence at which decoded frames are pushed to
// the output callback.
const FrameCadence = 20 * time.Millisecond

// Handle identifies a scheduled offset action for later cancellation.
type Handle uint64

// AlertInterlock reports whether an offline alert is currently claiming the
// speaker, in which case OpenSpeaker must not begin normal playback.
type AlertInterlock interface {
	OfflineAlertActive() bool
}

// BufferThresholds sets the words-available bands used to derive
// BufferState and the minimum fill required to leave BUFFERING.
type BufferThresholds struct {
	UnderrunWords        uint64
	UnderrunWarningWords uint64
	OverrunWarningWords  uint64
	OverrunWords         uint64
	BufferingFillWords   uint64
}

// Config tunes an [Engine].
type Config struct {
	Ring *ringbuffer.RingBuffer

	// FrameWords is the number of words pulled per cadence tick. The
	// engine assumes Ring was created with word size 1 (byte-granular),
	// the natural granularity for decoded PCM frames.
	FrameWords     int
	Thresholds     BufferThresholds
	Interlock      AlertInterlock
	OutputFrame    func(frame []byte)
	OnStateChange  func(State)
	OnBufferState  func(BufferState)
	OnVolumeChange func(volume int, offset uint64)
}

var (
	ErrInterlocked   = errors.New("speaker: offline alert interlock active")
	ErrNotPlaying    = errors.New("speaker: not open")
	ErrInvalidVolume = errors.New("speaker: volume out of range")
)

// Engine drives the IDLE -> BUFFERING -> PLAYING state machine for the
// speaker topic, reading decoded audio from a ring buffer and pushing fixed
// frames to the platform output at FrameCadence.
type Engine struct {
	cfg    Config
	reader *ringbuffer.Reader

	mu         sync.Mutex
	state      State
	volume     int
	stopOffset *uint64
	actions    actionHeap
	actionSeq  uint64
	nextHandle Handle

	done    chan struct{}
	closed  bool
	running bool
}

// New creates an Engine in the IDLE state.
func New(cfg Config) *Engine {
	if cfg.FrameWords <= 0 {
		cfg.FrameWords = 1
	}
	return &Engine{
		cfg:    cfg,
		volume: 100,
		done:   make(chan struct{}),
	}
}

// State returns the engine's current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OpenSpeaker seeks the ring buffer reader to offset and transitions
// IDLE -> BUFFERING, starting the frame-push goroutine if not already
// running. It fails if the offline alert interlock is active.
func (e *Engine) OpenSpeaker(offset uint64) error {
	if e.cfg.Interlock != nil && e.cfg.Interlock.OfflineAlertActive() {
		return ErrInterlocked
	}

	e.mu.Lock()
	if e.reader == nil {
		r, err := e.cfg.Ring.OpenReader(ringbuffer.NonBlockingPollable)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.reader = r
	}
	e.reader.Seek(int64(offset), ringbuffer.Absolute)
	e.setStateLocked(Buffering)
	alreadyRunning := e.running
	e.running = true
	e.mu.Unlock()

	if !alreadyRunning {
		go e.run()
	}
	return nil
}

// CloseSpeaker schedules playback to stop exactly at offset, returning to
// IDLE and invalidating any pending offset actions once reached.
func (e *Engine) CloseSpeaker(offset uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopOffset = &offset
}

// StopPlayback immediately halts playback, returns to IDLE, and invalidates
// every pending scheduled action.
func (e *Engine) StopPlayback() {
	e.mu.Lock()
	e.actions = nil
	e.stopOffset = nil
	e.setStateLocked(Idle)
	e.mu.Unlock()
}

// Close stops the frame-push goroutine permanently.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasRunning := e.running
	e.mu.Unlock()

	if wasRunning {
		close(e.done)
	}
	if e.reader != nil {
		e.reader.Close()
	}
	return nil
}

// SetVolume clamps vol to [0, 100] and records the change at the engine's
// current playback offset, firing OnVolumeChange.
func (e *Engine) SetVolume(vol int) error {
	if vol < 0 {
		vol = 0
	}
	if vol > 100 {
		vol = 100
	}

	e.mu.Lock()
	e.volume = vol
	var offset uint64
	if e.reader != nil {
		offset = e.reader.Tell()
	}
	e.mu.Unlock()

	if e.cfg.OnVolumeChange != nil {
		e.cfg.OnVolumeChange(vol, offset)
	}
	return nil
}

// Volume returns the currently configured volume, in [0, 100].
func (e *Engine) Volume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// InvokeActionAtOffset schedules fn to run once playback reaches offset. fn
// runs on the frame-push goroutine; it must not block.
func (e *Engine) InvokeActionAtOffset(offset uint64, fn func()) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.actionSeq++
	e.nextHandle++
	h := e.nextHandle
	heap.Push(&e.actions, &action{offset: offset, handle: h, fn: fn, seq: e.actionSeq})
	return h
}

// CancelAction invalidates a previously scheduled action. It returns false
// if the handle is unknown or has already fired.
func (e *Engine) CancelAction(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.actions {
		if a.handle == h && !a.canceled {
			a.canceled = true
			return true
		}
	}
	return false
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	if e.cfg.OnStateChange != nil {
		cb := e.cfg.OnStateChange
		go cb(s)
	}
}

// bufferState classifies availableWords against the configured thresholds.
func (e *Engine) bufferState(availableWords uint64) BufferState {
	t := e.cfg.Thresholds
	switch {
	case availableWords <= t.UnderrunWords:
		return Underrun
	case availableWords <= t.UnderrunWarningWords:
		return UnderrunWarning
	case availableWords >= t.OverrunWords:
		return Overrun
	case availableWords >= t.OverrunWarningWords:
		return OverrunWarning
	default:
		return Normal
	}
}

// run is the frame-push goroutine. It ticks at FrameCadence, transitions
// BUFFERING -> PLAYING once enough data has accumulated, reverts to
// BUFFERING on underrun, fires due offset actions, and halts exactly at any
// scheduled stop offset.
func (e *Engine) run() {
	ticker := time.NewTicker(FrameCadence)
	defer ticker.Stop()

	frame := make([]byte, 0)

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.state == Idle {
			e.running = false
			e.mu.Unlock()
			return
		}
		reader := e.reader
		e.mu.Unlock()
		if reader == nil {
			continue
		}

		available := uint64(reader.Available())
		if e.cfg.OnBufferState != nil {
			e.cfg.OnBufferState(e.bufferState(available))
		}

		e.mu.Lock()
		switch e.state {
		case Buffering:
			if available >= e.cfg.Thresholds.BufferingFillWords {
				e.setStateLocked(Playing)
			} else {
				e.mu.Unlock()
				continue
			}
		case Playing:
			if available < e.cfg.Thresholds.UnderrunWords {
				e.setStateLocked(Buffering)
				e.mu.Unlock()
				continue
			}
		}
		e.mu.Unlock()

		if cap(frame) < e.cfg.FrameWords {
			frame = make([]byte, e.cfg.FrameWords)
		}
		want := e.cfg.FrameWords
		e.mu.Lock()
		if e.stopOffset != nil {
			if pos := reader.Tell(); *e.stopOffset > pos && *e.stopOffset-pos < uint64(want) {
				want = int(*e.stopOffset - pos)
			}
		}
		e.mu.Unlock()
		frame = frame[:want]
		n, err := reader.Read(frame, want)
		if err != nil || n == 0 {
			continue
		}

		if e.cfg.OutputFrame != nil {
			e.cfg.OutputFrame(frame[:n])
		}

		offset := reader.Tell()
		e.fireDueActions(offset)

		e.mu.Lock()
		if e.stopOffset != nil && offset >= *e.stopOffset {
			e.actions = nil
			e.stopOffset = nil
			e.setStateLocked(Idle)
			e.running = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// fireDueActions pops and runs every non-canceled action whose offset has
// been reached, in offset order.
func (e *Engine) fireDueActions(offset uint64) {
	e.mu.Lock()
	var due []*action
	for e.actions.Len() > 0 && e.actions[0].offset <= offset {
		a := heap.Pop(&e.actions).(*action)
		if !a.canceled {
			due = append(due, a)
		}
	}
	e.mu.Unlock()

	for _, a := range due {
		a.fn()
	}
}
