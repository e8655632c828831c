package speaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/aiaclient/internal/ringbuffer"
)

func newTestEngine(t *testing.T, out func([]byte)) (*Engine, *ringbuffer.RingBuffer) {
	t.Helper()
	rb := ringbuffer.New(1, 4096, ringbuffer.NonBlocking, 4)
	e := New(Config{
		Ring:       rb,
		FrameWords: 160,
		Thresholds: BufferThresholds{
			UnderrunWords:        0,
			UnderrunWarningWords: 160,
			OverrunWarningWords:  3000,
			OverrunWords:         3800,
			BufferingFillWords:   320,
		},
		OutputFrame: out,
	})
	t.Cleanup(func() { e.Close() })
	return e, rb
}

func TestEngine_OpenSpeakerBuffersThenPlays(t *testing.T) {
	var frames int32
	e, rb := newTestEngine(t, func(_ []byte) {
		atomic.AddInt32(&frames, 1)
	})

	if err := e.OpenSpeaker(0); err != nil {
		t.Fatalf("OpenSpeaker: %v", err)
	}
	if got := e.State(); got != Buffering {
		t.Fatalf("State() immediately after OpenSpeaker = %v, want BUFFERING", got)
	}

	rb.Write(make([]byte, 1000), 1000)

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&frames) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("engine never reached PLAYING and pushed a frame")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := e.State(); got != Playing {
		t.Errorf("State() after frames pushed = %v, want PLAYING", got)
	}
}

func TestEngine_StopPlaybackInvalidatesActions(t *testing.T) {
	e, rb := newTestEngine(t, func(_ []byte) {})

	e.OpenSpeaker(0)
	rb.Write(make([]byte, 1000), 1000)

	var fired atomic.Bool
	e.InvokeActionAtOffset(10, func() { fired.Store(true) })

	e.StopPlayback()
	if got := e.State(); got != Idle {
		t.Fatalf("State() after StopPlayback = %v, want IDLE", got)
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("action fired after StopPlayback invalidated it")
	}
}

func TestEngine_CancelActionPreventsFiring(t *testing.T) {
	e, _ := newTestEngine(t, func(_ []byte) {})

	var fired atomic.Bool
	h := e.InvokeActionAtOffset(5, func() { fired.Store(true) })

	if ok := e.CancelAction(h); !ok {
		t.Fatal("CancelAction returned false for a pending action")
	}
	if ok := e.CancelAction(h); ok {
		t.Error("CancelAction should fail the second time")
	}
}

func TestEngine_ActionsFireInOffsetOrder(t *testing.T) {
	e, rb := newTestEngine(t, func(_ []byte) {})

	var mu sync.Mutex
	var order []int

	e.OpenSpeaker(0)
	e.InvokeActionAtOffset(500, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})
	e.InvokeActionAtOffset(100, func() {
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
	})
	e.InvokeActionAtOffset(300, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})

	rb.Write(make([]byte, 2000), 2000)

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("not all actions fired in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("fire order = %v, want [0 1 2]", order)
	}
}

func TestEngine_SetVolumeClampsRange(t *testing.T) {
	e, _ := newTestEngine(t, func(_ []byte) {})

	e.SetVolume(150)
	if v := e.Volume(); v != 100 {
		t.Errorf("Volume() = %d, want clamped 100", v)
	}

	e.SetVolume(-10)
	if v := e.Volume(); v != 0 {
		t.Errorf("Volume() = %d, want clamped 0", v)
	}
}

func TestEngine_OpenSpeakerRejectedDuringOfflineAlert(t *testing.T) {
	rb := ringbuffer.New(1, 4096, ringbuffer.NonBlocking, 4)
	e := New(Config{
		Ring:       rb,
		FrameWords: 160,
		Interlock:  alwaysInterlocked{},
	})
	defer e.Close()

	if err := e.OpenSpeaker(0); err != ErrInterlocked {
		t.Errorf("OpenSpeaker err = %v, want ErrInterlocked", err)
	}
}

type alwaysInterlocked struct{}

func (alwaysInterlocked) OfflineAlertActive() bool { return true }
