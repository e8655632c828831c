package sequencer

import (
	"testing"
	"time"

	"github.com/MrWong99/aiaclient/internal/scheduler"
)

func TestSequencer_InOrderPermutation(t *testing.T) {
	perms := [][]uint32{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{0, 2, 1, 3},
	}

	for _, perm := range perms {
		var got []uint32
		s := New(Config{
			MaxSlots:               8,
			StartingSequenceNumber: 0,
			OnSequenced: func(_ []byte, seq uint32) {
				got = append(got, seq)
			},
		})

		for _, seq := range perm {
			if ok := s.Write([]byte{byte(seq)}, seq); !ok {
				t.Fatalf("perm %v: Write(%d) = false, want true", perm, seq)
			}
		}

		if len(got) != 4 {
			t.Fatalf("perm %v: got %v, want 4 sequenced messages", perm, got)
		}
		for i, seq := range got {
			if seq != uint32(i) {
				t.Errorf("perm %v: emitted order %v, want [0 1 2 3]", perm, got)
				break
			}
		}
	}
}

func TestSequencer_DuplicateYieldsOneEmission(t *testing.T) {
	var count int
	s := New(Config{
		MaxSlots:               4,
		StartingSequenceNumber: 0,
		OnSequenced: func(_ []byte, _ uint32) {
			count++
		},
	})

	if ok := s.Write([]byte("a"), 0); !ok {
		t.Fatal("Write(0) = false")
	}
	if ok := s.Write([]byte("a-dup"), 0); !ok {
		t.Fatal("duplicate Write(0) should be a silent no-op returning true")
	}

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSequencer_BeyondWindowFails(t *testing.T) {
	s := New(Config{MaxSlots: 4, StartingSequenceNumber: 0})

	if ok := s.Write([]byte("x"), 10); ok {
		t.Error("expected Write beyond window to return false")
	}
}

func TestSequencer_WrapAround(t *testing.T) {
	var got []uint32
	s := New(Config{
		MaxSlots:               4,
		StartingSequenceNumber: 0xFFFFFFFE,
		OnSequenced: func(_ []byte, seq uint32) {
			got = append(got, seq)
		},
	})

	for _, seq := range []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0x00000000} {
		if ok := s.Write([]byte{byte(seq)}, seq); !ok {
			t.Fatalf("Write(%#x) = false", seq)
		}
	}

	want := []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0x00000000}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestSequencer_CascadeDrain(t *testing.T) {
	var got []uint32
	s := New(Config{
		MaxSlots:               8,
		StartingSequenceNumber: 0,
		OnSequenced: func(_ []byte, seq uint32) {
			got = append(got, seq)
		},
	})

	s.Write([]byte{1}, 1)
	s.Write([]byte{2}, 2)
	s.Write([]byte{3}, 3)
	if len(got) != 0 {
		t.Fatalf("expected no emissions before seq 0 arrives, got %v", got)
	}

	s.Write([]byte{0}, 0)
	if len(got) != 4 {
		t.Fatalf("expected cascade drain of 4, got %v", got)
	}
	for i := range got {
		if got[i] != uint32(i) {
			t.Errorf("cascade order = %v, want [0 1 2 3]", got)
			break
		}
	}
}

func TestSequencer_GapTimeout(t *testing.T) {
	sch := scheduler.New()
	defer sch.Stop()

	timedOut := make(chan struct{})
	s := New(Config{
		MaxSlots:               8,
		StartingSequenceNumber: 0,
		GapTimeout:             20 * time.Millisecond,
		Scheduler:              sch,
		OnTimeout: func() {
			close(timedOut)
		},
	})

	// seq 1 arrives but 0 never does: a gap.
	s.Write([]byte{1}, 1)

	select {
	case <-timedOut:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("gap timeout did not fire")
	}
}

func TestSequencer_GapTimeoutCancelledWhenGapCloses(t *testing.T) {
	sch := scheduler.New()
	defer sch.Stop()

	timedOut := make(chan struct{})
	s := New(Config{
		MaxSlots:               8,
		StartingSequenceNumber: 0,
		GapTimeout:             30 * time.Millisecond,
		Scheduler:              sch,
		OnTimeout: func() {
			close(timedOut)
		},
	})

	s.Write([]byte{1}, 1)
	s.Write([]byte{0}, 0) // closes the gap via cascade drain

	select {
	case <-timedOut:
		t.Fatal("gap timeout fired even though the gap closed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSequencer_ResetSequenceNumber(t *testing.T) {
	var got []uint32
	s := New(Config{
		MaxSlots:               8,
		StartingSequenceNumber: 0,
		OnSequenced: func(_ []byte, seq uint32) {
			got = append(got, seq)
		},
	})

	s.Write([]byte{5}, 5) // buffered, out of order

	s.ResetSequenceNumber(10)
	if s.NextExpected() != 10 {
		t.Fatalf("NextExpected() = %d, want 10", s.NextExpected())
	}

	s.Write([]byte{10}, 10)
	if len(got) != 1 || got[0] != 10 {
		t.Errorf("got %v, want [10] (old buffered slot 5 must not resurface)", got)
	}
}
