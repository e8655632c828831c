package capabilities

import (
	"errors"
	"testing"
)

var errPublishFailed = errors.New("publish failed")

type recordingPublisher struct {
	payloads [][]byte
	fail     bool
}

func (p *recordingPublisher) PublishCapabilities(payload []byte) error {
	if p.fail {
		return errPublishFailed
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestSender_PublishCapabilities_TransitionsToPublishing(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, Capabilities{Interfaces: []Interface{{Type: "Speaker"}}}, nil)

	ok, err := s.PublishCapabilities()
	if err != nil {
		t.Fatalf("PublishCapabilities: %v", err)
	}
	if !ok {
		t.Fatal("PublishCapabilities reported not sent")
	}
	if s.State() != Publishing {
		t.Errorf("state = %v, want Publishing", s.State())
	}
	if len(pub.payloads) != 1 {
		t.Fatalf("publish count = %d, want 1", len(pub.payloads))
	}
}

func TestSender_PublishCapabilities_RejectsSecondWhilePending(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, Capabilities{}, nil)

	if ok, err := s.PublishCapabilities(); !ok || err != nil {
		t.Fatalf("first publish: ok=%v err=%v", ok, err)
	}
	ok, err := s.PublishCapabilities()
	if err != nil {
		t.Fatalf("second PublishCapabilities: %v", err)
	}
	if ok {
		t.Error("second publish should be suppressed while Publishing")
	}
	if len(pub.payloads) != 1 {
		t.Errorf("publish count = %d, want 1", len(pub.payloads))
	}
}

func TestSender_HandleAcceptedAndRejected(t *testing.T) {
	var states []State
	s := New(&recordingPublisher{}, Capabilities{}, func(st State) { states = append(states, st) })

	s.PublishCapabilities()
	s.HandleAccepted()
	if s.State() != Accepted {
		t.Errorf("state = %v, want Accepted", s.State())
	}

	s.HandleRejected()
	if s.State() != Rejected {
		t.Errorf("state = %v, want Rejected", s.State())
	}

	want := []State{Publishing, Accepted, Rejected}
	if len(states) != len(want) {
		t.Fatalf("observer calls = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSender_PublishCapabilities_CanRepublishAfterAccepted(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, Capabilities{}, nil)

	s.PublishCapabilities()
	s.HandleAccepted()

	ok, err := s.PublishCapabilities()
	if err != nil || !ok {
		t.Fatalf("republish after Accepted: ok=%v err=%v", ok, err)
	}
	if len(pub.payloads) != 2 {
		t.Errorf("publish count = %d, want 2", len(pub.payloads))
	}
}
