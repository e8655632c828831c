package dispatcher

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aiaclient/internal/message"
	"github.com/MrWong99/aiaclient/internal/regulator"
	"github.com/MrWong99/aiaclient/internal/secretmanager"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPublisher) Publish(_ message.Topic, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *recordingPublisher) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func newTestSecrets(t *testing.T) *secretmanager.Manager {
	t.Helper()
	priv, pub, err := secretmanager.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	secret, err := secretmanager.DeriveSharedSecret(priv, pub, secretmanager.RawECDH, nil)
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}
	m := secretmanager.New()
	m.SetSecret(message.DirectionOutbound, secret)
	return m
}

func TestEmitter_AssemblesAndPublishesOnLastChunk(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(EmitterConfig{
		Sequences: message.NewSequenceSpace(0),
		Secrets:   newTestSecrets(t),
		Publisher: pub,
		Topic:     message.TopicEvent,
	})
	defer e.Close()

	e.OnRegulatorChunk(regulator.Chunk{Data: []byte("hel")}, 3, 1)
	e.OnRegulatorChunk(regulator.Chunk{Data: []byte("lo")}, 0, 0)

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no frame published in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	frame := pub.last()
	if len(frame) < 20 {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}
	seq := binary.BigEndian.Uint32(frame[:4])
	if seq != 0 {
		t.Errorf("sequence in header = %d, want 0", seq)
	}
}

func TestEmitter_AllocatesIncreasingSequenceNumbers(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(EmitterConfig{
		Sequences: message.NewSequenceSpace(5),
		Secrets:   newTestSecrets(t),
		Publisher: pub,
		Topic:     message.TopicEvent,
	})
	defer e.Close()

	e.OnRegulatorChunk(regulator.Chunk{Data: []byte("a")}, 0, 0)
	e.OnRegulatorChunk(regulator.Chunk{Data: []byte("b")}, 0, 0)

	deadline := time.After(2 * time.Second)
	for pub.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("did not publish both frames in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i, want := range []uint32{5, 6} {
		if got := binary.BigEndian.Uint32(pub.frames[i][:4]); got != want {
			t.Errorf("frame %d sequence = %d, want %d", i, got, want)
		}
	}
}
