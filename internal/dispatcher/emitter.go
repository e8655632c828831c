package dispatcher

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/MrWong99/aiaclient/internal/message"
	"github.com/MrWong99/aiaclient/internal/regulator"
	"github.com/MrWong99/aiaclient/internal/secretmanager"
)

// Publisher hands a fully assembled wire frame to the transport.
type Publisher interface {
	Publish(topic message.Topic, frame []byte) error
}

// EmitterConfig wires an Emitter's collaborators.
type EmitterConfig struct {
	Sequences *message.SequenceSpace
	Secrets   *secretmanager.Manager
	Publisher Publisher
	Topic     message.Topic
	Logger    *slog.Logger
}

// Emitter assembles outbound wire frames from regulator-emitted chunks: it
// allocates the next outbound sequence number, seals the payload via the
// Secret Manager, prepends the common header, and publishes the finished
// frame.
//
// A Regulator's EmitChunk callback runs under the regulator's own lock and
// must not block, so OnRegulatorChunk only accumulates bytes and hands
// completed batches to a background goroutine that performs the (blocking)
// seal-and-publish work.
//
// Wire frame layout: sequence_number(4, big-endian) || nonce(12) ||
// ciphertext_length(4, big-endian) || ciphertext (AEAD tag included).
type Emitter struct {
	cfg EmitterConfig

	mu      sync.Mutex
	pending []byte

	batches chan []byte
	done    chan struct{}
	stopped sync.Once
}

// NewEmitter creates an Emitter bound to the given topic and collaborators,
// and starts its background publish goroutine.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Emitter{
		cfg:     cfg,
		batches: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// OnRegulatorChunk is wired as a Regulator's EmitChunk callback. It
// accumulates chunk bytes and, once remainingChunks reaches zero, queues the
// assembled batch for sealing and publication.
func (e *Emitter) OnRegulatorChunk(c regulator.Chunk, _, remainingChunks int) {
	e.mu.Lock()
	e.pending = append(e.pending, c.Data...)
	var batch []byte
	if remainingChunks == 0 {
		batch = e.pending
		e.pending = nil
	}
	e.mu.Unlock()

	if batch != nil {
		select {
		case e.batches <- batch:
		case <-e.done:
		}
	}
}

// Close stops the background publish goroutine.
func (e *Emitter) Close() error {
	e.stopped.Do(func() { close(e.done) })
	return nil
}

func (e *Emitter) run() {
	for {
		select {
		case <-e.done:
			return
		case batch := <-e.batches:
			if err := e.publish(batch); err != nil {
				e.cfg.Logger.Error("failed to publish outbound message", "topic", e.cfg.Topic, "error", err)
			}
		}
	}
}

func (e *Emitter) publish(payload []byte) error {
	seq := e.cfg.Sequences.Next()

	ciphertext, err := e.cfg.Secrets.Seal(e.cfg.Topic, message.DirectionOutbound, seq, payload)
	if err != nil {
		return err
	}
	nonce := secretmanager.Nonce(e.cfg.Topic, message.DirectionOutbound, seq)

	frame := make([]byte, 0, 4+len(nonce)+4+len(ciphertext))
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	frame = append(frame, seqBuf[:]...)
	frame = append(frame, nonce[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, ciphertext...)

	if e.cfg.Publisher == nil {
		return nil
	}
	return e.cfg.Publisher.Publish(e.cfg.Topic, frame)
}
