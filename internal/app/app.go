// Package app wires every message-plane subsystem into a running device
// agent.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main processing loop, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aiaclient/internal/alert"
	"github.com/MrWong99/aiaclient/internal/buttoncommand"
	"github.com/MrWong99/aiaclient/internal/capabilities"
	"github.com/MrWong99/aiaclient/internal/clockmanager"
	"github.com/MrWong99/aiaclient/internal/config"
	"github.com/MrWong99/aiaclient/internal/connection"
	"github.com/MrWong99/aiaclient/internal/dispatcher"
	"github.com/MrWong99/aiaclient/internal/message"
	"github.com/MrWong99/aiaclient/internal/mqtttransport"
	"github.com/MrWong99/aiaclient/internal/observe"
	"github.com/MrWong99/aiaclient/internal/regulator"
	"github.com/MrWong99/aiaclient/internal/ringbuffer"
	"github.com/MrWong99/aiaclient/internal/scheduler"
	"github.com/MrWong99/aiaclient/internal/secretmanager"
	"github.com/MrWong99/aiaclient/internal/sequencer"
	"github.com/MrWong99/aiaclient/internal/speaker"
	"github.com/MrWong99/aiaclient/internal/uxmanager"
)

// outboundTopics and inboundTopics enumerate, respectively, the topics this
// device publishes on and the topics it subscribes to. TopicConnection
// carries both directions and is handled separately by the connection
// handshake, not through the regulator/sequencer pipeline.
var outboundTopics = []message.Topic{message.TopicCapabilities, message.TopicEvent, message.TopicMicrophone}
var inboundTopics = []message.Topic{message.TopicDirective, message.TopicSpeaker}

// Broker is the transport-level collaborator App depends on: anything
// satisfying connection.Broker plus Publish/Subscribe. *mqtttransport.Transport
// is the production implementation.
type Broker interface {
	connection.Broker
	dispatcher.Publisher
	Subscribe(handler mqtttransport.InboundHandler) error
}

// App owns every subsystem's lifetime and wires the message plane together.
type App struct {
	cfg *config.Config

	broker      Broker
	reconnector *connection.Reconnector
	sched       *scheduler.Scheduler
	secrets     *secretmanager.Manager

	sequencers map[message.Topic]*sequencer.Sequencer
	regulators map[message.Topic]*regulator.Regulator
	emitters   map[message.Topic]*dispatcher.Emitter

	directives *dispatcher.Dispatcher

	micRing     *ringbuffer.RingBuffer
	speakerRing *ringbuffer.RingBuffer
	speakerEng  *speaker.Engine

	alerts *alert.Manager
	caps   *capabilities.Sender
	clock  *clockmanager.Manager
	ux     *uxmanager.Manager
	btn    *buttoncommand.Sender

	metrics     *observe.Metrics
	uxObservers []func(uxmanager.State)

	// closers are called in reverse-registration order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBroker injects a broker instead of creating a *mqtttransport.Transport
// from config. Tests use this to supply an in-memory double.
func WithBroker(b Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithUXObserver registers an additional observer of UX state changes,
// alongside App's own structured logging. Used to fan state changes out to
// a debug websocket stream.
func WithUXObserver(fn func(uxmanager.State)) Option {
	return func(a *App) { a.uxObservers = append(a.uxObservers, fn) }
}

// New wires every subsystem from cfg. Use Option functions to inject test
// doubles for any collaborator.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		sequencers: make(map[message.Topic]*sequencer.Sequencer),
		regulators: make(map[message.Topic]*regulator.Regulator),
		emitters:   make(map[message.Topic]*dispatcher.Emitter),
	}
	for _, o := range opts {
		o(a)
	}

	a.sched = scheduler.New()
	a.closers = append(a.closers, func() error { a.sched.Stop(); return nil })

	if a.broker == nil {
		a.broker = a.newTransport()
	}

	a.metrics = observe.DefaultMetrics()

	a.secrets = secretmanager.New()
	a.secrets.OnRotated = func(dir message.Direction) {
		slog.Info("secret rotation cutover reached", "direction", dir)
		a.metrics.RecordSecretRotation(ctx, directionLabel(dir))
	}

	a.initRingBuffers()
	a.initRegulatorsAndEmitters()
	a.initSequencersAndDispatcher()

	if err := a.initAlertManager(); err != nil {
		return nil, fmt.Errorf("app: init alert manager: %w", err)
	}
	a.initCapabilities()
	a.initClockManager()
	a.ux = uxmanager.New(func(s uxmanager.State) {
		slog.Info("ux state changed", "state", s)
		for _, obs := range a.uxObservers {
			obs(s)
		}
	})

	a.initSpeakerEngine()
	a.registerDirectiveHandlers()

	a.btn = buttoncommand.New(eventPublisher{a}, func() {
		if a.speakerEng != nil {
			a.speakerEng.StopPlayback()
		}
	})

	a.reconnector = connection.NewReconnector(connection.ReconnectorConfig{
		Broker:     a.broker,
		MaxBackoff: a.cfg.Broker.MaxBackoff,
		OnReconnect: func() {
			a.metrics.RecordReconnect(ctx, "success")
			a.metrics.ActiveConnections.Add(ctx, 1)
			if err := a.broker.Subscribe(a.handleInbound); err != nil {
				slog.Error("failed to resubscribe after reconnect", "error", err)
			}
		},
	})

	return a, nil
}

func (a *App) newTransport() *mqtttransport.Transport {
	topics := make(map[message.Topic]string, len(outboundTopics)+len(inboundTopics))
	root := a.cfg.Device.TopicRoot
	for _, t := range append(append([]message.Topic{}, outboundTopics...), inboundTopics...) {
		topics[t] = fmt.Sprintf("%s/%s", root, t)
	}
	topics[message.TopicConnection] = fmt.Sprintf("%s/%s", root, message.TopicConnection)

	return mqtttransport.New(mqtttransport.Config{
		BrokerURL:      a.cfg.Broker.URL,
		ClientID:       a.cfg.Device.ClientID + a.cfg.Broker.ClientIDSuffix,
		KeepAlive:      a.cfg.Broker.KeepAlive,
		ConnectTimeout: a.cfg.Broker.ConnectTimeout,
		TLSInsecure:    a.cfg.Broker.TLSInsecureSkipVerify,
		TopicNames:     topics,
	})
}

func (a *App) initRingBuffers() {
	wordSize := a.cfg.RingBuffer.WordSizeBytes
	if wordSize <= 0 {
		wordSize = 1
	}
	a.micRing = ringbuffer.New(wordSize, a.cfg.RingBuffer.MicrophoneWords, ringbuffer.NonBlockable, a.cfg.RingBuffer.MaxReaders)
	a.speakerRing = ringbuffer.New(wordSize, a.cfg.RingBuffer.SpeakerWords, ringbuffer.AllOrNothing, a.cfg.RingBuffer.MaxReaders)
}

func (a *App) initRegulatorsAndEmitters() {
	for _, topic := range outboundTopics {
		topic := topic
		emitter := dispatcher.NewEmitter(dispatcher.EmitterConfig{
			Sequences: message.NewSequenceSpace(0),
			Secrets:   a.secrets,
			Publisher: a.broker,
			Topic:     topic,
		})
		a.emitters[topic] = emitter
		a.closers = append(a.closers, emitter.Close)

		reg := regulator.New(regulator.Config{
			MaxMessageSize: a.cfg.Regulator.MaxMessageSize,
			MinWaitTime:    a.cfg.Regulator.MinWaitTime,
			EmitMode:       configEmitMode(a.cfg.Regulator.EmitMode),
			Scheduler:      a.sched,
			EmitChunk:      emitter.OnRegulatorChunk,
		})
		a.regulators[topic] = reg
		a.closers = append(a.closers, reg.Close)
	}
}

func (a *App) initSequencersAndDispatcher() {
	for _, topic := range inboundTopics {
		topic := topic
		a.sequencers[topic] = sequencer.New(sequencer.Config{
			MaxSlots:    a.cfg.Sequencer.MaxSlots,
			GapTimeout:  a.cfg.Sequencer.GapTimeout,
			Scheduler:   a.sched,
			OnSequenced: func(data []byte, seq uint32) { a.handleSequenced(topic, data, seq) },
			OnTimeout: func() {
				slog.Warn("sequencer gap timeout", "topic", topic)
			},
		})
	}

	a.directives = dispatcher.New()
}

func (a *App) initAlertManager() error {
	var persistPath string
	if a.cfg.Persist.Dir != "" {
		persistPath = filepath.Join(a.cfg.Persist.Dir, "alerts.json")
	}
	mgr, err := alert.New(alert.Config{
		PersistPath:      persistPath,
		SpeakerCanStream: func() bool { return a.speakerEng == nil || a.speakerEng.State() == speaker.Idle },
		StartOfflineAlert: func(slot alert.Slot, volume int) bool {
			if a.speakerEng == nil {
				return false
			}
			_ = a.speakerEng.SetVolume(volume)
			return true
		},
	})
	if err != nil {
		return err
	}
	a.alerts = mgr
	return nil
}

func (a *App) initCapabilities() {
	a.caps = capabilities.New(capabilityPublisher{a}, capabilities.Capabilities{
		Interfaces: []capabilities.Interface{
			{Type: "Microphone"},
			{Type: "Speaker"},
			{Type: "Alerts"},
			{Type: "ClockSynchronization"},
		},
	}, func(s capabilities.State) {
		slog.Info("capabilities state changed", "state", s)
	})
}

func (a *App) initClockManager() {
	a.clock = clockmanager.New(eventPublisher{a}, func(t time.Time) {
		slog.Info("clock synchronized", "server_time", t)
	})
}

func (a *App) initSpeakerEngine() {
	capacity := uint64(a.cfg.RingBuffer.SpeakerWords)
	overrunWarning, overrun := capacity, capacity
	if capacity > 1280 {
		overrunWarning = capacity - 1280
	}
	if capacity > 320 {
		overrun = capacity - 320
	}

	a.speakerEng = speaker.New(speaker.Config{
		Ring:       a.speakerRing,
		FrameWords: 320,
		Thresholds: speaker.BufferThresholds{
			UnderrunWords:        320,
			UnderrunWarningWords: 640,
			OverrunWarningWords:  overrunWarning,
			OverrunWords:         overrun,
			BufferingFillWords:   960,
		},
		Interlock: a.alerts,
		OutputFrame: func(frame []byte) {
			// Real playback hardware integration is device-specific; this
			// hook is where a platform audio sink would receive PCM frames.
		},
		OnStateChange: func(s speaker.State) {
			a.ux.SetSpeaking(s == speaker.Playing)
		},
	})
	a.closers = append(a.closers, a.speakerEng.Close)
}

// capabilityPublisher adapts App's outbound emitters to
// capabilities.Publisher.
type capabilityPublisher struct{ a *App }

func (p capabilityPublisher) PublishCapabilities(payload []byte) error {
	return p.a.publishJSON(message.TopicCapabilities, "PublishCapabilities", payload)
}

// eventPublisher adapts App's outbound emitters to clockmanager.EventPublisher.
type eventPublisher struct{ a *App }

func (p eventPublisher) PublishEvent(name string, payload []byte) error {
	return p.a.publishJSON(message.TopicEvent, name, payload)
}

func (a *App) publishJSON(topic message.Topic, name string, payload json.RawMessage) error {
	msg, err := message.NewJSONMessage(name, payload)
	if err != nil {
		return err
	}
	data, err := msg.MarshalEnvelope()
	if err != nil {
		return err
	}
	reg, ok := a.regulators[topic]
	if !ok {
		return fmt.Errorf("app: no regulator configured for topic %s", topic)
	}
	if !reg.Write(regulator.Chunk{Data: data}) {
		return fmt.Errorf("app: message for %s exceeds max regulator message size", topic)
	}
	return nil
}

func (a *App) registerDirectiveHandlers() {
	a.directives.Register("SetAlert", func(payload []byte, _ uint32, _ int) error {
		var p struct {
			Token         string `json:"token"`
			Type          string `json:"type"`
			ScheduledTime int64  `json:"scheduledTime"`
			DurationMs    int64  `json:"durationInMilliseconds"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return a.alerts.SetAlert(p.Token, alertTypeFromString(p.Type), time.Unix(p.ScheduledTime, 0), time.Duration(p.DurationMs)*time.Millisecond)
	})
	a.directives.Register("DeleteAlert", func(payload []byte, _ uint32, _ int) error {
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return a.alerts.DeleteAlert(p.Token)
	})
	a.directives.Register("DeleteAllAlerts", func([]byte, uint32, int) error {
		return a.alerts.DeleteAllAlerts()
	})
	a.directives.Register("SetClock", func(payload []byte, _ uint32, _ int) error {
		return a.clock.HandleSetClock(payload)
	})
	a.directives.Register("SetVolume", func(payload []byte, _ uint32, _ int) error {
		var p struct {
			Volume int `json:"volume"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return a.speakerEng.SetVolume(p.Volume)
	})
}

func alertTypeFromString(s string) alert.Type {
	switch s {
	case "ALARM":
		return alert.Alarm
	case "REMINDER":
		return alert.Reminder
	default:
		return alert.Timer
	}
}

// directionLabel renders a message.Direction as a metric attribute value.
// secretmanager keys rotations by direction only, not by topic.
func directionLabel(dir message.Direction) string {
	if dir == message.DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

func configEmitMode(m config.EmitMode) regulator.EmitMode {
	if m == config.EmitBurst {
		return regulator.Burst
	}
	return regulator.Trickle
}

// handleInbound is wired as the broker's inbound message callback. It feeds
// raw MQTT payloads through the per-topic sequencer.
func (a *App) handleInbound(topic message.Topic, payload []byte) {
	seq, ok := parseFrameSequence(payload)
	if !ok {
		slog.Warn("dropping malformed inbound frame", "topic", topic)
		a.metrics.RecordMalformedMessage(context.Background(), topic.String())
		return
	}
	s, ok := a.sequencers[topic]
	if !ok {
		slog.Warn("no sequencer configured for inbound topic", "topic", topic)
		return
	}
	s.Write(payload, seq)
}

// parseFrameSequence extracts the big-endian sequence number header shared
// by every wire frame (see internal/dispatcher.Emitter for the layout).
func parseFrameSequence(frame []byte) (uint32, bool) {
	if len(frame) < 4 {
		return 0, false
	}
	return uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3]), true
}

// handleSequenced processes one in-order inbound frame: it strips the wire
// header, decrypts the ciphertext, and routes the plaintext to the
// dispatcher (JSON topics) or the speaker ring buffer (binary topics).
func (a *App) handleSequenced(topic message.Topic, frame []byte, seq uint32) {
	ctx := context.Background()
	if len(frame) < 20 {
		slog.Warn("inbound frame too short", "topic", topic, "len", len(frame))
		a.metrics.RecordMalformedMessage(ctx, topic.String())
		return
	}
	ciphertextLen := uint32(frame[16])<<24 | uint32(frame[17])<<16 | uint32(frame[18])<<8 | uint32(frame[19])
	if uint32(len(frame)-20) < ciphertextLen {
		slog.Warn("inbound frame ciphertext length mismatch", "topic", topic)
		a.metrics.RecordMalformedMessage(ctx, topic.String())
		return
	}
	ciphertext := frame[20 : 20+ciphertextLen]

	plaintext, err := a.secrets.Open(topic, message.DirectionInbound, seq, ciphertext)
	if err != nil {
		slog.Warn("failed to decrypt inbound message", "topic", topic, "seq", seq, "error", err)
		a.metrics.RecordCryptoFailure(ctx, topic.String(), "open")
		return
	}

	switch topic.Kind() {
	case message.KindBinary:
		a.handleBinaryFrame(topic, plaintext)
	default:
		if err := a.directives.Dispatch(topic.String(), seq, plaintext); err != nil {
			slog.Warn("directive dispatch failed", "topic", topic, "seq", seq, "error", err)
		}
	}
}

func (a *App) handleBinaryFrame(topic message.Topic, plaintext []byte) {
	frames, err := message.UnmarshalBinaryMessages(plaintext)
	if err != nil {
		slog.Warn("failed to parse binary speaker frames", "error", err)
		a.metrics.RecordMalformedMessage(context.Background(), topic.String())
		return
	}
	for _, f := range frames {
		if _, err := a.speakerRing.Write(f.Data, len(f.Data)); err != nil {
			slog.Warn("speaker ring buffer write failed", "error", err)
			a.metrics.RecordDroppedFrame(context.Background(), "ring_full")
		}
	}
}

// Run connects the broker, starts the reconnect monitor, subscribes to
// inbound topics, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.reconnector.Connect(ctx); err != nil {
		return fmt.Errorf("app: initial connect: %w", err)
	}
	if err := a.broker.Subscribe(a.handleInbound); err != nil {
		return fmt.Errorf("app: subscribe: %w", err)
	}

	if _, err := a.caps.PublishCapabilities(); err != nil {
		slog.Warn("failed to publish capabilities", "error", err)
	}
	if err := a.clock.RequestSync(); err != nil {
		slog.Warn("failed to request clock sync", "error", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.reconnector.Monitor(egCtx)
		return nil
	})

	slog.Info("app running")
	<-ctx.Done()
	return eg.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.reconnector.Stop(); err != nil {
			slog.Warn("reconnector stop error", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SpeakerEngine returns the speaker playback engine.
func (a *App) SpeakerEngine() *speaker.Engine { return a.speakerEng }

// AlertManager returns the alert manager.
func (a *App) AlertManager() *alert.Manager { return a.alerts }

// UXManager returns the UX state manager.
func (a *App) UXManager() *uxmanager.Manager { return a.ux }

// ButtonCommand returns the button command sender, letting a device's local
// UI layer report physical button presses.
func (a *App) ButtonCommand() *buttoncommand.Sender { return a.btn }
