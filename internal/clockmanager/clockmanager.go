// Package clockmanager synchronizes the device clock against the server's
// notion of time, to keep sequence-number-adjacent timing decisions (alert
// scheduling, offset-based playback) from drifting against the server.
package clockmanager

import (
	"encoding/json"
	"fmt"
	"time"
)

// SynchronizedObserver is notified once the device clock has been
// synchronized, with the server-reported current time.
type SynchronizedObserver func(currentTime time.Time)

// EventPublisher publishes a JSON event payload on the events topic.
type EventPublisher interface {
	PublishEvent(name string, payload []byte) error
}

// Manager handles the SetClock directive and emits the corresponding
// SynchronizeClock event.
type Manager struct {
	publisher EventPublisher
	observer  SynchronizedObserver
}

// New creates a Manager bound to publisher.
func New(publisher EventPublisher, observer SynchronizedObserver) *Manager {
	return &Manager{publisher: publisher, observer: observer}
}

// RequestSync publishes a SynchronizeClock event, asking the server to
// report its current time via a SetClock directive.
func (m *Manager) RequestSync() error {
	if err := m.publisher.PublishEvent("SynchronizeClock", []byte("{}")); err != nil {
		return fmt.Errorf("clockmanager: publish SynchronizeClock: %w", err)
	}
	return nil
}

type setClockPayload struct {
	TimeSinceEpoch int64 `json:"timeSinceEpoch"`
}

// HandleSetClock processes a SetClock directive payload, decoding the
// server-reported time and passing it to the observer. It does not set the
// system clock itself.
func (m *Manager) HandleSetClock(payload []byte) error {
	var p setClockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("clockmanager: decoding SetClock payload: %w", err)
	}
	current := time.Unix(p.TimeSinceEpoch, 0).UTC()
	if m.observer != nil {
		m.observer(current)
	}
	return nil
}
