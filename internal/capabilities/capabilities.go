// Package capabilities publishes the client's capability set on the
// capabilities topic and tracks the acknowledgement state machine that
// governs when a re-publish is allowed.
package capabilities

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is a Sender's acknowledgement state.
type State uint8

const (
	// None is the default state: nothing has been published yet.
	None State = iota
	// Publishing means capabilities were sent and an acknowledgement has
	// not yet arrived.
	Publishing
	// Accepted means the published capabilities were accepted.
	Accepted
	// Rejected means the published capabilities were rejected.
	Rejected
)

func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case Publishing:
		return "PUBLISHING"
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Capabilities describes the client's declared capability set, as JSON
// object payloads keyed by capability type.
type Capabilities struct {
	Interfaces []Interface `json:"interfaces"`
}

// Interface is one capability interface entry, e.g. the Speaker or
// Microphone interface with its configuration.
type Interface struct {
	Type          string          `json:"type"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// Publisher publishes a JSON payload on the capabilities topic.
type Publisher interface {
	PublishCapabilities(payload []byte) error
}

// StateObserver is notified whenever a Sender's state changes.
type StateObserver func(State)

// Sender publishes the client's capabilities and tracks the
// publish/acknowledge handshake. A second publish is rejected while a prior
// one is still awaiting acknowledgement.
type Sender struct {
	publisher Publisher
	observer  StateObserver
	caps      Capabilities

	mu    sync.Mutex
	state State
}

// New creates a Sender that will publish caps via publisher.
func New(publisher Publisher, caps Capabilities, observer StateObserver) *Sender {
	return &Sender{publisher: publisher, caps: caps, observer: observer}
}

// State returns the sender's current acknowledgement state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PublishCapabilities publishes the configured capability set, unless a
// previous publish is still awaiting acknowledgement. It reports whether the
// publish was sent.
func (s *Sender) PublishCapabilities() (bool, error) {
	s.mu.Lock()
	if s.state == Publishing {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	payload, err := json.Marshal(s.caps)
	if err != nil {
		return false, fmt.Errorf("capabilities: marshal: %w", err)
	}
	if err := s.publisher.PublishCapabilities(payload); err != nil {
		return false, fmt.Errorf("capabilities: publish: %w", err)
	}

	s.setState(Publishing)
	return true, nil
}

// HandleAccepted processes a CapabilitiesAccepted event/directive.
func (s *Sender) HandleAccepted() {
	s.setState(Accepted)
}

// HandleRejected processes a CapabilitiesRejected event/directive.
func (s *Sender) HandleRejected() {
	s.setState(Rejected)
}

func (s *Sender) setState(newState State) {
	s.mu.Lock()
	s.state = newState
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(newState)
	}
}
