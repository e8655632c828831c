// Package dispatcher routes parsed inbound directive payloads to capability
// managers, and assembles outbound wire messages for publication (§4.F).
package dispatcher

import (
	"encoding/json"
	"fmt"
)

// HandlerFunc processes one directive within a batch. payload is the raw
// JSON bytes for that element, seq is the sequence number of the message
// that carried it, and index is the element's position within the batch
// (0 for an unbatched directive).
type HandlerFunc func(payload []byte, seq uint32, index int) error

// MalformedMessageError reports a parse failure at the directive boundary,
// carrying enough context to populate an ExceptionEncountered event.
type MalformedMessageError struct {
	Topic          string
	SequenceNumber uint32
	Index          int
	Reason         string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("dispatcher: malformed message on %s seq=%d index=%d: %s", e.Topic, e.SequenceNumber, e.Index, e.Reason)
}

// directiveEnvelope mirrors the {header:{name,messageId}, payload:{...}}
// wire shape. Payload is left as raw JSON so the resolved handler can decode
// it into its own concrete type.
type directiveEnvelope struct {
	Header struct {
		Name      string `json:"name"`
		MessageID string `json:"messageId"`
	} `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher holds an immutable, post-startup table of directive handlers.
// Register every handler before the first call to Dispatch; Dispatcher
// performs no locking, matching the "no concurrent writers after startup"
// invariant of the handler table.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// New creates an empty Dispatcher. Call Register for every directive name
// the client understands before routing any traffic through Dispatch.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to handler. Registering the same name twice replaces
// the prior handler; callers are expected to finish registration before
// startup completes.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.handlers[name] = handler
}

// Dispatch parses data as either a single directive envelope or a batch
// (JSON array of envelopes), invoking the registered handler for each
// element in order with an increasing index. It returns a
// *MalformedMessageError on any parse failure or unknown directive name;
// the caller is responsible for turning that into an ExceptionEncountered
// event and continuing — a malformed directive is not fatal to the
// connection.
func (d *Dispatcher) Dispatch(topic string, seq uint32, data []byte) error {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var envelopes []directiveEnvelope
		if err := json.Unmarshal(data, &envelopes); err != nil {
			return &MalformedMessageError{Topic: topic, SequenceNumber: seq, Index: 0, Reason: err.Error()}
		}
		for i, env := range envelopes {
			if err := d.dispatchOne(topic, seq, i, env); err != nil {
				return err
			}
		}
		return nil
	}

	var env directiveEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &MalformedMessageError{Topic: topic, SequenceNumber: seq, Index: 0, Reason: err.Error()}
	}
	return d.dispatchOne(topic, seq, 0, env)
}

func (d *Dispatcher) dispatchOne(topic string, seq uint32, index int, env directiveEnvelope) error {
	if env.Header.Name == "" {
		return &MalformedMessageError{Topic: topic, SequenceNumber: seq, Index: index, Reason: "missing header.name"}
	}
	handler, ok := d.handlers[env.Header.Name]
	if !ok {
		return &MalformedMessageError{Topic: topic, SequenceNumber: seq, Index: index, Reason: "unknown directive: " + env.Header.Name}
	}
	if err := handler(env.Payload, seq, index); err != nil {
		return &MalformedMessageError{Topic: topic, SequenceNumber: seq, Index: index, Reason: err.Error()}
	}
	return nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
