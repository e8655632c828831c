// Package message defines the wire-level message shapes and topic taxonomy
// shared by every subsystem in the message plane: the sequencer, regulator,
// secret manager, and dispatcher all operate on [Message] values addressed
// by [Topic].
package message

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// messageIDAlphabet excludes '"', '\\', and space, per the 16-character
// printable messageId token requirement.
const messageIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const messageIDLength = 16

// Message is the abstract shape shared by JSON and binary wire messages.
type Message interface {
	// Name identifies the directive/event or binary frame type.
	Name() string

	// Size returns the number of bytes this message occupies once
	// serialised, used by the Regulator to pack chunks.
	Size() int
}

// JSONMessage is the triple (name, messageId, payload) carried over
// JSON-typed topics (capabilities, directive, event).
type JSONMessage struct {
	MessageName string
	MessageID   string
	Payload     json.RawMessage
}

// envelope is the wire shape: {header:{name,messageId}, payload:{...}}.
type envelope struct {
	Header struct {
		Name      string `json:"name"`
		MessageID string `json:"messageId"`
	} `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// NewJSONMessage builds a JSONMessage with a freshly generated messageId.
func NewJSONMessage(name string, payload json.RawMessage) (JSONMessage, error) {
	id, err := NewMessageID()
	if err != nil {
		return JSONMessage{}, err
	}
	return JSONMessage{MessageName: name, MessageID: id, Payload: payload}, nil
}

// NewMessageID generates a random 16-character printable token containing
// no '"', '\\', or space.
func NewMessageID() (string, error) {
	buf := make([]byte, messageIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("message: generate id: %w", err)
	}
	out := make([]byte, messageIDLength)
	for i, b := range buf {
		out[i] = messageIDAlphabet[int(b)%len(messageIDAlphabet)]
	}
	return string(out), nil
}

// Name implements [Message].
func (m JSONMessage) Name() string { return m.MessageName }

// MarshalEnvelope serialises m into the wire envelope shape.
func (m JSONMessage) MarshalEnvelope() ([]byte, error) {
	var env envelope
	env.Header.Name = m.MessageName
	env.Header.MessageID = m.MessageID
	env.Payload = m.Payload
	return json.Marshal(env)
}

// UnmarshalEnvelope parses the wire envelope shape into a JSONMessage.
func UnmarshalEnvelope(data []byte) (JSONMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return JSONMessage{}, fmt.Errorf("message: unmarshal envelope: %w", err)
	}
	return JSONMessage{
		MessageName: env.Header.Name,
		MessageID:   env.Header.MessageID,
		Payload:     env.Payload,
	}, nil
}

// Size implements [Message]. It is the length of the marshalled envelope.
func (m JSONMessage) Size() int {
	b, err := m.MarshalEnvelope()
	if err != nil {
		return 0
	}
	return len(b)
}

// BinaryHeaderSize is the fixed 8-byte header preceding every binary
// message on the wire: 4-byte LE length, 1-byte type, 1-byte count, 2
// reserved bytes (must be zero).
const BinaryHeaderSize = 8

// BinaryMessage is the (length, type, count, data) shape carried over
// binary-typed topics (microphone, speaker).
type BinaryMessage struct {
	Type  uint8
	Count uint8
	Data  []byte
}

// Name implements [Message]; binary frames are identified by their numeric
// type rather than a string, so Name returns a synthetic label.
func (m BinaryMessage) Name() string {
	return fmt.Sprintf("binary:%d", m.Type)
}

// Size implements [Message]: header plus payload length.
func (m BinaryMessage) Size() int {
	return BinaryHeaderSize + len(m.Data)
}

// MarshalBinary serialises m into its wire form: an 8-byte header
// followed by Data.
func (m BinaryMessage) MarshalBinary() ([]byte, error) {
	if len(m.Data) > 0xFFFFFFFF {
		return nil, fmt.Errorf("message: binary payload too large: %d bytes", len(m.Data))
	}
	out := make([]byte, BinaryHeaderSize+len(m.Data))
	length := uint32(len(m.Data))
	out[0] = byte(length)
	out[1] = byte(length >> 8)
	out[2] = byte(length >> 16)
	out[3] = byte(length >> 24)
	out[4] = m.Type
	out[5] = m.Count
	out[6] = 0
	out[7] = 0
	copy(out[BinaryHeaderSize:], m.Data)
	return out, nil
}

// UnmarshalBinaryMessages parses a payload that may contain count
// consecutive (length,type,count,reserved,data) frames concatenated back
// to back, per §6 of the binary envelope wire format. The reserved bytes
// must be zero; a non-zero reserved field is treated as a malformed
// message.
func UnmarshalBinaryMessages(data []byte) ([]BinaryMessage, error) {
	var out []BinaryMessage
	for len(data) > 0 {
		if len(data) < BinaryHeaderSize {
			return nil, fmt.Errorf("message: truncated binary header: %d bytes remaining", len(data))
		}
		length := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		typ := data[4]
		count := data[5]
		reserved := uint16(data[6]) | uint16(data[7])<<8
		if reserved != 0 {
			return nil, fmt.Errorf("message: non-zero reserved bytes in binary header")
		}
		data = data[BinaryHeaderSize:]
		if uint64(len(data)) < uint64(length) {
			return nil, fmt.Errorf("message: binary frame length %d exceeds remaining %d bytes", length, len(data))
		}
		frame := BinaryMessage{Type: typ, Count: count, Data: data[:length]}
		out = append(out, frame)
		data = data[length:]
	}
	return out, nil
}
