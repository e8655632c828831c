// Package connection manages the MQTT connection lifecycle: the
// Connect/Acknowledge/Disconnect handshake on the unencrypted connection
// topic, and reconnection with full-jitter exponential backoff.
package connection

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected is the initial and terminal state: no MQTT session
	// is established.
	StateDisconnected State = iota

	// StateConnecting covers the span between the transport-level MQTT
	// connect and receiving the Acknowledge reply to our Connect message.
	StateConnecting

	// StateConnected is reached once Acknowledge{CONNECTION_ESTABLISHED} is
	// received. Capability publish fires on entry.
	StateConnected
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AcknowledgeCode enumerates the reply codes to a Connect message.
type AcknowledgeCode string

const (
	CodeConnectionEstablished AcknowledgeCode = "CONNECTION_ESTABLISHED"
	CodeInvalidAccountID      AcknowledgeCode = "INVALID_ACCOUNT_ID"
	CodeInvalidClientID       AcknowledgeCode = "INVALID_CLIENT_ID"
	CodeAPIVersionDeprecated  AcknowledgeCode = "API_VERSION_DEPRECATED"
	CodeUnknownFailure        AcknowledgeCode = "UNKNOWN_FAILURE"
)

// DisconnectCode enumerates codes carried by a Disconnect message, sent in
// either direction.
type DisconnectCode string

const (
	CodeUnexpectedSequenceNumber DisconnectCode = "UNEXPECTED_SEQUENCE_NUMBER"
	CodeMessageTampered          DisconnectCode = "MESSAGE_TAMPERED"
	CodeDisconnectAPIDeprecated  DisconnectCode = "API_VERSION_DEPRECATED"
	CodeEncryptionError          DisconnectCode = "ENCRYPTION_ERROR"
	CodeGoingOffline             DisconnectCode = "GOING_OFFLINE"
)

// ConnectMessage is sent device to service on the connection topic to
// initiate a session.
type ConnectMessage struct {
	AWSAccountID     string `json:"awsAccountId"`
	ClientID         string `json:"clientId"`
	ConnectMessageID string `json:"connectMessageId"`
}

// AcknowledgeMessage replies to a ConnectMessage or a capabilities publish.
type AcknowledgeMessage struct {
	ConnectMessageID string          `json:"connectMessageId,omitempty"`
	PublishMessageID string          `json:"publishMessageId,omitempty"`
	Code             AcknowledgeCode `json:"code"`
	Description      string          `json:"description,omitempty"`
}

// DisconnectMessage carries a reason for a connection teardown, in either
// direction.
type DisconnectMessage struct {
	Code        DisconnectCode `json:"code"`
	Description string         `json:"description,omitempty"`
}
