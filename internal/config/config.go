// Package config provides the configuration schema, loader, and algorithm
// registry for the AIA client device agent.
package config

import "time"

// Config is the root configuration structure for the device agent.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Device       DeviceConfig       `yaml:"device"`
	Broker       BrokerConfig       `yaml:"broker"`
	RingBuffer   RingBufferConfig   `yaml:"ring_buffer"`
	Regulator    RegulatorConfig    `yaml:"regulator"`
	Sequencer    SequencerConfig    `yaml:"sequencer"`
	Secret       SecretConfig       `yaml:"secret"`
	Persist      PersistConfig      `yaml:"persist"`
	Registration RegistrationConfig `yaml:"registration"`
}

// ServerConfig holds local diagnostics and logging settings for the device agent.
type ServerConfig struct {
	// ListenAddr is the TCP address the local diagnostics HTTP server listens
	// on (e.g., ":8080"). Serves /healthz, /readyz, /metrics, and a websocket
	// debug stream at /debug/stream.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// DeviceConfig identifies the device to the service.
type DeviceConfig struct {
	// AWSAccountID is the account identifier sent in the Connect message.
	AWSAccountID string `yaml:"aws_account_id"`

	// ClientID is the device's client identifier, sent in the Connect message
	// and used to derive the per-device MQTT topic names.
	ClientID string `yaml:"client_id"`

	// TopicRoot is the configured topic-name prefix. No topic root is
	// persisted or read back from disk; when empty, cmd/aiaclient fills it
	// from the registration response.
	TopicRoot string `yaml:"topic_root"`
}

// BrokerConfig configures the MQTT broker connection.
type BrokerConfig struct {
	// URL is the broker address, e.g. "ssl://broker.example.com:8883".
	URL string `yaml:"url"`

	// ClientIDSuffix is appended to Device.ClientID to form the MQTT client ID,
	// letting multiple local processes connect as distinct MQTT clients
	// against the same device identity during development.
	ClientIDSuffix string `yaml:"client_id_suffix"`

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// ConnectTimeout bounds the initial TCP/TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxBackoff caps the exponential reconnect backoff (see [connection.FullJitterBackoff]).
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// TLSInsecureSkipVerify disables server certificate verification. Only
	// ever set for local broker development.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// RingBufferConfig sizes the shared-memory-style circular buffers backing
// microphone capture and speaker playback.
type RingBufferConfig struct {
	// MicrophoneWords is the microphone ring buffer capacity in words.
	MicrophoneWords int `yaml:"microphone_words"`

	// SpeakerWords is the speaker ring buffer capacity in words.
	SpeakerWords int `yaml:"speaker_words"`

	// WordSizeBytes is the ring buffer word granularity: 1, 2, or 4.
	WordSizeBytes int `yaml:"word_size_bytes"`

	// MaxReaders bounds the number of concurrent readers per ring buffer.
	MaxReaders int `yaml:"max_readers"`
}

// RegulatorConfig tunes outbound batching for every outbound topic. Per-topic
// overrides may be added later; today all outbound topics share one policy.
type RegulatorConfig struct {
	// MaxMessageSize is the maximum byte size of a single packed MQTT publish.
	MaxMessageSize int `yaml:"max_message_size"`

	// MinWaitTime is the minimum interval between emits (TRICKLE) or the
	// maximum time data may sit buffered before a forced emit (BURST).
	MinWaitTime time.Duration `yaml:"min_wait_time"`

	// EmitMode is the default emit mode for outbound topics: "trickle" or "burst".
	EmitMode EmitMode `yaml:"emit_mode"`
}

// SequencerConfig tunes inbound reordering for every inbound topic.
type SequencerConfig struct {
	// MaxSlots bounds the out-of-order reorder window.
	MaxSlots int `yaml:"max_slots"`

	// GapTimeout is how long the sequencer waits for a gap to close before
	// invoking its timeout callback. Zero disables the timer.
	GapTimeout time.Duration `yaml:"gap_timeout"`
}

// SecretConfig selects the key-derivation algorithm negotiated at registration.
type SecretConfig struct {
	// DerivationAlgorithm names the algorithm registered in the [Registry]:
	// "raw-ecdh" or "hkdf-sha256".
	DerivationAlgorithm DerivationAlgorithm `yaml:"derivation_algorithm"`
}

// PersistConfig locates the on-disk state the device persists across
// restarts. Only alert records are written there; topic root, volume and
// shared secrets are not persisted.
type PersistConfig struct {
	// Dir is the directory persisted state files are written under.
	Dir string `yaml:"dir"`
}

// RegistrationConfig configures the one-time HTTPS registration bootstrap
// that exchanges device credentials for a topic root and shared secret. Left
// zero-valued, registration is skipped and Device.TopicRoot/Broker.URL must
// already be populated by some other provisioning step.
type RegistrationConfig struct {
	// Endpoint is the registration service HTTPS URL. Empty disables registration.
	Endpoint string `yaml:"endpoint"`

	// AuthToken authenticates the device to the registration endpoint.
	AuthToken string `yaml:"auth_token"`
}
