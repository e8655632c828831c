// Package registration implements the one-time HTTPS bootstrap that trades
// device credentials for an MQTT topic root and a shared secret, generating
// an ephemeral ECDH keypair so the secret never crosses the wire in the
// clear. The exact request/response wire format is unspecified here (it is
// service-owned); this package defines the Go-level contract and a minimal
// implementation sufficient to feed internal/secretmanager and the rest of
// the message-plane stack.
package registration

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/aiaclient/internal/resilience"
)

// ErrSendFailed wraps the underlying transport error when the HTTP request
// itself could not be sent, distinct from a structured [FailureError] reply.
var ErrSendFailed = errors.New("registration: SEND_FAILED")

// FailureCode mirrors the registration service's documented failure
// reasons, returned in the response body when registration is rejected.
type FailureCode string

const (
	FailureInvalidRequest                   FailureCode = "INVALID_REQUEST"
	FailureMissingParam                     FailureCode = "MISSING_PARAM"
	FailureInvalidEncryptionAlgorithm       FailureCode = "INVALID_ENCRYPTION_ALGORITHM"
	FailureInvalidEncryptionData            FailureCode = "INVALID_ENCRYPTION_DATA"
	FailureInvalidAuthenticationCredentials FailureCode = "INVALID_AUTHENTICATION_CREDENTIALS"
	FailureInvalidAWSAccount                FailureCode = "INVALID_AWS_ACCOUNT"
	FailureInvalidIoTEndpoint               FailureCode = "INVALID_IOT_ENDPOINT"
	FailureInternalServerError              FailureCode = "INTERNAL_SERVER_ERROR"
	FailureResponseError                    FailureCode = "RESPONSE_ERROR"
	FailureSendFailed                       FailureCode = "SEND_FAILED"
)

// FailureError is returned when the registration endpoint rejects the
// request with a structured failure code and description.
type FailureError struct {
	Code        FailureCode
	Description string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("registration: %s: %s", e.Code, e.Description)
}

// Result holds everything the rest of the stack needs after a successful
// registration: where to connect, and the raw ECDH shared point to derive
// AEAD key material from via a [config.Registry] deriver.
type Result struct {
	AWSAccountID     string
	IoTEndpoint      string
	TopicRoot        string
	ServicePublicKey []byte
	SharedSecret     []byte
}

// Registrar performs device registration.
type Registrar interface {
	Register(ctx context.Context) (*Result, error)
}

// Config configures a [Client].
type Config struct {
	// Endpoint is the registration service HTTPS URL.
	Endpoint string

	// ClientID identifies the device to the registration service.
	ClientID string

	// AuthToken authenticates the device.
	AuthToken string

	// HTTPClient is the HTTP client used for the request. Defaults to a
	// client with a 15s timeout.
	HTTPClient *http.Client

	// Breaker guards the registration call against a misbehaving endpoint.
	// Defaults to a breaker named "registration".
	Breaker *resilience.CircuitBreaker
}

// Client is the default [Registrar] implementation.
type Client struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New creates a Client from cfg, filling unset fields with defaults.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "registration"})
	}
	return &Client{cfg: cfg, breaker: breaker}
}

type requestBody struct {
	Authentication struct {
		Token    string `json:"token"`
		ClientID string `json:"clientId"`
	} `json:"authentication"`
	Encryption struct {
		Algorithm string `json:"algorithm"`
		PublicKey string `json:"publicKey"`
	} `json:"encryption"`
}

type responseBody struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	Encryption  struct {
		Algorithm string `json:"algorithm"`
		PublicKey string `json:"publicKey"`
	} `json:"encryption"`
	IoT struct {
		AWSAccountID string `json:"awsAccountId"`
		Endpoint     string `json:"endpoint"`
		TopicRoot    string `json:"topicRoot"`
	} `json:"iot"`
}

// Register performs the HTTPS registration exchange, wrapped in a circuit
// breaker so a stuck endpoint does not leave callers hanging on every retry.
func (c *Client) Register(ctx context.Context) (*Result, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("registration: generate ecdh key: %w", err)
	}

	var req requestBody
	req.Authentication.Token = c.cfg.AuthToken
	req.Authentication.ClientID = c.cfg.ClientID
	req.Encryption.Algorithm = "ECDH_P256"
	req.Encryption.PublicKey = base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes())

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("registration: encode request: %w", err)
	}

	var rb responseBody
	err = c.breaker.Execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
			return fmt.Errorf("registration: decode response: %w", err)
		}
		if resp.StatusCode >= 400 || rb.Code != "" {
			return &FailureError{Code: FailureCode(rb.Code), Description: rb.Description}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	servicePub, err := base64.StdEncoding.DecodeString(rb.Encryption.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registration: decode service public key: %w", err)
	}
	servicePubKey, err := ecdh.P256().NewPublicKey(servicePub)
	if err != nil {
		return nil, fmt.Errorf("registration: invalid service public key: %w", err)
	}
	secret, err := priv.ECDH(servicePubKey)
	if err != nil {
		return nil, fmt.Errorf("registration: compute shared secret: %w", err)
	}

	return &Result{
		AWSAccountID:     rb.IoT.AWSAccountID,
		IoTEndpoint:      rb.IoT.Endpoint,
		TopicRoot:        rb.IoT.TopicRoot,
		ServicePublicKey: servicePub,
		SharedSecret:     secret,
	}, nil
}
