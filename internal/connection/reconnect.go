package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultMaxBackoff = 30 * time.Second
)

// Broker is the subset of a transport client a [Reconnector] needs: connect
// to the broker and tear the session down again. Implemented by
// internal/mqtttransport.
type Broker interface {
	// Connect establishes a transport-level session. It blocks until the
	// connection succeeds, fails, or ctx is cancelled.
	Connect(ctx context.Context) error

	// Disconnect tears the transport-level session down.
	Disconnect() error
}

// Reconnector monitors a [Broker] connection and automatically reconnects
// on disconnection using binary exponential backoff with full jitter, per
// the connection-state handshake: wait uniform(0, min(2^n*1000ms,
// max_backoff)) before retry n (1-indexed); n=0 returns 0 immediately.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is detected (via [Reconnector.NotifyDisconnect]),
// the monitor attempts reconnection and invokes the configured OnReconnect
// callback on success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	broker      Broker
	maxRetries  int
	maxBackoff  time.Duration
	onReconnect func()
	onExhausted func()

	mu           sync.Mutex
	connected    bool
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Broker is the transport used to establish and tear down connections.
	Broker Broker

	// MaxRetries is the maximum number of reconnection attempts before
	// giving up. Defaults to 10 if zero.
	MaxRetries int

	// MaxBackoff is the upper limit on the full-jitter backoff window.
	// Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()

	// OnExhausted is called once MaxRetries consecutive attempts have all
	// failed. May be nil.
	OnExhausted func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		broker:       cfg.Broker,
		maxRetries:   maxRetries,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onExhausted:  cfg.OnExhausted,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection to the broker.
func (r *Reconnector) Connect(ctx context.Context) error {
	if err := r.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connection: initial connect: %w", err)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Monitor starts monitoring the connection in a background goroutine.
// If a disconnection is signalled via [Reconnector.NotifyDisconnect], it
// attempts reconnection with full-jitter backoff.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and disconnects the current connection.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if wasConnected {
		return r.broker.Disconnect()
	}
	return nil
}

// Connected reports whether the reconnector currently believes it holds a
// live broker connection.
func (r *Reconnector) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to reconnect using full-jitter exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		wait := FullJitterBackoff(attempt, r.maxBackoff)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-time.After(wait):
			}
		}

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"wait", wait,
		)

		if err := r.broker.Connect(ctx); err == nil {
			r.mu.Lock()
			r.connected = true
			r.mu.Unlock()

			slog.Info("reconnection successful", "attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		} else {
			slog.Warn("reconnection attempt failed",
				"attempt", attempt,
				"error", err,
			)
		}
	}

	slog.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
	if r.onExhausted != nil {
		r.onExhausted()
	}
}

// FullJitterBackoff computes the binary-exponential-backoff-with-full-jitter
// wait duration before retry n (1-indexed): uniform(0, min(2^n*1000ms,
// maxBackoff)). n=0 returns 0.
func FullJitterBackoff(n int, maxBackoff time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	// Guard against overflow for large n: cap the shift at a value that
	// already exceeds any realistic maxBackoff.
	shift := uint(n)
	if shift > 30 {
		shift = 30
	}
	capped := time.Duration(1<<shift) * time.Second
	if capped > maxBackoff || capped <= 0 {
		capped = maxBackoff
	}
	if capped <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(capped)))
}
