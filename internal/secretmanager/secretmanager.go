// Package secretmanager derives and rotates the per-direction AEAD secrets
// used to encrypt and decrypt topic traffic, and performs the AES-GCM
// seal/open around them (AES-256 for RawECDH keys, AES-128 for HKDFSHA256).
package secretmanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/MrWong99/aiaclient/internal/message"
)

// DerivationAlgorithm selects how a shared ECDH secret is turned into an
// AEAD key.
type DerivationAlgorithm uint8

const (
	// RawECDH uses the 32-byte X25519 shared secret directly as the
	// AES-256 key.
	RawECDH DerivationAlgorithm = iota

	// HKDFSHA256 derives a 16-byte key from the shared secret via
	// HKDF-SHA-256, for deployments that prefer AES-128-GCM.
	HKDFSHA256
)

// keySize returns the AES key length produced by alg.
func (alg DerivationAlgorithm) keySize() int {
	if alg == HKDFSHA256 {
		return 16
	}
	return 32
}

// SharedSecret is one AEAD key plus the algorithm used to derive it.
type SharedSecret struct {
	Key       []byte
	Algorithm DerivationAlgorithm
}

// DeriveSharedSecret runs X25519 ECDH between localPrivate and remotePublic,
// then optionally HKDF-SHA-256 truncation. info salts the HKDF derivation
// (the topic root is a natural choice).
func DeriveSharedSecret(localPrivate, remotePublic [32]byte, alg DerivationAlgorithm, info []byte) (SharedSecret, error) {
	raw, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return SharedSecret{}, fmt.Errorf("secretmanager: ecdh: %w", err)
	}

	if alg == RawECDH {
		return SharedSecret{Key: raw, Algorithm: RawECDH}, nil
	}

	key := make([]byte, HKDFSHA256.keySize())
	kdf := hkdf.New(sha256.New, raw, nil, info)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return SharedSecret{}, fmt.Errorf("secretmanager: hkdf: %w", err)
	}
	return SharedSecret{Key: key, Algorithm: HKDFSHA256}, nil
}

// GenerateKeypair returns a fresh X25519 private/public keypair.
func GenerateKeypair() (private, public [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return private, public, fmt.Errorf("secretmanager: generating private key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, fmt.Errorf("secretmanager: deriving public key: %w", err)
	}
	copy(public[:], pub)
	return private, public, nil
}

// ErrNoSecret is returned when no shared secret has been established for a
// direction.
var ErrNoSecret = errors.New("secretmanager: no shared secret established")

// ErrAuthenticationFailed is returned when decryption fails integrity
// verification (tampered ciphertext, wrong key, or wrong nonce).
var ErrAuthenticationFailed = errors.New("secretmanager: authentication failed")

// directionSecrets holds up to two concurrently valid secrets for one
// direction, to span a rotation window.
type directionSecrets struct {
	current    *SharedSecret
	previous   *SharedSecret
	cutoverSeq uint32
	hasCutover bool
}

// Manager holds the current and (during rotation) previous secret for each
// direction, and performs sealing and opening against them.
//
// A rotation replaces current with a new secret while keeping the old one as
// previous until cutoverSeq is reached on the inbound side, so messages
// already in flight under the old secret still decrypt.
type Manager struct {
	mu    sync.RWMutex
	byDir map[message.Direction]*directionSecrets

	// OnRotated is invoked once a rotation's cutover sequence number has
	// been reached for a direction. It fires synchronously from within
	// Open, under the event's *new* secret already active.
	OnRotated func(dir message.Direction)
}

// New creates an empty Manager. Call SetSecret for each direction before
// using Seal or Open.
func New() *Manager {
	return &Manager{byDir: make(map[message.Direction]*directionSecrets)}
}

// SetSecret installs secret as the current secret for dir, with no rotation
// in progress.
func (m *Manager) SetSecret(dir message.Direction, secret SharedSecret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byDir[dir] = &directionSecrets{current: &secret}
}

// Rotate installs secret as the new current secret for dir, keeping the
// prior current secret available as previous until cutoverSeq (inclusive) is
// reached on that direction's inbound sequence space.
func (m *Manager) Rotate(dir message.Direction, secret SharedSecret, cutoverSeq uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.byDir[dir]
	if !ok || ds.current == nil {
		return ErrNoSecret
	}

	prev := ds.current
	m.byDir[dir] = &directionSecrets{
		current:    &secret,
		previous:   prev,
		cutoverSeq: cutoverSeq,
		hasCutover: true,
	}
	return nil
}

// Nonce builds the 12-byte AEAD nonce: topic(1) || direction(1) ||
// sequence_number(4), zero-padded to 12 bytes. Exported so the wire codec
// can transmit it explicitly alongside ciphertext, even though it is
// reconstructible from (topic, direction, sequence_number) alone.
func Nonce(topic message.Topic, dir message.Direction, seq uint32) [12]byte {
	var n [12]byte
	n[0] = byte(topic)
	n[1] = byte(dir)
	n[2] = byte(seq >> 24)
	n[3] = byte(seq >> 16)
	n[4] = byte(seq >> 8)
	n[5] = byte(seq)
	return n
}

func newGCM(secret SharedSecret) (cipher.AEAD, error) {
	if len(secret.Key) != secret.Algorithm.keySize() {
		return nil, fmt.Errorf("secretmanager: key length %d does not match algorithm", len(secret.Key))
	}
	block, err := aes.NewCipher(secret.Key)
	if err != nil {
		return nil, fmt.Errorf("secretmanager: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for (topic, dir, seq) under dir's current secret.
func (m *Manager) Seal(topic message.Topic, dir message.Direction, seq uint32, plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	ds, ok := m.byDir[dir]
	m.mu.RUnlock()
	if !ok || ds.current == nil {
		return nil, ErrNoSecret
	}

	gcm, err := newGCM(*ds.current)
	if err != nil {
		return nil, err
	}
	n := Nonce(topic, dir, seq)
	return gcm.Seal(nil, n[:], plaintext, nil), nil
}

// Open decrypts ciphertext received for (topic, dir, seq). It tries the
// current secret first, then the previous secret if one is active for this
// direction's rotation window. When seq reaches or passes the cutover
// sequence number after a successful open under the current secret,
// OnRotated fires and the previous secret is retired.
func (m *Manager) Open(topic message.Topic, dir message.Direction, seq uint32, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	ds, ok := m.byDir[dir]
	if !ok || ds.current == nil {
		m.mu.Unlock()
		return nil, ErrNoSecret
	}
	current := *ds.current
	var previous *SharedSecret
	if ds.previous != nil {
		prev := *ds.previous
		previous = &prev
	}
	hasCutover := ds.hasCutover
	cutoverSeq := ds.cutoverSeq
	m.mu.Unlock()

	n := Nonce(topic, dir, seq)

	gcm, err := newGCM(current)
	if err == nil {
		if pt, openErr := gcm.Open(nil, n[:], ciphertext, nil); openErr == nil {
			m.maybeRetirePrevious(dir, hasCutover, cutoverSeq, seq)
			return pt, nil
		}
	}

	if previous != nil {
		if pgcm, perr := newGCM(*previous); perr == nil {
			if pt, openErr := pgcm.Open(nil, n[:], ciphertext, nil); openErr == nil {
				return pt, nil
			}
		}
	}

	return nil, ErrAuthenticationFailed
}

// maybeRetirePrevious drops the previous secret and fires OnRotated once the
// inbound sequence number has reached the rotation's cutover point.
func (m *Manager) maybeRetirePrevious(dir message.Direction, hasCutover bool, cutoverSeq, seq uint32) {
	if !hasCutover {
		return
	}
	// seq has reached cutoverSeq once the forward distance from cutoverSeq
	// to seq is small rather than close to a full wraparound; half the
	// sequence space is the standard wraparound-safe threshold.
	if message.SequenceDistance(cutoverSeq, seq) >= 1<<31 {
		return
	}

	m.mu.Lock()
	ds, ok := m.byDir[dir]
	fire := ok && ds.previous != nil
	if fire {
		ds.previous = nil
		ds.hasCutover = false
	}
	m.mu.Unlock()

	if fire && m.OnRotated != nil {
		m.OnRotated(dir)
	}
}
