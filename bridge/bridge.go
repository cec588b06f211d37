// Package bridge implements the short-lived, single-use pairing channel
// that moves a wrapped master key from an enrolled device to a newly
// enrolling one.
//
// A bridge token transitions Created -> Consumed or Created -> Expired
// and nothing else. The transported payload is already wrapped for the
// joining device's public key, so the relay carrying it needs no
// confidentiality; the bridge's job is anti-replay and expiry.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/recovery-engine/entropy"
)

// TTL bounds. The configured lifetime of a bridge token must land in
// this window.
const (
	MinTTL     = 60 * time.Second
	MaxTTL     = 90 * time.Second
	DefaultTTL = 75 * time.Second
)

const tokenBytes = 32

var (
	// ErrExpired is returned when a token is past its expiry. The
	// remediation is to create a new bridge.
	ErrExpired = errors.New("bridge: token expired")

	// ErrAlreadyConsumed is returned on any consume after the first,
	// legitimate retries and replay attacks alike. The remediation
	// differs from expiry: suspect the relay.
	ErrAlreadyConsumed = errors.New("bridge: token already consumed")

	// ErrNotFound is returned for tokens this store never issued.
	ErrNotFound = errors.New("bridge: unknown token")

	// ErrRecipientMismatch is returned when the consuming device's
	// public key is not the one the payload was wrapped for.
	ErrRecipientMismatch = errors.New("bridge: payload was wrapped for a different device key")

	// ErrNotAuthorized is returned when the creating device's
	// user-presence check fails.
	ErrNotAuthorized = errors.New("bridge: user presence authorization failed")
)

// Record is the persisted state of one bridge token.
type Record struct {
	Token       string
	Payload     []byte // wrapped master key for the joining device
	RecipientFP []byte // SHA-256 of the joining device's public key
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// TokenStore persists bridge tokens. Consume must be atomic:
// "not consumed and not expired, then mark consumed" is one indivisible
// operation so two racing consumers cannot both succeed.
type TokenStore interface {
	Put(ctx context.Context, rec Record) error
	// Consume atomically marks the token consumed and returns its
	// record. Fails with ErrNotFound, ErrExpired, or
	// ErrAlreadyConsumed.
	Consume(ctx context.Context, token string, now time.Time) (*Record, error)
	// DeleteExpired reaps tokens whose expiry is before now, returning
	// how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Authorizer is the device-local user-presence capability consulted
// before a bridge may be created. The challenge result is unused beyond
// the success check; the engine never sees biometric material.
type Authorizer interface {
	AuthorizeUse(ctx context.Context, challenge []byte) ([]byte, error)
}

// Pairing is the external representation handed to the UI layer,
// suitable for encoding into a scannable code alongside the relay
// announcement.
type Pairing struct {
	Token            string    `cbor:"token" json:"token"`
	ExpiresAt        time.Time `cbor:"expires_at" json:"expires_at"`
	EncryptedPayload []byte    `cbor:"encrypted_payload" json:"encrypted_payload"`
}

// Encode serializes the pairing for transport.
func (p *Pairing) Encode() ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodePairing parses a transported pairing envelope.
func DecodePairing(data []byte) (*Pairing, error) {
	var p Pairing
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bridge: decoding pairing: %w", err)
	}
	return &p, nil
}

// Manager mints and redeems bridge tokens.
type Manager struct {
	store   TokenStore
	source  *entropy.Source
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the token lifetime, clamped to the allowed window.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl < MinTTL {
			ttl = MinTTL
		}
		if ttl > MaxTTL {
			ttl = MaxTTL
		}
		m.ttl = ttl
	}
}

// WithClock overrides the time source, for tests that advance the
// clock past expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a bridge manager over the given store.
func NewManager(store TokenStore, source *entropy.Source, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create mints a single-use token carrying wrappedKey for the device
// holding joiningPub. The calling device's authorizer is consulted
// first; only an enrolled device that just passed a local user-presence
// check may open a bridge.
func (m *Manager) Create(ctx context.Context, auth Authorizer, wrappedKey, joiningPub []byte) (*Pairing, error) {
	if len(wrappedKey) == 0 {
		return nil, errors.New("bridge: empty wrapped key payload")
	}

	challenge, err := m.source.Get(ctx, 32)
	if err != nil {
		return nil, fmt.Errorf("bridge: drawing challenge: %w", err)
	}
	if _, err := auth.AuthorizeUse(ctx, challenge); err != nil {
		log.Warn().Err(err).Msg("Bridge creation denied: user presence check failed")
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	raw, err := m.source.Get(ctx, tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("bridge: drawing token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := m.now()
	fp := sha256.Sum256(joiningPub)
	rec := Record{
		Token:       token,
		Payload:     wrappedKey,
		RecipientFP: fp[:],
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("bridge: storing token: %w", err)
	}

	log.Info().
		Str("token", token[:8]).
		Time("expires_at", rec.ExpiresAt).
		Msg("Pairing bridge created")

	return &Pairing{
		Token:            token,
		ExpiresAt:        rec.ExpiresAt,
		EncryptedPayload: wrappedKey,
	}, nil
}

// Consume redeems a token exactly once, returning the wrapped key for
// the joining device. joiningPub must match the key the payload was
// wrapped for at creation.
func (m *Manager) Consume(ctx context.Context, token string, joiningPub []byte) ([]byte, error) {
	rec, err := m.store.Consume(ctx, token, m.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyConsumed):
			// replay or legitimate retry; audit either way
			log.Warn().Str("token", safePrefix(token)).Msg("Bridge consume replay attempt")
		case errors.Is(err, ErrExpired):
			log.Info().Str("token", safePrefix(token)).Msg("Bridge consume after expiry")
		}
		return nil, err
	}

	fp := sha256.Sum256(joiningPub)
	if !equalBytes(rec.RecipientFP, fp[:]) {
		log.Warn().Str("token", safePrefix(token)).Msg("Bridge consume with mismatched device key")
		return nil, ErrRecipientMismatch
	}

	log.Info().Str("token", safePrefix(token)).Msg("Pairing bridge consumed")
	return rec.Payload, nil
}

// RunReaper deletes expired tokens on the given interval until ctx is
// cancelled. Lazy rejection at consume time makes this best-effort
// hygiene, not a correctness requirement.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpired(ctx, m.now())
			if err != nil {
				log.Warn().Err(err).Msg("Bridge reaper pass failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("reaped", n).Msg("Expired bridge tokens removed")
			}
		}
	}
}

func safePrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
