// Package device manages enrolled devices: each one holds a copy of
// the master key wrapped under a device-bound public key whose private
// half lives inside the platform authenticator and never leaves it.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/recovery-engine/entropy"
	"github.com/keyhaven/recovery-engine/keywrap"
)

var (
	// ErrNotEnrolled is returned for unknown or revoked devices.
	ErrNotEnrolled = errors.New("device: not enrolled")

	// ErrNotAuthorized is returned when the authenticator's
	// user-presence check fails during enrollment.
	ErrNotAuthorized = errors.New("device: user presence authorization failed")
)

// Record is the durable state of one enrolled device. WrappedKey is
// the master key sealed for this device's public key; the plaintext
// master key is never stored.
type Record struct {
	ID         string
	PublicKey  []byte
	WrappedKey []byte
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Store is the persistence boundary for device records.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
}

// Authenticator is the platform biometric/hardware capability a device
// brings to enrollment. Keypair creation and use are gated on a local
// user-presence check inside the implementation; this engine only
// consumes the outputs and never sees biometric material.
type Authenticator interface {
	// CreateKeypair mints a device-bound keypair and returns the
	// public half.
	CreateKeypair(ctx context.Context) ([]byte, error)
	// AuthorizeUse proves fresh user presence over a challenge.
	AuthorizeUse(ctx context.Context, challenge []byte) ([]byte, error)
}

// Manager runs the device enrollment lifecycle.
type Manager struct {
	store  Store
	source *entropy.Source
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a device manager over the given store.
func NewManager(store Store, source *entropy.Source, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enroll provisions a new device: fresh user-presence check, new
// device-bound keypair, master key wrapped for it, record persisted.
// masterKey is not retained.
func (m *Manager) Enroll(ctx context.Context, auth Authenticator, masterKey []byte) (*Record, error) {
	challenge, err := m.source.Get(ctx, 32)
	if err != nil {
		return nil, fmt.Errorf("device: drawing challenge: %w", err)
	}
	if _, err := auth.AuthorizeUse(ctx, challenge); err != nil {
		log.Warn().Err(err).Msg("Device enrollment denied: user presence check failed")
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	pub, err := auth.CreateKeypair(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: creating device keypair: %w", err)
	}
	wrapped, err := keywrap.Wrap(masterKey, pub, m.source.Reader(ctx))
	if err != nil {
		return nil, fmt.Errorf("device: wrapping master key: %w", err)
	}

	now := m.now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		PublicKey:  pub,
		WrappedKey: wrapped,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("device: persisting device record: %w", err)
	}

	log.Info().Str("device_id", rec.ID).Msg("Device enrolled")
	return &rec, nil
}

// WrappedKey returns the sealed master key for a device and marks it
// used.
func (m *Manager) WrappedKey(ctx context.Context, id string) ([]byte, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.Touch(ctx, id, m.now().UTC()); err != nil {
		log.Warn().Err(err).Str("device_id", id).Msg("Could not update device last-used time")
	}
	return rec.WrappedKey, nil
}

// Revoke removes a device's wrapped key record. The device can no
// longer obtain the master key; re-enrollment mints a fresh record.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Str("device_id", id).Msg("Device revoked")
	return nil
}

// List returns all enrolled devices.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}
