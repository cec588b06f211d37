// Package recovery implements guardian-based master key recovery: kit
// generation (split, wrap, tag, distribute) and the coordinator that
// collects shares back and reconstructs the key.
//
// The reconstructed master key is returned to the caller for immediate
// re-wrapping and is never persisted here. Callers must zero it once
// the re-wrap completes.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/recovery-engine/entropy"
	"github.com/keyhaven/recovery-engine/integrity"
	"github.com/keyhaven/recovery-engine/keywrap"
	"github.com/keyhaven/recovery-engine/shamir"
)

// Kit status values.
const (
	KitActive   = "active"
	KitRevoked  = "revoked"
	KitConsumed = "consumed"
)

var (
	// ErrStaleKit is returned when a share belongs to a superseded
	// kit. Expected during normal kit rotation; the caller should
	// re-fetch the active kit.
	ErrStaleKit = errors.New("recovery: share belongs to a superseded kit")

	// ErrNoActiveKit is returned when recovery is started with no kit
	// to recover against.
	ErrNoActiveKit = errors.New("recovery: no active recovery kit")

	// ErrShareRejected is returned when a submitted share fails
	// validation. The session keeps collecting; the failing index is
	// included in the error.
	ErrShareRejected = errors.New("recovery: share failed validation")

	// ErrSessionNotFound is returned for unknown or abandoned
	// sessions.
	ErrSessionNotFound = errors.New("recovery: unknown session")

	// ErrSessionClosed is returned when submitting to a session that
	// already reached a terminal state.
	ErrSessionClosed = errors.New("recovery: session already terminal")
)

// Guardian identifies one share holder and the public key their share
// is wrapped under.
type Guardian struct {
	ID        string
	PublicKey []byte
}

// Kit is the durable record of one generated recovery kit.
type Kit struct {
	ID          string
	TotalShares int
	Threshold   int
	Status      string
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

// GuardianShare is the durable record of one distributed share. The
// plaintext share never appears here; Ciphertext is wrapped under the
// guardian's public key.
type GuardianShare struct {
	KitID      string
	Index      byte
	GuardianID string
	Ciphertext []byte
	Tag        []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// Store is the persistence boundary for kits and shares. SaveKit must
// atomically revoke the prior active kit while inserting the new one
// so there is never more than one active kit.
type Store interface {
	SaveKit(ctx context.Context, kit *Kit, shares []GuardianShare) error
	ActiveKit(ctx context.Context) (*Kit, error)
	Share(ctx context.Context, kitID string, index byte) (*GuardianShare, error)
	SetKitStatus(ctx context.Context, kitID, status string) error
}

// Manager generates recovery kits.
type Manager struct {
	store  Store
	source *entropy.Source
	tagKey []byte
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a kit manager. tagKey is the engine-held HMAC key
// used for share integrity tags.
func NewManager(store Store, source *entropy.Source, tagKey []byte, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		source: source,
		tagKey: tagKey,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKit splits masterKey into one share per guardian with the
// given reconstruction threshold, wraps each share under its
// guardian's public key, tags it, and persists the batch. Any prior
// active kit is revoked in the same transaction; its shares become
// stale immediately.
//
// shareTTL of zero means shares never expire. The returned exports are
// self-contained and ready for distribution; masterKey is not retained.
func (m *Manager) GenerateKit(ctx context.Context, masterKey []byte, guardians []Guardian, threshold int, shareTTL time.Duration) (*Kit, []ShareExport, error) {
	n := len(guardians)
	if threshold < 2 || threshold > n || n > shamir.MaxShares {
		return nil, nil, fmt.Errorf("%w: %d of %d", shamir.ErrInvalidThreshold, threshold, n)
	}

	shares, err := shamir.Split(masterKey, n, threshold, m.source.Reader(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("recovery: splitting master key: %w", err)
	}
	defer func() {
		for i := range shares {
			zeroBytes(shares[i].Payload)
		}
	}()

	now := m.now().UTC()
	var expires time.Time
	if shareTTL > 0 {
		expires = now.Add(shareTTL)
	}

	kit := &Kit{
		ID:          uuid.NewString(),
		TotalShares: n,
		Threshold:   threshold,
		Status:      KitActive,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}

	records := make([]GuardianShare, 0, n)
	exports := make([]ShareExport, 0, n)
	for i, share := range shares {
		plain := share.Bytes()
		ct, err := keywrap.Wrap(plain, guardians[i].PublicKey, m.source.Reader(ctx))
		zeroBytes(plain)
		if err != nil {
			return nil, nil, fmt.Errorf("recovery: wrapping share %d for guardian %s: %w", share.Index, guardians[i].ID, err)
		}
		tag := integrity.Tag(m.tagKey, ct, integrity.Context{
			KitID:      kit.ID,
			ShareIndex: share.Index,
			CreatedAt:  now.Unix(),
		})
		records = append(records, GuardianShare{
			KitID:      kit.ID,
			Index:      share.Index,
			GuardianID: guardians[i].ID,
			Ciphertext: ct,
			Tag:        tag,
			CreatedAt:  now,
			ExpiresAt:  expires,
		})
		exports = append(exports, ShareExport{
			KitID:         kit.ID,
			ShareIndex:    share.Index,
			SchemeVersion: shamir.SchemeVersion,
			Ciphertext:    ct,
			IntegrityTag:  tag,
			Threshold:     threshold,
			TotalShares:   n,
		})
	}

	if err := m.store.SaveKit(ctx, kit, records); err != nil {
		return nil, nil, fmt.Errorf("recovery: persisting kit: %w", err)
	}

	log.Info().
		Str("kit_id", kit.ID).
		Int("total_shares", n).
		Int("threshold", threshold).
		Msg("Recovery kit generated, prior active kit superseded")

	return kit, exports, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
