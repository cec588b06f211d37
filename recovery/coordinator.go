package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/recovery-engine/integrity"
	"github.com/keyhaven/recovery-engine/shamir"
)

// Session states.
const (
	StateCollecting     = "collecting"
	StateReconstructing = "reconstructing"
	StateRecovered      = "recovered"
	StateFailed         = "failed"
)

// session tracks one in-progress reconstruction attempt. Sessions are
// in-memory only and never survive the process; a fresh attempt gets a
// fresh session.
type session struct {
	mu       sync.Mutex
	id       string
	kit      Kit
	state    string
	valid    []shamir.Share
	rejected []byte // indices that failed validation
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	ID          string
	KitID       string
	State       string
	Threshold   int
	TotalShares int
	ValidCount  int
	Rejected    []byte
}

// SubmitResult reports the outcome of one share submission. MasterKey
// is non-nil only when this submission completed the threshold; the
// caller owns it and must zero it after re-wrapping.
type SubmitResult struct {
	Status    SessionStatus
	MasterKey []byte
}

// Coordinator drives share collection and reconstruction. Submissions
// within one session are serialized; different sessions are fully
// independent.
type Coordinator struct {
	store  Store
	tagKey []byte
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the time source, for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over the given kit store.
// tagKey must be the same key the kit manager tagged shares with.
func NewCoordinator(store Store, tagKey []byte, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		tagKey:   tagKey,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession begins collecting shares against the currently active
// kit.
func (c *Coordinator) StartSession(ctx context.Context) (SessionStatus, error) {
	kit, err := c.store.ActiveKit(ctx)
	if err != nil {
		return SessionStatus{}, err
	}
	if kit == nil || kit.Status != KitActive {
		return SessionStatus{}, ErrNoActiveKit
	}

	s := &session{
		id:    uuid.NewString(),
		kit:   *kit,
		state: StateCollecting,
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	log.Info().
		Str("session_id", s.id).
		Str("kit_id", kit.ID).
		Int("threshold", kit.Threshold).
		Int("total_shares", kit.TotalShares).
		Msg("Recovery session started")

	return s.status(), nil
}

// Submit validates one share and adds it to the session's working set.
// shareBytes is the plaintext share the guardian's device produced by
// unwrapping export.Ciphertext; the export itself authenticates the
// submission against the kit.
//
// A failing share returns ErrShareRejected and the session keeps
// collecting. When the submission completes the threshold the
// coordinator reconstructs immediately and the result carries the
// master key.
func (c *Coordinator) Submit(ctx context.Context, sessionID string, export *ShareExport, shareBytes []byte) (*SubmitResult, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting {
		return nil, fmt.Errorf("%w: state %s", ErrSessionClosed, s.state)
	}

	if export.KitID != s.kit.ID {
		log.Warn().
			Str("session_id", s.id).
			Str("kit_id", export.KitID).
			Str("active_kit_id", s.kit.ID).
			Msg("Share from superseded kit rejected")
		return nil, ErrStaleKit
	}
	if export.SchemeVersion != shamir.SchemeVersion {
		return nil, fmt.Errorf("%w: scheme version %d", shamir.ErrIncompatibleShares, export.SchemeVersion)
	}

	if err := c.validate(ctx, s, export); err != nil {
		s.rejected = append(s.rejected, export.ShareIndex)
		log.Warn().
			Str("session_id", s.id).
			Str("kit_id", s.kit.ID).
			Uint8("share_index", export.ShareIndex).
			Err(err).
			Msg("Share failed validation, session continues collecting")
		return nil, fmt.Errorf("%w: index %d: %v", ErrShareRejected, export.ShareIndex, err)
	}

	share, version, err := shamir.ParseShare(shareBytes)
	if err != nil {
		s.rejected = append(s.rejected, export.ShareIndex)
		return nil, fmt.Errorf("%w: index %d: %v", ErrShareRejected, export.ShareIndex, err)
	}
	if version != shamir.SchemeVersion || share.Index != export.ShareIndex {
		s.rejected = append(s.rejected, export.ShareIndex)
		return nil, fmt.Errorf("%w: index %d: share does not match export header", ErrShareRejected, export.ShareIndex)
	}

	// duplicates are a no-op, keep-first
	for _, held := range s.valid {
		if held.Index == share.Index {
			return &SubmitResult{Status: s.status()}, nil
		}
	}
	s.valid = append(s.valid, share)

	if len(s.valid) < s.kit.Threshold {
		return &SubmitResult{Status: s.status()}, nil
	}

	key, err := c.reconstructLocked(ctx, s)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Status: s.status(), MasterKey: key}, nil
}

// Reconstruct attempts reconstruction with the shares held so far.
// Below threshold it fails with ErrInsufficientShares and the session
// keeps collecting.
func (c *Coordinator) Reconstruct(ctx context.Context, sessionID string) ([]byte, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting {
		return nil, fmt.Errorf("%w: state %s", ErrSessionClosed, s.state)
	}
	if len(s.valid) < s.kit.Threshold {
		return nil, fmt.Errorf("%w: %d of %d required, %d valid received",
			shamir.ErrInsufficientShares, s.kit.Threshold, s.kit.TotalShares, len(s.valid))
	}
	return c.reconstructLocked(ctx, s)
}

// Status reports the session's current state.
func (c *Coordinator) Status(sessionID string) (SessionStatus, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), nil
}

// Abandon drops a session. No effect on the kit or on other sessions.
func (c *Coordinator) Abandon(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	for i := range s.valid {
		zeroBytes(s.valid[i].Payload)
	}
	s.valid = nil
	if s.state == StateCollecting {
		s.state = StateFailed
	}
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("Recovery session abandoned")
}

func (c *Coordinator) session(id string) (*session, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// validate checks a submitted export against the stored share record.
// The tag is bound to the stored creation time, so a tag minted for a
// different kit, index, or batch cannot verify here.
func (c *Coordinator) validate(ctx context.Context, s *session, export *ShareExport) error {
	rec, err := c.store.Share(ctx, s.kit.ID, export.ShareIndex)
	if err != nil {
		return fmt.Errorf("no such share on record: %w", err)
	}
	if !rec.ExpiresAt.IsZero() && c.now().After(rec.ExpiresAt) {
		return fmt.Errorf("share expired at %s", rec.ExpiresAt.Format(time.RFC3339))
	}
	ok := integrity.Verify(c.tagKey, export.Ciphertext, export.IntegrityTag, integrity.Context{
		KitID:      s.kit.ID,
		ShareIndex: export.ShareIndex,
		CreatedAt:  rec.CreatedAt.Unix(),
	})
	if !ok {
		return fmt.Errorf("integrity tag mismatch")
	}
	return nil
}

// reconstructLocked runs with s.mu held and the threshold already met.
func (c *Coordinator) reconstructLocked(ctx context.Context, s *session) ([]byte, error) {
	s.state = StateReconstructing

	key, err := shamir.Combine(s.valid, s.kit.Threshold)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("recovery: reconstruction failed: %w", err)
	}

	for i := range s.valid {
		zeroBytes(s.valid[i].Payload)
	}
	s.valid = nil
	s.state = StateRecovered

	// best effort; the reconstruction already succeeded
	if err := c.store.SetKitStatus(ctx, s.kit.ID, KitConsumed); err != nil {
		log.Warn().Err(err).Str("kit_id", s.kit.ID).Msg("Could not mark recovery kit consumed")
	}

	log.Info().
		Str("session_id", s.id).
		Str("kit_id", s.kit.ID).
		Msg("Master key reconstructed")

	return key, nil
}

func (s *session) status() SessionStatus {
	rejected := make([]byte, len(s.rejected))
	copy(rejected, s.rejected)
	return SessionStatus{
		ID:          s.id,
		KitID:       s.kit.ID,
		State:       s.state,
		Threshold:   s.kit.Threshold,
		TotalShares: s.kit.TotalShares,
		ValidCount:  len(s.valid),
		Rejected:    rejected,
	}
}
