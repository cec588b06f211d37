package device

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keyhaven/recovery-engine/entropy"
	"github.com/keyhaven/recovery-engine/keywrap"
)

// fakeAuthenticator stands in for the platform authenticator: it holds
// the private key itself, the way secure hardware would.
type fakeAuthenticator struct {
	priv []byte
	deny bool
}

func (f *fakeAuthenticator) CreateKeypair(ctx context.Context) ([]byte, error) {
	priv, pub, err := keywrap.GenerateKeypair(nil)
	if err != nil {
		return nil, err
	}
	f.priv = priv
	return pub, nil
}

func (f *fakeAuthenticator) AuthorizeUse(ctx context.Context, challenge []byte) ([]byte, error) {
	if f.deny {
		return nil, errors.New("presence check failed")
	}
	return []byte("ok"), nil
}

func newTestManager(clock func() time.Time) *Manager {
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	return NewManager(NewMemStore(), entropy.NewSource(nil), opts...)
}

func TestEnrollAndUnwrap(t *testing.T) {
	mgr := newTestManager(nil)
	auth := &fakeAuthenticator{}
	ctx := context.Background()
	masterKey := []byte("the one true master key, 32 byte")

	rec, err := mgr.Enroll(ctx, auth, masterKey)
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if rec.ID == "" || len(rec.PublicKey) != keywrap.KeySize {
		t.Errorf("Malformed device record: %+v", rec)
	}

	// only the authenticator-held private key recovers the master key
	wrapped, err := mgr.WrappedKey(ctx, rec.ID)
	if err != nil {
		t.Fatalf("WrappedKey failed: %v", err)
	}
	got, err := keywrap.Unwrap(wrapped, auth.priv)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if !bytes.Equal(got, masterKey) {
		t.Error("Unwrapped master key does not match")
	}
}

func TestEnrollDeniedWithoutUserPresence(t *testing.T) {
	mgr := newTestManager(nil)
	_, err := mgr.Enroll(context.Background(), &fakeAuthenticator{deny: true}, []byte("key"))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
}

func TestWrappedKeyTouchesLastUsed(t *testing.T) {
	base := time.Unix(1700000000, 0)
	current := base
	mgr := newTestManager(func() time.Time { return current })
	auth := &fakeAuthenticator{}
	ctx := context.Background()

	rec, err := mgr.Enroll(ctx, auth, []byte("master key"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	current = base.Add(time.Hour)
	if _, err := mgr.WrappedKey(ctx, rec.ID); err != nil {
		t.Fatalf("WrappedKey failed: %v", err)
	}

	devices, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Expected one device, got %d", len(devices))
	}
	if !devices[0].LastUsedAt.Equal(current.UTC()) {
		t.Errorf("Expected last-used %v, got %v", current.UTC(), devices[0].LastUsedAt)
	}
}

func TestRevoke(t *testing.T) {
	mgr := newTestManager(nil)
	auth := &fakeAuthenticator{}
	ctx := context.Background()

	rec, err := mgr.Enroll(ctx, auth, []byte("master key"))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if err := mgr.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := mgr.WrappedKey(ctx, rec.ID); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Expected ErrNotEnrolled after revoke, got %v", err)
	}
	if err := mgr.Revoke(ctx, rec.ID); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Expected ErrNotEnrolled on double revoke, got %v", err)
	}
}
