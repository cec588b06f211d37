package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keyhaven/recovery-engine/entropy"
)

type fakeAuthorizer struct {
	deny  bool
	calls int
}

func (f *fakeAuthorizer) AuthorizeUse(ctx context.Context, challenge []byte) ([]byte, error) {
	f.calls++
	if f.deny {
		return nil, errors.New("user presence check failed")
	}
	return []byte("authorized"), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	src := entropy.NewSource(nil)
	return NewManager(NewMemStore(), src, WithClock(clock.Now))
}

func TestCreateConsumeRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)
	auth := &fakeAuthorizer{}

	joiningPub := []byte("joining-device-public-key-32by!!")
	wrapped := []byte("wrapped master key ciphertext")

	p, err := mgr.Create(context.Background(), auth, wrapped, joiningPub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if auth.calls != 1 {
		t.Errorf("Expected one user-presence check, got %d", auth.calls)
	}
	if ttl := p.ExpiresAt.Sub(clock.Now()); ttl < MinTTL || ttl > MaxTTL {
		t.Errorf("TTL %v outside the allowed window", ttl)
	}

	got, err := mgr.Consume(context.Background(), p.Token, joiningPub)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !bytes.Equal(got, wrapped) {
		t.Error("Consumed payload does not match")
	}
}

func TestDoubleConsume(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)
	joiningPub := []byte("pubkey")

	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), joiningPub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := mgr.Consume(context.Background(), p.Token, joiningPub); err != nil {
		t.Fatalf("First consume failed: %v", err)
	}
	if _, err := mgr.Consume(context.Background(), p.Token, joiningPub); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("Second consume: expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)
	joiningPub := []byte("pubkey")

	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), joiningPub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	var successes, replays int64
	var mu sync.Mutex

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Consume(context.Background(), p.Token, joiningPub)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyConsumed):
				replays++
			default:
				t.Errorf("Unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one winner, got %d", successes)
	}
	if replays != racers-1 {
		t.Errorf("Expected %d replay failures, got %d", racers-1, replays)
	}
}

func TestConsumeAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)
	joiningPub := []byte("pubkey")

	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), joiningPub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.Advance(MaxTTL + time.Second)

	if _, err := mgr.Consume(context.Background(), p.Token, joiningPub); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}

	// a fresh bridge still works, then replays fail
	p2, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload2"), joiningPub)
	if err != nil {
		t.Fatalf("Second create failed: %v", err)
	}
	if _, err := mgr.Consume(context.Background(), p2.Token, joiningPub); err != nil {
		t.Fatalf("Consume of fresh bridge failed: %v", err)
	}
	if _, err := mgr.Consume(context.Background(), p2.Token, joiningPub); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("Expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestCreateDeniedWithoutUserPresence(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)

	_, err := mgr.Create(context.Background(), &fakeAuthorizer{deny: true}, []byte("payload"), []byte("pub"))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
}

func TestConsumeRecipientMismatch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)

	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), []byte("right-key"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := mgr.Consume(context.Background(), p.Token, []byte("wrong-key")); !errors.Is(err, ErrRecipientMismatch) {
		t.Errorf("Expected ErrRecipientMismatch, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(t, clock)

	if _, err := mgr.Consume(context.Background(), "never-issued", []byte("pub")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReaperDeletesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemStore()
	mgr := NewManager(store, entropy.NewSource(nil), WithClock(clock.Now))

	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), []byte("pub"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.Advance(MaxTTL + time.Minute)

	n, err := store.DeleteExpired(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reaped token, got %d", n)
	}
	if _, err := mgr.Consume(context.Background(), p.Token, []byte("pub")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reaped token should be unknown, got %v", err)
	}
}

func TestPairingEncodeDecode(t *testing.T) {
	p := &Pairing{
		Token:            "tok",
		ExpiresAt:        time.Unix(1700000075, 0).UTC(),
		EncryptedPayload: []byte{1, 2, 3},
	}
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodePairing(data)
	if err != nil {
		t.Fatalf("DecodePairing failed: %v", err)
	}
	if got.Token != p.Token || !got.ExpiresAt.Equal(p.ExpiresAt) || !bytes.Equal(got.EncryptedPayload, p.EncryptedPayload) {
		t.Error("Round-tripped pairing does not match")
	}
}

func TestRelayErrorMapping(t *testing.T) {
	// consume errors crossing the relay as strings must come back as
	// the sentinels, or the joining device cannot tell expiry from
	// replay
	for _, sentinel := range []error{ErrExpired, ErrAlreadyConsumed, ErrNotFound, ErrRecipientMismatch} {
		if got := relayError(sentinel.Error()); !errors.Is(got, sentinel) {
			t.Errorf("Expected %v mapped back, got %v", sentinel, got)
		}
	}
	if got := relayError("something else"); got == nil {
		t.Error("Unknown relay errors must not map to nil")
	}
}

func TestRecipientFingerprintBinding(t *testing.T) {
	// Record stores a hash, never the joining key itself
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemStore()
	mgr := NewManager(store, entropy.NewSource(nil), WithClock(clock.Now))

	pub := []byte("joining-public-key")
	p, err := mgr.Create(context.Background(), &fakeAuthorizer{}, []byte("payload"), pub)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := store.Consume(context.Background(), p.Token, clock.Now())
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	want := sha256.Sum256(pub)
	if !bytes.Equal(rec.RecipientFP, want[:]) {
		t.Error("Stored fingerprint is not SHA-256 of the joining key")
	}
}
