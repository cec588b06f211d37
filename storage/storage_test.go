package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/keyhaven/recovery-engine/bridge"
	"github.com/keyhaven/recovery-engine/device"
	"github.com/keyhaven/recovery-engine/recovery"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		t.Fatalf("Failed to generate DEK: %v", err)
	}
	s, err := NewStore(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDEKLengthEnforced(t *testing.T) {
	if _, err := NewStore(":memory:", []byte("short")); err == nil {
		t.Error("Expected error for short DEK")
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	rec := device.Record{
		ID:         "dev-1",
		PublicKey:  bytes.Repeat([]byte{0x11}, 32),
		WrappedKey: []byte("wrapped master key"),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, rec.PublicKey) || !bytes.Equal(got.WrappedKey, rec.WrappedKey) {
		t.Error("Round-tripped device record does not match")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("Expected created_at %v, got %v", now, got.CreatedAt)
	}

	later := now.Add(time.Hour)
	if err := s.Touch(ctx, "dev-1", later); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	got, err = s.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get after touch failed: %v", err)
	}
	if !got.LastUsedAt.Equal(later) {
		t.Errorf("Expected last_used_at %v, got %v", later, got.LastUsedAt)
	}

	if err := s.Delete(ctx, "dev-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "dev-1"); !errors.Is(err, device.ErrNotEnrolled) {
		t.Errorf("Expected ErrNotEnrolled after delete, got %v", err)
	}
	if err := s.Delete(ctx, "dev-1"); !errors.Is(err, device.ErrNotEnrolled) {
		t.Errorf("Expected ErrNotEnrolled on double delete, got %v", err)
	}
}

func TestValuesEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	secret := []byte("very recognizable wrapped key bytes")
	rec := device.Record{
		ID:         "dev-1",
		PublicKey:  bytes.Repeat([]byte{0x22}, 32),
		WrappedKey: secret,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var raw []byte
	if err := s.db.QueryRow(`SELECT wrapped_key FROM devices WHERE device_id = 'dev-1'`).Scan(&raw); err != nil {
		t.Fatalf("Raw query failed: %v", err)
	}
	if bytes.Contains(raw, secret) {
		t.Error("Wrapped key stored in plaintext")
	}
}

func TestKitSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	mkKit := func(id string) (*recovery.Kit, []recovery.GuardianShare) {
		kit := &recovery.Kit{
			ID:          id,
			TotalShares: 3,
			Threshold:   2,
			Status:      recovery.KitActive,
			CreatedAt:   now,
		}
		shares := []recovery.GuardianShare{
			{KitID: id, Index: 1, GuardianID: "alice", Ciphertext: []byte("ct1"), Tag: []byte("tag1"), CreatedAt: now},
			{KitID: id, Index: 2, GuardianID: "bob", Ciphertext: []byte("ct2"), Tag: []byte("tag2"), CreatedAt: now},
			{KitID: id, Index: 3, GuardianID: "carol", Ciphertext: []byte("ct3"), Tag: []byte("tag3"), CreatedAt: now},
		}
		return kit, shares
	}

	kit1, shares1 := mkKit("kit-1")
	if err := s.SaveKit(ctx, kit1, shares1); err != nil {
		t.Fatalf("First SaveKit failed: %v", err)
	}
	kit2, shares2 := mkKit("kit-2")
	if err := s.SaveKit(ctx, kit2, shares2); err != nil {
		t.Fatalf("Second SaveKit failed: %v", err)
	}

	active, err := s.ActiveKit(ctx)
	if err != nil {
		t.Fatalf("ActiveKit failed: %v", err)
	}
	if active == nil || active.ID != "kit-2" {
		t.Fatalf("Expected kit-2 active, got %+v", active)
	}

	sh, err := s.Share(ctx, "kit-1", 2)
	if err != nil {
		t.Fatalf("Share lookup on superseded kit failed: %v", err)
	}
	if sh.GuardianID != "bob" || !bytes.Equal(sh.Ciphertext, []byte("ct2")) {
		t.Error("Round-tripped share does not match")
	}

	if err := s.SetKitStatus(ctx, "kit-2", recovery.KitConsumed); err != nil {
		t.Fatalf("SetKitStatus failed: %v", err)
	}
	active, err = s.ActiveKit(ctx)
	if err != nil {
		t.Fatalf("ActiveKit after consume failed: %v", err)
	}
	if active != nil {
		t.Errorf("Expected no active kit after consume, got %+v", active)
	}
}

func TestTokenConditionalConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	rec := bridge.Record{
		Token:       "tok-1",
		Payload:     []byte("wrapped key"),
		RecipientFP: bytes.Repeat([]byte{0x33}, 32),
		CreatedAt:   now,
		ExpiresAt:   now.Add(75 * time.Second),
	}
	if err := s.PutToken(ctx, rec); err != nil {
		t.Fatalf("PutToken failed: %v", err)
	}

	got, err := s.ConsumeToken(ctx, "tok-1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("ConsumeToken failed: %v", err)
	}
	if !bytes.Equal(got.Payload, rec.Payload) || !bytes.Equal(got.RecipientFP, rec.RecipientFP) {
		t.Error("Consumed record does not match")
	}

	if _, err := s.ConsumeToken(ctx, "tok-1", now.Add(2*time.Second)); !errors.Is(err, bridge.ErrAlreadyConsumed) {
		t.Errorf("Expected ErrAlreadyConsumed, got %v", err)
	}
	if _, err := s.ConsumeToken(ctx, "tok-2", now); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	expired := bridge.Record{
		Token:       "tok-3",
		Payload:     []byte("wrapped key"),
		RecipientFP: rec.RecipientFP,
		CreatedAt:   now,
		ExpiresAt:   now.Add(60 * time.Second),
	}
	if err := s.PutToken(ctx, expired); err != nil {
		t.Fatalf("PutToken failed: %v", err)
	}
	if _, err := s.ConsumeToken(ctx, "tok-3", now.Add(2*time.Minute)); !errors.Is(err, bridge.ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}

	n, err := s.DeleteExpiredTokens(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpiredTokens failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 reaped tokens, got %d", n)
	}
	if _, err := s.ConsumeToken(ctx, "tok-3", now); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after reap, got %v", err)
	}
}

func TestBridgeManagerOverSQLite(t *testing.T) {
	s := newTestStore(t)
	var ts bridge.TokenStore = s.TokenStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	rec := bridge.Record{
		Token:       "tok-sql",
		Payload:     []byte("payload"),
		RecipientFP: bytes.Repeat([]byte{0x44}, 32),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
	if err := ts.Put(ctx, rec); err != nil {
		t.Fatalf("Put through TokenStore failed: %v", err)
	}
	if _, err := ts.Consume(ctx, "tok-sql", now); err != nil {
		t.Fatalf("Consume through TokenStore failed: %v", err)
	}
	if _, err := ts.Consume(ctx, "tok-sql", now); !errors.Is(err, bridge.ErrAlreadyConsumed) {
		t.Errorf("Expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestRollbackCounterIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	before := s.RollbackCounter()
	rec := device.Record{
		ID:         "dev-1",
		PublicKey:  bytes.Repeat([]byte{0x55}, 32),
		WrappedKey: []byte("k"),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if s.RollbackCounter() != before+1 {
		t.Errorf("Expected counter %d, got %d", before+1, s.RollbackCounter())
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		t.Fatalf("Failed to generate DEK: %v", err)
	}
	src, err := NewStore(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open source store: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	rec := device.Record{
		ID:         "dev-1",
		PublicKey:  bytes.Repeat([]byte{0x66}, 32),
		WrappedKey: []byte("wrapped"),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := src.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	kit := &recovery.Kit{ID: "kit-1", TotalShares: 3, Threshold: 2, Status: recovery.KitActive, CreatedAt: now}
	shares := []recovery.GuardianShare{
		{KitID: "kit-1", Index: 1, GuardianID: "alice", Ciphertext: []byte("ct"), Tag: []byte("tag"), CreatedAt: now},
	}
	if err := src.SaveKit(ctx, kit, shares); err != nil {
		t.Fatalf("SaveKit failed: %v", err)
	}

	backup, err := src.CreateBackup()
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	dst, err := NewStore(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open destination store: %v", err)
	}
	defer dst.Close()
	if err := dst.RestoreBackup(backup); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}

	got, err := dst.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get after restore failed: %v", err)
	}
	if !bytes.Equal(got.WrappedKey, rec.WrappedKey) {
		t.Error("Restored device record does not match")
	}
	active, err := dst.ActiveKit(ctx)
	if err != nil {
		t.Fatalf("ActiveKit after restore failed: %v", err)
	}
	if active == nil || active.ID != "kit-1" {
		t.Errorf("Expected kit-1 active after restore, got %+v", active)
	}
	if dst.RollbackCounter() != backup.RollbackCounter {
		t.Errorf("Expected counter %d after restore, got %d", backup.RollbackCounter, dst.RollbackCounter())
	}
}

func TestRestoreRejectsTamperedBackup(t *testing.T) {
	s := newTestStore(t)
	backup, err := s.CreateBackup()
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	backup.Data[len(backup.Data)/2] ^= 0x01
	if err := s.RestoreBackup(backup); err == nil {
		t.Error("Expected HMAC failure for tampered backup")
	}
}

func TestRestoreRejectsStaleBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	stale, err := s.CreateBackup()
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	// advance the store past the snapshot
	rec := device.Record{
		ID:         "dev-1",
		PublicKey:  bytes.Repeat([]byte{0x77}, 32),
		WrappedKey: []byte("k"),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.RestoreBackup(stale); err == nil {
		t.Error("Expected rollback detection for stale backup")
	}
}
