package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyhaven/recovery-engine/bridge"
)

// PutToken stores a bridge token record.
func (s *Store) PutToken(ctx context.Context, rec bridge.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encPayload, err := s.encrypt(rec.Payload)
	if err != nil {
		return fmt.Errorf("storage: encrypting bridge payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bridge_tokens (token, payload, recipient_fp, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, rec.Token, encPayload, rec.RecipientFP, rec.CreatedAt.Unix(), rec.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: storing bridge token: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ConsumeToken redeems a token with a single conditional update, so
// two racing consumers cannot both succeed.
func (s *Store) ConsumeToken(ctx context.Context, token string, now time.Time) (*bridge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_tokens SET consumed = 1
		WHERE token = ? AND consumed = 0 AND expires_at > ?
	`, token, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("storage: consuming bridge token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("storage: consuming bridge token: %w", err)
	}
	if n == 0 {
		return nil, s.classifyConsumeFailure(ctx, token, now)
	}

	var rec bridge.Record
	var encPayload []byte
	var createdAt, expiresAt int64
	var consumed int
	err = s.db.QueryRowContext(ctx, `
		SELECT token, payload, recipient_fp, created_at, expires_at, consumed
		FROM bridge_tokens WHERE token = ?
	`, token).Scan(&rec.Token, &encPayload, &rec.RecipientFP, &createdAt, &expiresAt, &consumed)
	if err != nil {
		return nil, fmt.Errorf("storage: loading consumed token: %w", err)
	}

	if rec.Payload, err = s.decrypt(encPayload); err != nil {
		return nil, fmt.Errorf("storage: decrypting bridge payload: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	rec.Consumed = consumed == 1

	s.incrementRollbackCounter()
	return &rec, nil
}

// classifyConsumeFailure distinguishes unknown, consumed, and expired
// after the conditional update matched no row. Runs with s.mu held.
func (s *Store) classifyConsumeFailure(ctx context.Context, token string, now time.Time) error {
	var consumed int
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT consumed, expires_at FROM bridge_tokens WHERE token = ?
	`, token).Scan(&consumed, &expiresAt)
	if err == sql.ErrNoRows {
		return bridge.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: inspecting bridge token: %w", err)
	}
	if consumed == 1 {
		return bridge.ErrAlreadyConsumed
	}
	if now.Unix() >= expiresAt {
		return bridge.ErrExpired
	}
	return fmt.Errorf("storage: bridge token %s in unexpected state", token)
}

// DeleteExpiredTokens reaps tokens past their expiry.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM bridge_tokens WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("storage: reaping bridge tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: reaping bridge tokens: %w", err)
	}
	if n > 0 {
		s.incrementRollbackCounter()
	}
	return int(n), nil
}

// TokenStore adapts the store to the bridge.TokenStore interface.
func (s *Store) TokenStore() bridge.TokenStore {
	return tokenStore{s}
}

type tokenStore struct {
	s *Store
}

func (t tokenStore) Put(ctx context.Context, rec bridge.Record) error {
	return t.s.PutToken(ctx, rec)
}

func (t tokenStore) Consume(ctx context.Context, token string, now time.Time) (*bridge.Record, error) {
	return t.s.ConsumeToken(ctx, token, now)
}

func (t tokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return t.s.DeleteExpiredTokens(ctx, now)
}
