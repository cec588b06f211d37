package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyhaven/recovery-engine/recovery"
)

// SaveKit inserts a kit with its share batch and revokes the prior
// active kit, all in one transaction. There is never more than one
// active kit.
func (s *Store) SaveKit(ctx context.Context, kit *recovery.Kit, shares []recovery.GuardianShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: beginning kit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE recovery_kits SET status = 'revoked' WHERE status = 'active'
	`); err != nil {
		return fmt.Errorf("storage: revoking prior kit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recovery_kits (kit_id, total_shares, threshold, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kit.ID, kit.TotalShares, kit.Threshold, kit.Status, kit.CreatedAt.Unix(), zeroOrUnix(kit.ExpiresAt)); err != nil {
		return fmt.Errorf("storage: storing kit: %w", err)
	}

	for _, sh := range shares {
		encGuardian, err := s.encrypt([]byte(sh.GuardianID))
		if err != nil {
			return fmt.Errorf("storage: encrypting guardian id: %w", err)
		}
		encCiphertext, err := s.encrypt(sh.Ciphertext)
		if err != nil {
			return fmt.Errorf("storage: encrypting share ciphertext: %w", err)
		}
		encTag, err := s.encrypt(sh.Tag)
		if err != nil {
			return fmt.Errorf("storage: encrypting integrity tag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO guardian_shares (kit_id, share_index, guardian_id, ciphertext, integrity_tag, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sh.KitID, sh.Index, encGuardian, encCiphertext, encTag, sh.CreatedAt.Unix(), zeroOrUnix(sh.ExpiresAt)); err != nil {
			return fmt.Errorf("storage: storing guardian share %d: %w", sh.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: committing kit transaction: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ActiveKit returns the active kit, or nil when there is none.
func (s *Store) ActiveKit(ctx context.Context) (*recovery.Kit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kit recovery.Kit
	var createdAt int64
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT kit_id, total_shares, threshold, status, created_at, expires_at
		FROM recovery_kits WHERE status = 'active'
	`).Scan(&kit.ID, &kit.TotalShares, &kit.Threshold, &kit.Status, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: loading active kit: %w", err)
	}

	kit.CreatedAt = time.Unix(createdAt, 0).UTC()
	kit.ExpiresAt = unixOrZero(expiresAt)
	return &kit, nil
}

// Share returns one guardian share record.
func (s *Store) Share(ctx context.Context, kitID string, index byte) (*recovery.GuardianShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sh recovery.GuardianShare
	var encGuardian, encCiphertext, encTag []byte
	var createdAt int64
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT kit_id, share_index, guardian_id, ciphertext, integrity_tag, created_at, expires_at
		FROM guardian_shares WHERE kit_id = ? AND share_index = ?
	`, kitID, index).Scan(&sh.KitID, &sh.Index, &encGuardian, &encCiphertext, &encTag, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: kit %s has no share %d", kitID, index)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: loading guardian share: %w", err)
	}

	guardian, err := s.decrypt(encGuardian)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypting guardian id: %w", err)
	}
	sh.GuardianID = string(guardian)
	if sh.Ciphertext, err = s.decrypt(encCiphertext); err != nil {
		return nil, fmt.Errorf("storage: decrypting share ciphertext: %w", err)
	}
	if sh.Tag, err = s.decrypt(encTag); err != nil {
		return nil, fmt.Errorf("storage: decrypting integrity tag: %w", err)
	}
	sh.CreatedAt = time.Unix(createdAt, 0).UTC()
	sh.ExpiresAt = unixOrZero(expiresAt)
	return &sh, nil
}

// SetKitStatus updates a kit's status.
func (s *Store) SetKitStatus(ctx context.Context, kitID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_kits SET status = ? WHERE kit_id = ?
	`, status, kitID)
	if err != nil {
		return fmt.Errorf("storage: updating kit status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: unknown kit %s", kitID)
	}

	s.incrementRollbackCounter()
	return nil
}
