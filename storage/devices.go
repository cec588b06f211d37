package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyhaven/recovery-engine/device"
)

// Put inserts or replaces a device record.
func (s *Store) Put(ctx context.Context, rec device.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encPub, err := s.encrypt(rec.PublicKey)
	if err != nil {
		return fmt.Errorf("storage: encrypting public key: %w", err)
	}
	encWrapped, err := s.encrypt(rec.WrappedKey)
	if err != nil {
		return fmt.Errorf("storage: encrypting wrapped key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO devices (device_id, public_key, wrapped_key, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, encPub, encWrapped, rec.CreatedAt.Unix(), rec.LastUsedAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: storing device: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// Get returns one device record.
func (s *Store) Get(ctx context.Context, id string) (*device.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec device.Record
	var encPub, encWrapped []byte
	var createdAt, lastUsedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, public_key, wrapped_key, created_at, last_used_at
		FROM devices WHERE device_id = ?
	`, id).Scan(&rec.ID, &encPub, &encWrapped, &createdAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, device.ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("storage: loading device: %w", err)
	}

	if rec.PublicKey, err = s.decrypt(encPub); err != nil {
		return nil, fmt.Errorf("storage: decrypting public key: %w", err)
	}
	if rec.WrappedKey, err = s.decrypt(encWrapped); err != nil {
		return nil, fmt.Errorf("storage: decrypting wrapped key: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.LastUsedAt = time.Unix(lastUsedAt, 0).UTC()
	return &rec, nil
}

// Touch updates a device's last-used time.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_used_at = ? WHERE device_id = ?
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("storage: touching device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.ErrNotEnrolled
	}

	s.incrementRollbackCounter()
	return nil
}

// Delete removes a device record.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.ErrNotEnrolled
	}

	s.incrementRollbackCounter()
	return nil
}

// List returns all device records, oldest first.
func (s *Store) List(ctx context.Context) ([]device.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, public_key, wrapped_key, created_at, last_used_at
		FROM devices ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: listing devices: %w", err)
	}
	defer rows.Close()

	var out []device.Record
	for rows.Next() {
		var rec device.Record
		var encPub, encWrapped []byte
		var createdAt, lastUsedAt int64
		if err := rows.Scan(&rec.ID, &encPub, &encWrapped, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning device row: %w", err)
		}
		if rec.PublicKey, err = s.decrypt(encPub); err != nil {
			return nil, fmt.Errorf("storage: decrypting public key: %w", err)
		}
		if rec.WrappedKey, err = s.decrypt(encWrapped); err != nil {
			return nil, fmt.Errorf("storage: decrypting wrapped key: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.LastUsedAt = time.Unix(lastUsedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
