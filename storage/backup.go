package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BackupData is a serialized store snapshot. Data is an encrypted row
// dump; the HMAC and rollback counter make tampered or stale restores
// detectable.
type BackupData struct {
	Version         int    `json:"version"`
	RollbackCounter int64  `json:"rollback_counter"`
	Data            []byte `json:"data"`
	HMAC            []byte `json:"hmac"`
	CreatedAt       int64  `json:"created_at"`
}

const backupVersion = 1

type backupExport struct {
	Devices        []deviceRow   `json:"devices"`
	Kits           []kitRow      `json:"recovery_kits"`
	GuardianShares []shareRow    `json:"guardian_shares"`
	BridgeTokens   []tokenRow    `json:"bridge_tokens"`
	Metadata       []metadataRow `json:"_metadata"`
}

type deviceRow struct {
	DeviceID   string `json:"device_id"`
	PublicKey  []byte `json:"public_key"`
	WrappedKey []byte `json:"wrapped_key"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
}

type kitRow struct {
	KitID       string `json:"kit_id"`
	TotalShares int    `json:"total_shares"`
	Threshold   int    `json:"threshold"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   *int64 `json:"expires_at"`
}

type shareRow struct {
	KitID        string `json:"kit_id"`
	ShareIndex   int    `json:"share_index"`
	GuardianID   []byte `json:"guardian_id"`
	Ciphertext   []byte `json:"ciphertext"`
	IntegrityTag []byte `json:"integrity_tag"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    *int64 `json:"expires_at"`
}

type tokenRow struct {
	Token       string `json:"token"`
	Payload     []byte `json:"payload"`
	RecipientFP []byte `json:"recipient_fp"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Consumed    int    `json:"consumed"`
}

type metadataRow struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// CreateBackup snapshots the store. Value columns are already
// encrypted; the snapshot as a whole is encrypted again under the DEK
// and authenticated with an HMAC.
func (s *Store) CreateBackup() (*BackupData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	export, err := s.exportData()
	if err != nil {
		return nil, fmt.Errorf("storage: exporting data: %w", err)
	}

	encrypted, err := s.encrypt(export)
	if err != nil {
		return nil, fmt.Errorf("storage: encrypting backup: %w", err)
	}

	h := hmac.New(sha256.New, s.dek)
	h.Write(encrypted)

	return &BackupData{
		Version:         backupVersion,
		RollbackCounter: s.rollbackCounter,
		Data:            encrypted,
		HMAC:            h.Sum(nil),
		CreatedAt:       time.Now().Unix(),
	}, nil
}

// RestoreBackup replaces the store contents with a snapshot. Restores
// carrying a rollback counter behind the current one are refused.
func (s *Store) RestoreBackup(backup *BackupData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hmac.New(sha256.New, s.dek)
	h.Write(backup.Data)
	if !hmac.Equal(backup.HMAC, h.Sum(nil)) {
		return fmt.Errorf("storage: backup HMAC verification failed")
	}

	if backup.RollbackCounter < s.rollbackCounter {
		return fmt.Errorf("storage: rollback detected: backup counter %d < current %d",
			backup.RollbackCounter, s.rollbackCounter)
	}

	data, err := s.decrypt(backup.Data)
	if err != nil {
		return fmt.Errorf("storage: decrypting backup: %w", err)
	}

	if err := s.importData(data); err != nil {
		return fmt.Errorf("storage: importing backup: %w", err)
	}

	s.rollbackCounter = backup.RollbackCounter
	return nil
}

// exportData serializes all table rows. Runs with s.mu held.
func (s *Store) exportData() ([]byte, error) {
	var export backupExport

	rows, err := s.db.Query(`SELECT device_id, public_key, wrapped_key, created_at, last_used_at FROM devices`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r deviceRow
		if err := rows.Scan(&r.DeviceID, &r.PublicKey, &r.WrappedKey, &r.CreatedAt, &r.LastUsedAt); err != nil {
			rows.Close()
			return nil, err
		}
		export.Devices = append(export.Devices, r)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT kit_id, total_shares, threshold, status, created_at, expires_at FROM recovery_kits`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r kitRow
		var exp sql.NullInt64
		if err := rows.Scan(&r.KitID, &r.TotalShares, &r.Threshold, &r.Status, &r.CreatedAt, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		if exp.Valid {
			r.ExpiresAt = &exp.Int64
		}
		export.Kits = append(export.Kits, r)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT kit_id, share_index, guardian_id, ciphertext, integrity_tag, created_at, expires_at FROM guardian_shares`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r shareRow
		var exp sql.NullInt64
		if err := rows.Scan(&r.KitID, &r.ShareIndex, &r.GuardianID, &r.Ciphertext, &r.IntegrityTag, &r.CreatedAt, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		if exp.Valid {
			r.ExpiresAt = &exp.Int64
		}
		export.GuardianShares = append(export.GuardianShares, r)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT token, payload, recipient_fp, created_at, expires_at, consumed FROM bridge_tokens`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r tokenRow
		if err := rows.Scan(&r.Token, &r.Payload, &r.RecipientFP, &r.CreatedAt, &r.ExpiresAt, &r.Consumed); err != nil {
			rows.Close()
			return nil, err
		}
		export.BridgeTokens = append(export.BridgeTokens, r)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT key, value, updated_at FROM _metadata`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r metadataRow
		if err := rows.Scan(&r.Key, &r.Value, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		export.Metadata = append(export.Metadata, r)
	}
	rows.Close()

	return json.Marshal(export)
}

// importData replaces all table contents from a serialized export.
// Runs with s.mu held.
func (s *Store) importData(data []byte) error {
	var export backupExport
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("unmarshaling export: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"guardian_shares", "recovery_kits", "devices", "bridge_tokens", "_metadata"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing table %s: %w", table, err)
		}
	}

	for _, r := range export.Devices {
		if _, err := tx.Exec(`
			INSERT INTO devices (device_id, public_key, wrapped_key, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?)
		`, r.DeviceID, r.PublicKey, r.WrappedKey, r.CreatedAt, r.LastUsedAt); err != nil {
			return fmt.Errorf("importing device: %w", err)
		}
	}
	for _, r := range export.Kits {
		if _, err := tx.Exec(`
			INSERT INTO recovery_kits (kit_id, total_shares, threshold, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.KitID, r.TotalShares, r.Threshold, r.Status, r.CreatedAt, nullable(r.ExpiresAt)); err != nil {
			return fmt.Errorf("importing kit: %w", err)
		}
	}
	for _, r := range export.GuardianShares {
		if _, err := tx.Exec(`
			INSERT INTO guardian_shares (kit_id, share_index, guardian_id, ciphertext, integrity_tag, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.KitID, r.ShareIndex, r.GuardianID, r.Ciphertext, r.IntegrityTag, r.CreatedAt, nullable(r.ExpiresAt)); err != nil {
			return fmt.Errorf("importing guardian share: %w", err)
		}
	}
	for _, r := range export.BridgeTokens {
		if _, err := tx.Exec(`
			INSERT INTO bridge_tokens (token, payload, recipient_fp, created_at, expires_at, consumed)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.Token, r.Payload, r.RecipientFP, r.CreatedAt, r.ExpiresAt, r.Consumed); err != nil {
			return fmt.Errorf("importing bridge token: %w", err)
		}
	}
	for _, r := range export.Metadata {
		if _, err := tx.Exec(`
			INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)
		`, r.Key, r.Value, r.UpdatedAt); err != nil {
			return fmt.Errorf("importing metadata: %w", err)
		}
	}

	return tx.Commit()
}

func nullable(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
