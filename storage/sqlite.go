// Package storage provides the encrypted SQLite persistence layer for
// the recovery engine. Value columns are encrypted at rest under a
// 32-byte DEK; key columns and timestamps stay plaintext for queries.
//
// One Store serves all three persistence boundaries: device records,
// recovery kits with their guardian shares, and bridge tokens. A
// monotonic rollback counter in the _metadata table makes restores of
// stale backups detectable.
package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// DEKSize is the required length of the data encryption key.
const DEKSize = 32

// Store is an encrypted SQLite store.
type Store struct {
	db   *sql.DB
	dek  []byte
	path string

	// incremented on each write, carried by backups
	rollbackCounter int64

	mu sync.RWMutex
}

// NewStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store.
func NewStore(path string, dek []byte) (*Store, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("storage: DEK must be %d bytes", DEKSize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: setting pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:   db,
		dek:  dek,
		path: path,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Enrolled devices, each holding a wrapped copy of the master key
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		public_key BLOB NOT NULL,
		wrapped_key BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);

	-- Recovery kits; at most one row is 'active' at a time
	CREATE TABLE IF NOT EXISTS recovery_kits (
		kit_id TEXT PRIMARY KEY,
		total_shares INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('active', 'revoked', 'consumed')),
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_kits_active ON recovery_kits(status) WHERE status = 'active';

	-- Guardian shares, one batch per kit, immutable once written
	CREATE TABLE IF NOT EXISTS guardian_shares (
		kit_id TEXT NOT NULL,
		share_index INTEGER NOT NULL,
		guardian_id BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		integrity_tag BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (kit_id, share_index),
		FOREIGN KEY (kit_id) REFERENCES recovery_kits(kit_id)
	);

	-- Single-use pairing bridge tokens
	CREATE TABLE IF NOT EXISTS bridge_tokens (
		token TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		recipient_fp BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_bridge_expiry ON bridge_tokens(expires_at);

	-- Rollback protection and sync state
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('rollback_counter', '0', ?)
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("initializing metadata: %w", err)
	}

	var counterStr string
	if err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&counterStr); err != nil {
		return fmt.Errorf("loading rollback counter: %w", err)
	}
	s.rollbackCounter, _ = strconv.ParseInt(counterStr, 10, 64)

	return nil
}

// RollbackCounter returns the current rollback protection counter.
func (s *Store) RollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

// incrementRollbackCounter must be called with s.mu held for writing.
func (s *Store) incrementRollbackCounter() {
	s.rollbackCounter++
	s.db.Exec(`
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'rollback_counter'
	`, strconv.FormatInt(s.rollbackCounter, 10), time.Now().Unix())
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// encrypt seals a value column under the DEK.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a value column.
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	return aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
}

// unixOrZero converts a nullable column to a time, zero when NULL.
func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

// zeroOrUnix converts a time to its nullable column value.
func zeroOrUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
