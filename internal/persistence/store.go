// Package persistence provides the optional SQLite-backed durability layer
// for the SyncHub patch log, so a gateway restart does not silently drop
// patches a client has not pulled yet. The in-memory hub remains
// authoritative; this store is a write-through journal it replays at
// startup.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// PatchRecord is one appended sync patch as persisted.
type PatchRecord struct {
	ID         string
	StoreKey   string // "userID\x00workspaceID"
	EntityType string
	Payload    []byte // opaque JSON
	UserID     string
	SessionID  string
	ReceivedAt time.Time
}

// Store provides the durable patch log backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	// Create schema_version table if not exists
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the patch log. The rowid preserves append order within
// a store key, which is what pull ordering relies on after a replay.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS patches (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			store_key TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			received_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_patches_store ON patches(store_key, seq);
	`)
	return err
}

// AppendPatch journals one patch. Rows are never mutated afterwards.
func (s *Store) AppendPatch(rec PatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO patches (id, store_key, entity_type, payload, user_id, session_id, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.StoreKey, rec.EntityType, string(rec.Payload), rec.UserID, rec.SessionID, rec.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append patch: %w", err)
	}
	return nil
}

// LoadAll returns every journaled patch grouped by store key, in append
// order within each key. Used once at startup to rehydrate the hub.
func (s *Store) LoadAll() (map[string][]PatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, store_key, entity_type, payload, user_id, session_id, received_at FROM patches ORDER BY seq ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]PatchRecord)
	for rows.Next() {
		var rec PatchRecord
		var payload string
		var receivedAt int64
		if err := rows.Scan(&rec.ID, &rec.StoreKey, &rec.EntityType, &payload, &rec.UserID, &rec.SessionID, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.ReceivedAt = time.Unix(0, receivedAt)
		out[rec.StoreKey] = append(out[rec.StoreKey], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patches: %w", err)
	}
	return out, nil
}

// CountForKey reports how many patches are journaled under one store key.
func (s *Store) CountForKey(storeKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM patches WHERE store_key = ?", storeKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patches: %w", err)
	}
	return n, nil
}
