// Package store persists the node's device list and portal settings
// overrides in SQLite, alongside a small namespaced key-value table for
// operational state that must survive restarts (the broker instance id).
// Structured data that deserves its own schema, like the
// known device list, gets its own table.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/blescanner/internal/registry"
)

// Drivers accepted by Open.
const (
	DriverCgo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

const (
	nsSettings      = "settings"
	keyOverrides    = "overrides"
	timestampLayout = time.RFC3339
)

// Store is backed by SQLite. All public methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a store at dbPath using the named database/sql driver.
// An empty driver selects DriverCgo. The schema is created automatically
// on first use.
func Open(driver, dbPath string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverCgo
	case DriverCgo, DriverPureGo:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE TABLE IF NOT EXISTS known_devices (
		position   INTEGER NOT NULL PRIMARY KEY,
		uuid       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Devices returns the stored device list in registry order. An empty
// store returns an empty (non-nil) slice.
func (s *Store) Devices() ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT uuid, name, type FROM known_devices ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []registry.Entry{}
	for rows.Next() {
		var e registry.Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Type); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveDevices replaces the stored device list in one transaction. A
// failure leaves the previous list intact.
func (s *Store) SaveDevices(entries []registry.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM known_devices`); err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}

	now := time.Now().UTC().Format(timestampLayout)
	for i, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO known_devices (position, uuid, name, type, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			i, e.ID, e.Name, e.Type, now,
		); err != nil {
			return fmt.Errorf("insert device %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SettingsOverrides returns the settings document saved from the portal,
// or nil when none has been saved.
func (s *Store) SettingsOverrides() ([]byte, error) {
	v, err := s.Get(nsSettings, keyOverrides)
	if err != nil || v == "" {
		return nil, err
	}
	return []byte(v), nil
}

// SaveSettingsOverrides stores the settings document applied on the next
// start.
func (s *Store) SaveSettingsOverrides(doc []byte) error {
	return s.Set(nsSettings, keyOverrides, string(doc))
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple. Existing values are
// overwritten and the updated_at timestamp is refreshed.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}
