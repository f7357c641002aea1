package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so the relay cross-compiles for small
	// ARM boards without CGO.
	_ "modernc.org/sqlite"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// Device is a provisioned device as listed by the SQLite store.
// The secret itself is never stored; only its bcrypt hash.
type Device struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SQLiteStore is a provisioning database of device credentials.
// The relay only reads from it; the `relay devices` commands write to it.
type SQLiteStore struct {
	db     *sql.DB      // Database connection handle.
	mu     sync.RWMutex // Guards all database operations.
	logger zerolog.Logger
}

// NewSQLiteStore opens or creates a provisioning database at path and
// initializes the schema. Use ":memory:" in tests.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	logger.Debug().Str("path", path).Msg("credentials: opening database")

	// busy_timeout lets the running relay read while the CLI provisions.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug().Int("schema_version", currentSchemaVersion).Msg("credentials: database ready")
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the device_credentials table.
func (s *SQLiteStore) migrateToV1() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const table = `
		CREATE TABLE IF NOT EXISTS device_credentials (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	if _, err := tx.Exec(table); err != nil {
		return fmt.Errorf("create device_credentials table: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// AddDevice provisions a device, replacing any existing secret for the id.
func (s *SQLiteStore) AddDevice(ctx context.Context, id, name, secret string) error {
	if id == "" {
		return errors.New("device id cannot be empty")
	}
	if secret == "" {
		return errors.New("device secret cannot be empty")
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT OR REPLACE INTO device_credentials
			(device_id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, id, name, hash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	s.logger.Info().Str("device_id", id).Msg("credentials: device provisioned")
	return nil
}

// RemoveDevice deletes a device. It reports whether the device existed.
func (s *SQLiteStore) RemoveDevice(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM device_credentials WHERE device_id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	return n > 0, nil
}

// ListDevices returns all provisioned devices ordered by id.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, name, created_at
		FROM device_credentials
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Verify implements Store.
func (s *SQLiteStore) Verify(ctx context.Context, deviceID, secret string) error {
	s.mu.RLock()
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT secret_hash FROM device_credentials WHERE device_id = ?", deviceID,
	).Scan(&hash)
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("lookup device: %w", err)
	}
	if !matchSecret(hash, secret) {
		return ErrSecretMismatch
	}
	return nil
}
