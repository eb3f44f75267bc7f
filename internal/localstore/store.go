// Package localstore is the TV's durable key-value storage, backed by a
// SQLite file in the player data directory.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
)

const (
	KeyDeviceID   = "identity.deviceId"
	KeyLocationID = "identity.locationId"
	KeySnapshot   = "carousel.snapshot"

	fileName = "tvplayer.db"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

type Store struct {
	db   *sqlx.DB
	path string
}

type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

type entryRow struct {
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r entryRow) toEntry() *Entry {
	return &Entry{Key: r.Key, Value: r.Value, UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC()}
}

// Open creates dir if needed and opens the store file inside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns nil when the key is not set.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, "SELECT key, value, updated_at FROM kv WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return row.toEntry(), nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := set(ctx, s.db, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// LoadIdentity returns nil when the device was never paired. A device id
// without a location is reported as an IncompleteIdentity error.
func (s *Store) LoadIdentity(ctx context.Context) (*model.DeviceIdentity, error) {
	device, err := s.Get(ctx, KeyDeviceID)
	if err != nil {
		return nil, err
	}
	location, err := s.Get(ctx, KeyLocationID)
	if err != nil {
		return nil, err
	}

	if device == nil || device.Value == "" {
		return nil, nil
	}
	if location == nil || location.Value == "" {
		return nil, apperrors.IncompleteIdentity(device.Value)
	}

	return &model.DeviceIdentity{DeviceID: device.Value, LocationID: location.Value}, nil
}

// SaveIdentity writes both identity fields in one transaction.
func (s *Store) SaveIdentity(ctx context.Context, identity model.DeviceIdentity) error {
	if !identity.Valid() {
		return apperrors.ValidationError("device identity requires both deviceId and locationId")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := set(ctx, tx, KeyDeviceID, identity.DeviceID); err != nil {
		return fmt.Errorf("set device id: %w", err)
	}
	if err := set(ctx, tx, KeyLocationID, identity.LocationID); err != nil {
		return fmt.Errorf("set location id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity: %w", err)
	}
	return nil
}

func (s *Store) ClearIdentity(ctx context.Context) error {
	return s.Delete(ctx, KeyDeviceID, KeyLocationID)
}

// LoadSnapshot returns nil when nothing has been cached yet.
func (s *Store) LoadSnapshot(ctx context.Context) (*model.CarouselSnapshot, error) {
	entry, err := s.Get(ctx, KeySnapshot)
	if err != nil || entry == nil {
		return nil, err
	}

	var snapshot model.CarouselSnapshot
	if err := json.Unmarshal([]byte(entry.Value), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot model.CarouselSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.Set(ctx, KeySnapshot, string(data))
}

// Reset forgets the identity and the cached carousel.
func (s *Store) Reset(ctx context.Context) error {
	return s.Delete(ctx, KeyDeviceID, KeyLocationID, KeySnapshot)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func set(ctx context.Context, db execer, key, value string) error {
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query, key, value, time.Now().Unix())
	return err
}
