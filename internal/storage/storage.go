// Package storage owns all durable state of the dispatcher: which
// (event, pubkey) pairs have been notified and which device tokens belong
// to which pubkey. No other package touches the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sandwichfarm/nopush/internal/config"
)

// ErrNotOpen is returned when a store method is called before Open (or
// after Close). This is a programmer error, not an I/O condition.
var ErrNotOpen = errors.New("storage: store not open, call Open first")

// PersistenceError wraps an underlying database failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Store provides access to notification records and device registrations.
// The single sqlx handle serializes writes at the storage layer; callers
// never hold their own locks.
type Store struct {
	cfg *config.Storage

	mu sync.RWMutex
	db *sqlx.DB
}

// New creates an unopened store for the given configuration.
func New(cfg *config.Storage) *Store {
	return &Store{cfg: cfg}
}

// Open connects to the sqlite database and runs migrations. It must be
// called exactly once per process before any other method; calling it on
// an already-open store is an error. Reopening after Close re-initializes
// from the same file.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return fmt.Errorf("storage: already open")
	}

	db, err := sqlx.Open("sqlite3", s.cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return persistence("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return persistence("open", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the database handle. Subsequent calls fail with ErrNotOpen.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotOpen
	}
	if err := s.db.Close(); err != nil {
		return persistence("close", err)
	}
	s.db = nil
	return nil
}

func (s *Store) handle() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

// PubkeysSubscribedToEvent returns every pubkey with a notification record
// for the event, regardless of sent status. These are the pubkeys that
// previously engaged with the event, which extends relevance one hop along
// reference edges.
func (s *Store) PubkeysSubscribedToEvent(ctx context.Context, eventID string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var pubkeys []string
	if err := db.SelectContext(ctx, &pubkeys,
		"SELECT pubkey FROM notifications WHERE event_id = ?", eventID); err != nil {
		return nil, persistence("pubkeys_subscribed_to_event", err)
	}
	return pubkeys, nil
}

// NotificationStatus returns the per-pubkey delivery status for an event.
func (s *Store) NotificationStatus(ctx context.Context, eventID string) (map[string]bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Pubkey   string `db:"pubkey"`
		Received bool   `db:"received_notification"`
	}
	if err := db.SelectContext(ctx, &rows,
		"SELECT pubkey, received_notification FROM notifications WHERE event_id = ?", eventID); err != nil {
		return nil, persistence("notification_status", err)
	}

	status := make(map[string]bool, len(rows))
	for _, row := range rows {
		status[row.Pubkey] = row.Received
	}
	return status, nil
}

// RecordNotificationSent upserts the notification record for (eventID,
// pubkey). The composite primary key makes concurrent upserts for
// different pubkeys of the same event collision-free, and re-running the
// same upsert converges on the same final state.
func (s *Store) RecordNotificationSent(ctx context.Context, eventID, pubkey string, sentAt time.Time) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO notifications (id, event_id, pubkey, received_notification, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		eventID+":"+pubkey, eventID, pubkey, true, sentAt.Unix())
	if err != nil {
		return persistence("record_notification_sent", err)
	}
	return nil
}

// DeviceTokensFor returns every device token registered for the pubkey.
func (s *Store) DeviceTokensFor(ctx context.Context, pubkey string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var tokens []string
	if err := db.SelectContext(ctx, &tokens,
		"SELECT device_token FROM user_info WHERE pubkey = ?", pubkey); err != nil {
		return nil, persistence("device_tokens_for", err)
	}
	return tokens, nil
}

// UpsertDevice registers a device token for a pubkey.
func (s *Store) UpsertDevice(ctx context.Context, pubkey, deviceToken string, addedAt time.Time) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_info (id, pubkey, device_token, added_at)
		 VALUES (?, ?, ?, ?)`,
		pubkey+":"+deviceToken, pubkey, deviceToken, addedAt.Unix())
	if err != nil {
		return persistence("upsert_device", err)
	}
	return nil
}

// RemoveDevice unregisters a device token. Removing an unknown token is
// not an error.
func (s *Store) RemoveDevice(ctx context.Context, pubkey, deviceToken string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		"DELETE FROM user_info WHERE pubkey = ? AND device_token = ?",
		pubkey, deviceToken)
	if err != nil {
		return persistence("remove_device", err)
	}
	return nil
}

// migrate creates the schema. Every step is additive and idempotent so the
// same database file survives upgrades: tables and indexes use IF NOT
// EXISTS, and columns added after the initial schema are only created when
// absent.
func migrate(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			pubkey TEXT,
			received_notification BOOLEAN
		)`,
		`CREATE INDEX IF NOT EXISTS notification_event_id_index ON notifications (event_id)`,
		`CREATE TABLE IF NOT EXISTS user_info (
			id TEXT PRIMARY KEY,
			device_token TEXT,
			pubkey TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS user_info_pubkey_index ON user_info (pubkey)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return persistence("migrate", err)
		}
	}

	if err := addColumnIfNotExists(ctx, db, "notifications", "sent_at", "INTEGER"); err != nil {
		return err
	}
	if err := addColumnIfNotExists(ctx, db, "user_info", "added_at", "INTEGER"); err != nil {
		return err
	}
	return nil
}

func addColumnIfNotExists(ctx context.Context, db *sqlx.DB, table, column, columnType string) error {
	var columns []string
	if err := db.SelectContext(ctx, &columns,
		"SELECT name FROM pragma_table_info(?)", table); err != nil {
		return persistence("migrate", err)
	}

	for _, name := range columns {
		if name == column {
			return nil
		}
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnType)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return persistence("migrate", err)
	}
	return nil
}
