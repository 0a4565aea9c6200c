package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/nopush/internal/config"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := &config.Storage{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}

	store := New(cfg)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_NotOpen(t *testing.T) {
	store := New(&config.Storage{Path: filepath.Join(t.TempDir(), "test.db")})
	ctx := context.Background()

	if _, err := store.PubkeysSubscribedToEvent(ctx, "ev1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("PubkeysSubscribedToEvent before Open: error = %v, want ErrNotOpen", err)
	}
	if _, err := store.NotificationStatus(ctx, "ev1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("NotificationStatus before Open: error = %v, want ErrNotOpen", err)
	}
	if err := store.RecordNotificationSent(ctx, "ev1", "bob", time.Now()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("RecordNotificationSent before Open: error = %v, want ErrNotOpen", err)
	}
	if _, err := store.DeviceTokensFor(ctx, "bob"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("DeviceTokensFor before Open: error = %v, want ErrNotOpen", err)
	}
	if err := store.Close(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Close before Open: error = %v, want ErrNotOpen", err)
	}
}

func TestStore_DoubleOpen(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Open(context.Background()); err == nil {
		t.Error("Second Open should fail")
	}
}

func TestStore_ReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Storage{Path: filepath.Join(t.TempDir(), "test.db")}

	store := New(cfg)
	if err := store.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.RecordNotificationSent(ctx, "ev1", "bob", time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("RecordNotificationSent: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Data survives a close/reopen cycle on the same file.
	reopened := New(cfg)
	if err := reopened.Open(ctx); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer reopened.Close()

	pubkeys, err := reopened.PubkeysSubscribedToEvent(ctx, "ev1")
	if err != nil {
		t.Fatalf("PubkeysSubscribedToEvent: %v", err)
	}
	if len(pubkeys) != 1 || pubkeys[0] != "bob" {
		t.Errorf("PubkeysSubscribedToEvent = %v, want [bob]", pubkeys)
	}
}

func TestStore_MigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Storage{Path: filepath.Join(t.TempDir(), "test.db")}

	for i := 0; i < 3; i++ {
		store := New(cfg)
		if err := store.Open(ctx); err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
}

func TestRecordNotificationSent_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordNotificationSent(ctx, "ev1", "bob", time.Unix(1000, 0)); err != nil {
		t.Fatalf("RecordNotificationSent: %v", err)
	}
	// Re-processing overwrites the record instead of duplicating it.
	if err := store.RecordNotificationSent(ctx, "ev1", "bob", time.Unix(2000, 0)); err != nil {
		t.Fatalf("RecordNotificationSent (upsert): %v", err)
	}

	pubkeys, err := store.PubkeysSubscribedToEvent(ctx, "ev1")
	if err != nil {
		t.Fatalf("PubkeysSubscribedToEvent: %v", err)
	}
	if len(pubkeys) != 1 {
		t.Errorf("Expected 1 record after upsert, got %d", len(pubkeys))
	}

	status, err := store.NotificationStatus(ctx, "ev1")
	if err != nil {
		t.Fatalf("NotificationStatus: %v", err)
	}
	if !status["bob"] {
		t.Error("Expected bob marked as sent")
	}
}

func TestNotificationStatus_PerEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordNotificationSent(ctx, "ev1", "bob", time.Now()); err != nil {
		t.Fatalf("RecordNotificationSent: %v", err)
	}
	if err := store.RecordNotificationSent(ctx, "ev2", "carol", time.Now()); err != nil {
		t.Fatalf("RecordNotificationSent: %v", err)
	}

	status, err := store.NotificationStatus(ctx, "ev1")
	if err != nil {
		t.Fatalf("NotificationStatus: %v", err)
	}
	if len(status) != 1 {
		t.Errorf("Status for ev1 has %d entries, want 1: %v", len(status), status)
	}
	if _, ok := status["carol"]; ok {
		t.Error("Status for ev1 must not include carol's ev2 record")
	}
}

func TestDeviceRegistration(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertDevice(ctx, "bob", "token-1", now); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := store.UpsertDevice(ctx, "bob", "token-2", now); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	// Same (pubkey, token) pair registers once.
	if err := store.UpsertDevice(ctx, "bob", "token-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertDevice (upsert): %v", err)
	}

	tokens, err := store.DeviceTokensFor(ctx, "bob")
	if err != nil {
		t.Fatalf("DeviceTokensFor: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("DeviceTokensFor = %v, want 2 tokens", tokens)
	}

	if err := store.RemoveDevice(ctx, "bob", "token-1"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	tokens, err = store.DeviceTokensFor(ctx, "bob")
	if err != nil {
		t.Fatalf("DeviceTokensFor: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "token-2" {
		t.Errorf("DeviceTokensFor after removal = %v, want [token-2]", tokens)
	}

	// Removing an unknown token is a no-op.
	if err := store.RemoveDevice(ctx, "bob", "unknown"); err != nil {
		t.Errorf("RemoveDevice(unknown) = %v, want nil", err)
	}
}

func TestDeviceTokensFor_UnknownPubkey(t *testing.T) {
	store := setupTestStore(t)

	tokens, err := store.DeviceTokensFor(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("DeviceTokensFor: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("DeviceTokensFor(unknown) = %v, want empty", tokens)
	}
}

func TestConcurrentRecordWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pubkeys := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}

	var wg sync.WaitGroup
	errCh := make(chan error, len(pubkeys))
	for _, pk := range pubkeys {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()
			if err := store.RecordNotificationSent(ctx, "ev1", pk, time.Now()); err != nil {
				errCh <- err
			}
		}(pk)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent RecordNotificationSent: %v", err)
	}

	got, err := store.PubkeysSubscribedToEvent(ctx, "ev1")
	if err != nil {
		t.Fatalf("PubkeysSubscribedToEvent: %v", err)
	}
	if len(got) != len(pubkeys) {
		t.Errorf("Expected %d records, got %d (lost update?)", len(pubkeys), len(got))
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	inner := errors.New("disk I/O error")
	err := &PersistenceError{Op: "record_notification_sent", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("PersistenceError should unwrap to the underlying error")
	}

	var pe *PersistenceError
	if !errors.As(error(err), &pe) {
		t.Error("errors.As should match *PersistenceError")
	}
}
