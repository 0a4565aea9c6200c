package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/ops"
	"github.com/sandwichfarm/nopush/internal/storage"
)

type fakeEnqueuer struct {
	events []*nostr.Event
}

func (f *fakeEnqueuer) Enqueue(event *nostr.Event) bool {
	f.events = append(f.events, event)
	return true
}

func setupServer(t *testing.T) (*Server, *storage.Store, *fakeEnqueuer) {
	t.Helper()

	tmpDir := t.TempDir()
	store := storage.New(&config.Storage{Path: filepath.Join(tmpDir, "notifications.db")})
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := &fakeEnqueuer{}
	logger := ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)

	cfg := config.Default().Relay
	cfg.EventsPath = filepath.Join(tmpDir, "events.db")

	server, err := New(&cfg, store, engine, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { server.backend.Close() })

	return server, store, engine
}

func TestDeviceRegistrationEndpoints(t *testing.T) {
	server, store, _ := setupServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Register.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/user-info/bob/token-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}

	tokens, err := store.DeviceTokensFor(context.Background(), "bob")
	if err != nil {
		t.Fatalf("DeviceTokensFor: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "token-1" {
		t.Errorf("DeviceTokensFor = %v, want [token-1]", tokens)
	}

	// Unregister.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/user-info/bob/token-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", resp.StatusCode)
	}

	tokens, err = store.DeviceTokensFor(context.Background(), "bob")
	if err != nil {
		t.Fatalf("DeviceTokensFor: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("DeviceTokensFor after delete = %v, want empty", tokens)
	}
}

func TestSavedEventsAreEnqueued(t *testing.T) {
	server, _, engine := setupServer(t)

	event := &nostr.Event{ID: "e1", PubKey: "alice", Kind: 1}
	server.handleSavedEvent(context.Background(), event)

	if len(engine.events) != 1 || engine.events[0].ID != "e1" {
		t.Errorf("Enqueued events = %v, want [e1]", engine.events)
	}
}

func TestRelayInfo(t *testing.T) {
	server, _, _ := setupServer(t)

	if server.relay.Info.Name != "nopush" {
		t.Errorf("Relay name = %q, want nopush", server.relay.Info.Name)
	}
}
