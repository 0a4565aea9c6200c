// Package relay runs nopush as a small standalone relay: events are
// accepted over the Nostr wire protocol, persisted, and fed to the
// dispatch engine. Device token registration rides on the same HTTP
// listener next to the websocket endpoint.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/ops"
	"github.com/sandwichfarm/nopush/internal/storage"
)

// Enqueuer hands saved events to the dispatch engine.
type Enqueuer interface {
	Enqueue(event *nostr.Event) bool
}

// Server is the embedded relay plus the device registration API.
type Server struct {
	cfg     *config.Relay
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
	store   *storage.Store
	engine  Enqueuer
	logger  *ops.Logger

	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates the relay server. The notification store must already be
// open; relay events get their own database so the notification schema
// stays small and index-friendly.
func New(cfg *config.Relay, st *storage.Store, engine Enqueuer, logger *ops.Logger) (*Server, error) {
	backend := &sqlite3.SQLite3Backend{DatabaseURL: cfg.EventsPath}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		store:   st,
		engine:  engine,
		logger:  logger.WithComponent("relay"),
	}

	relay := khatru.NewRelay()
	relay.Info.Name = cfg.Name
	relay.Info.Description = cfg.Description
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)
	relay.OnEventSaved = append(relay.OnEventSaved, s.handleSavedEvent)
	s.relay = relay

	mux := http.NewServeMux()
	mux.Handle("/", relay)
	mux.HandleFunc("POST /user-info/{pubkey}/{deviceToken}", s.handleRegisterDevice)
	mux.HandleFunc("DELETE /user-info/{pubkey}/{deviceToken}", s.handleUnregisterDevice)
	s.mux = mux

	return s, nil
}

// Handler exposes the combined relay + registration handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving. It returns once the listener is running; serve
// errors after that are logged.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler: s.mux,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server stopped", "error", err)
		}
	}()

	s.logger.Info("relay listening", "bind", s.cfg.Bind, "port", s.cfg.Port)
	return nil
}

// Stop shuts the listener down gracefully and closes the event store.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down relay server: %w", err)
		}
	}
	s.backend.Close()
	return nil
}

func (s *Server) handleSavedEvent(ctx context.Context, event *nostr.Event) {
	s.engine.Enqueue(event)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	deviceToken := r.PathValue("deviceToken")
	if pubkey == "" || deviceToken == "" {
		http.Error(w, "pubkey and device token required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertDevice(r.Context(), pubkey, deviceToken, time.Now()); err != nil {
		s.logger.Error("failed to register device", "pubkey", pubkey, "error", err)
		http.Error(w, "failed to register device", http.StatusInternalServerError)
		return
	}

	s.logger.Info("device registered", "pubkey", pubkey)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	deviceToken := r.PathValue("deviceToken")
	if pubkey == "" || deviceToken == "" {
		http.Error(w, "pubkey and device token required", http.StatusBadRequest)
		return
	}

	if err := s.store.RemoveDevice(r.Context(), pubkey, deviceToken); err != nil {
		s.logger.Error("failed to unregister device", "pubkey", pubkey, "error", err)
		http.Error(w, "failed to unregister device", http.StatusInternalServerError)
		return
	}

	s.logger.Info("device unregistered", "pubkey", pubkey)
	w.WriteHeader(http.StatusOK)
}
