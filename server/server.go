// Package server wires the hub, room registry, and document store behind
// one HTTP surface: the live-stream websocket and the document REST
// endpoints used for initial sync and durability.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/YapperCore/yapper-sync/config"
	"github.com/YapperCore/yapper-sync/hub"
	"github.com/YapperCore/yapper-sync/rooms"
	"github.com/YapperCore/yapper-sync/store"
)

// Service runs the sync core. It implements hub.Outbox by routing broadcast
// events to the per-connection send queues.
type Service struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	registry *rooms.Registry
	store    store.Store
	conns    *connTable
	upgrader websocket.Upgrader
	server   *http.Server
}

func New(cfg config.ServerConfig, st store.Store) *Service {
	s := &Service{
		cfg:      cfg,
		registry: rooms.NewRegistry(),
		store:    st,
		conns:    newConnTable(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // fronted by the app's own proxy
			},
		},
	}
	s.hub = hub.New(s.registry, s, st)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/documents/{docID}", s.handleGetDocument).Methods("GET")
	router.HandleFunc("/documents/{docID}", s.handlePutDocument).Methods("PUT")
	router.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

// Hub exposes the broadcast core so event sources (the transcript ingester)
// can publish into it.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("sync server listening", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the HTTP server down, closes live connections, and waits for
// outstanding persistence writes.
func (s *Service) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}
	s.conns.CloseAll()
	return s.hub.Shutdown(shutdownCtx)
}

// Deliver implements hub.Outbox.
func (s *Service) Deliver(connID uuid.UUID, ev hub.Event) bool {
	c, ok := s.conns.Get(connID)
	if !ok {
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "event", ev.Type)
		return false
	}
	return c.deliver(data)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(r)
	if !ok {
		slog.Warn("rejected websocket handshake", "remoteAddr", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	writeWait := s.cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pongWait := s.cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	c := &wsConn{
		id:        uuid.New(),
		identity:  identity,
		conn:      conn,
		send:      make(chan []byte, s.cfg.SendQueue),
		svc:       s,
		writeWait: writeWait,
		pongWait:  pongWait,
		lastSeen:  time.Now(),
	}
	s.conns.Add(c)
	slog.Debug("new client connected", "connID", c.id, "identity", identity, "remoteAddr", r.RemoteAddr)

	// the request context dies when this handler returns; the pumps
	// outlive it on the hijacked connection
	go c.writePump()
	go c.readPump(context.Background())
}

// handleGetDocument serves the initial-sync read: live merged state when the
// hub has a session for the document, otherwise the stored copy.
func (s *Service) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	docID := mux.Vars(r)["docID"]

	doc, err := s.store.Load(r.Context(), docID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to load document", "error", err, "docID", docID)
		http.Error(w, "store unavailable", http.StatusBadGateway)
		return
	}
	found := err == nil
	doc.ID = docID

	if view, ok := s.hub.Snapshot(docID); ok {
		doc.Content = view.Content
		doc.Complete = view.Complete
		found = true
	}

	if !found {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (s *Service) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	docID := mux.Vars(r)["docID"]

	var doc store.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	doc.ID = docID

	if err := s.store.Save(r.Context(), doc); err != nil {
		slog.Error("failed to save document", "error", err, "docID", docID)
		http.Error(w, "store unavailable", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// authenticate validates the bearer credential the external auth service
// issued and extracts the caller identity. An empty configured token
// disables the gate (standalone/dev mode).
func (s *Service) authenticate(r *http.Request) (string, bool) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	if s.cfg.Token != "" && token != s.cfg.Token {
		return "", false
	}

	identity := r.Header.Get("X-Yapper-User")
	if identity == "" {
		identity = r.URL.Query().Get("user")
	}
	return identity, true
}
