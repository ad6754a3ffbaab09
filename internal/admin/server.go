// Package admin exposes the out-of-band HTTP surface of the bus: status,
// client listing, stats, metrics and message injection. Handlers run on
// their own listener and reach the bus only through its thread-safe facade.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/oqhadev/openkore-bus-server-extended/internal/bus"
	"github.com/oqhadev/openkore-bus-server-extended/internal/metrics"
	"github.com/oqhadev/openkore-bus-server-extended/internal/ssm"
)

// Message id used for broadcasts injected through /bc. Hardcoded: it is the
// id OpenKore clients listen for.
const busCommMessageID = "busComm"

// Default ids for the JSON injection endpoints.
const (
	defaultBroadcastID = "API_BROADCAST"
	defaultMessageID   = "API_MESSAGE"
)

// Server is the admin HTTP listener.
type Server struct {
	bus           *bus.Server
	logger        zerolog.Logger
	httpServer    *http.Server
	listener      net.Listener
	injectTimeout time.Duration
}

// New builds the admin server for the given bus. injectTimeout bounds each
// injection before the handler reports HTTP 500.
func New(addr string, b *bus.Server, injectTimeout time.Duration, logger zerolog.Logger) *Server {
	s := &Server{
		bus:           b,
		logger:        logger.With().Str("component", "admin").Logger(),
		injectTimeout: injectTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/clients", s.handleClients)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/broadcast", s.handleBroadcast)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/bc", s.handleBC)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start binds the admin listener and serves in the background. Bind errors
// surface synchronously.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind admin %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("admin API listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()
	return nil
}

// Addr returns the bound admin address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the admin listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running":      s.bus.Running(),
		"host":         s.bus.Host(),
		"port":         s.bus.Port(),
		"client_count": s.bus.ClientCount(),
	})
}

// GET /api/clients
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodGet) {
		return
	}
	clients := s.bus.IdentifiedClients()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodGet) {
		return
	}
	snap := s.bus.StatsSnapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_connections":  snap.TotalConnections,
		"identified_clients": snap.IdentifiedClients,
		"current_clients":    snap.CurrentClients,
		"messages_processed": snap.MessagesProcessed,
		"uptime_seconds":     snap.UptimeSeconds,
		"cpu_percent":        snap.CPUPercent,
		"memory_mb":          snap.MemoryMB,
	})
}

// GET /bc?player=...&comm=...  Injects a busComm broadcast with every query
// parameter as a STRING argument.
func (s *Server) handleBC(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	if query.Get("player") == "" || query.Get("comm") == "" {
		s.writeError(w, http.StatusBadRequest, "player and comm query parameters are required")
		return
	}

	args := ssm.NewArgs()
	for key, values := range query {
		if len(values) > 0 {
			args.SetString(key, values[0])
		}
	}

	if err := s.inject(r.Context(), func(ctx context.Context) error {
		return s.bus.Router().InjectBroadcast(ctx, busCommMessageID, args)
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, "broadcast injection timed out")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "sent",
		"message_id": busCommMessageID,
	})
}

// POST /api/broadcast {"message_id"?, "args"?}
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		MessageID string         `json:"message_id"`
		Args      map[string]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request: "+err.Error())
		return
	}
	if body.MessageID == "" {
		body.MessageID = defaultBroadcastID
	}

	args := argsFromJSON(body.Args)
	if err := s.inject(r.Context(), func(ctx context.Context) error {
		return s.bus.Router().InjectBroadcast(ctx, body.MessageID, args)
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, "broadcast injection timed out")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "sent",
		"message_id": body.MessageID,
	})
}

// POST /api/message {"client_id", "message_id"?, "args"?}
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.corsAndMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		ClientID  string         `json:"client_id"`
		MessageID string         `json:"message_id"`
		Args      map[string]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request: "+err.Error())
		return
	}
	if body.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id required")
		return
	}
	if body.MessageID == "" {
		body.MessageID = defaultMessageID
	}

	args := argsFromJSON(body.Args)
	err := s.inject(r.Context(), func(ctx context.Context) error {
		return s.bus.Router().InjectUnicast(ctx, body.ClientID, body.MessageID, args)
	})
	switch {
	case errors.Is(err, bus.ErrClientNotFound):
		s.writeError(w, http.StatusNotFound, "client not found")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "message injection timed out")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "sent",
			"client_id": body.ClientID,
		})
	}
}

// inject runs fn against the bus with the configured timeout. The handler
// goroutine never blocks past the deadline even if a recipient write stalls.
func (s *Server) inject(parent context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.injectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// corsAndMethod writes the permissive CORS headers, answers preflight and
// enforces the expected method.
func (s *Server) corsAndMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	if r.Method != method {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}

// argsFromJSON converts a decoded JSON args object into typed SSM arguments.
func argsFromJSON(in map[string]any) *ssm.Args {
	args := ssm.NewArgs()
	for key, value := range in {
		args.Set(key, ssm.FromAny(value))
	}
	return args
}
