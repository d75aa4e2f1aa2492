// Package httpapi exposes the engine over HTTP: persona and conversation
// management, the streamed turn endpoint, feedback submission, and realtime
// session minting.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/voice"
)

// Server wires the engine components behind an http.Handler.
type Server struct {
	store  *companion.Store
	orch   *companion.Orchestrator
	tuner  *companion.Tuner
	bridge *voice.Bridge
	log    *slog.Logger

	// static, when set, is mounted under /files/ for locally archived
	// images.
	static http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithStaticFiles mounts a file tree under /files/, used when archived
// images are stored on local disk.
func WithStaticFiles(h http.Handler) ServerOption {
	return func(s *Server) { s.static = h }
}

// NewServer builds the API server. tuner and bridge may be nil, in which
// case the corresponding endpoints report the capability as unavailable.
func NewServer(store *companion.Store, orch *companion.Orchestrator, tuner *companion.Tuner, bridge *voice.Bridge, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		orch:   orch,
		tuner:  tuner,
		bridge: bridge,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/personas", s.handleCreatePersona)
	mux.HandleFunc("GET /v1/personas", s.handleListPersonas)
	mux.HandleFunc("GET /v1/personas/{id}", s.handleGetPersona)
	mux.HandleFunc("PUT /v1/personas/{id}", s.handleUpdatePersona)
	mux.HandleFunc("GET /v1/personas/{id}/versions", s.handleListVersions)

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleTurn)
	mux.HandleFunc("POST /v1/conversations/{id}/realtime-session", s.handleRealtimeSession)

	mux.HandleFunc("POST /v1/messages/{id}/feedback", s.handleCreateFeedback)

	if s.static != nil {
		mux.Handle("GET /files/", http.StripPrefix("/files/", s.static))
	}

	var h http.Handler = mux
	h = requireUser(h)
	h = accessLog(s.log, h)
	h = recoverPanic(s.log, h)
	h = withRequestID(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, companion.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, companion.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "access denied"})
	case errors.Is(err, companion.ErrTurnInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Error: "a turn is already in flight for this conversation"})
	case errors.Is(err, companion.ErrPersonaUnresolved):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "persona configuration unresolvable"})
	case errors.Is(err, companion.ErrInvalidRating):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "rating must be between 1 and 5"})
	case errors.Is(err, voice.ErrBridgeUnavailable):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "realtime bridge unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
