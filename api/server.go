package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wricardo/paircode-broker/broker/lifecycle"
	"github.com/wricardo/paircode-broker/broker/session"
	"github.com/wricardo/paircode-broker/observability"
	"github.com/wricardo/paircode-broker/transport/websocket"
)

// maxBodyBytes bounds pairing request bodies.
const maxBodyBytes = 100 << 10

// Response messages for the pairing endpoint.
const (
	MessagePhoneRequired     = "Phone number is required."
	MessageInvalidBody       = "Invalid request body."
	MessageCodeIssued        = "Pairing code generated. Enter it on your device. Waiting for connection..."
	MessageAlreadyRegistered = "Session already registered. No new pairing code needed."
	MessageSetupFailed       = "An unexpected server error occurred during session setup. Please try again."
)

var errInvalidBody = errors.New("invalid request body")

// Broker issues pairing codes and reports on live sessions.
type Broker interface {
	Begin(ctx context.Context, phoneNumber string) (*lifecycle.Result, error)
	Lookup(id string) (session.Snapshot, bool)
	List() []session.Snapshot
	Active() int
}

// PairCodeResponse is the body of every pairing response.
type PairCodeResponse struct {
	Success          bool   `json:"success"`
	Code             string `json:"code,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	Message          string `json:"message"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
}

// SessionList is the body of GET /api/sessions.
type SessionList struct {
	Sessions []session.Snapshot `json:"sessions"`
	Count    int                `json:"count"`
}

type Option func(*Server)

// WithStaticDir serves the pairing page from dir, falling back to
// index.html for unknown paths.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithMCPHandler mounts h at POST /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// Server represents the REST API server
type Server struct {
	broker    Broker
	hub       *websocket.Hub
	router    *mux.Router
	logger    zerolog.Logger
	staticDir string
	mcp       http.Handler
}

// NewServer creates a new API server
func NewServer(broker Broker, hub *websocket.Hub, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		broker: broker,
		hub:    hub,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		observability.RequestID,
		observability.RequestLogger(s.logger),
		observability.RequestMetrics,
		mux.CORSMethodMiddleware(s.router),
		corsMiddleware,
	)

	api := s.router.PathPrefix("/api").Subrouter()

	// Pairing
	api.HandleFunc("/pair-code", s.handlePairCode).Methods(http.MethodPost, http.MethodOptions)

	// Session status
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)

	// Operator endpoints
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	if s.mcp != nil {
		s.router.Handle("/mcp", s.mcp).Methods(http.MethodPost)
	}

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.staticDir != "" {
		s.router.PathPrefix("/").Handler(spaHandler{dir: s.staticDir}).Methods(http.MethodGet, http.MethodHead)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+observability.RequestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Pairing Handlers

func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request) {
	raw, err := readPhoneNumber(w, r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, PairCodeResponse{Message: MessageInvalidBody})
		return
	}

	phone := NormalizePhoneNumber(raw)
	if phone == "" {
		respondJSON(w, http.StatusBadRequest, PairCodeResponse{Message: MessagePhoneRequired})
		return
	}

	res, err := s.broker.Begin(r.Context(), phone)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidPhone) {
			respondJSON(w, http.StatusBadRequest, PairCodeResponse{Message: MessagePhoneRequired})
			return
		}
		s.logger.Error().
			Err(err).
			Str("request_id", r.Header.Get(observability.RequestIDHeader)).
			Str("phone", session.MaskPhone(phone)).
			Msg("pairing request failed")
		respondJSON(w, http.StatusInternalServerError, PairCodeResponse{Message: MessageSetupFailed})
		return
	}

	if res.AlreadyRegistered {
		respondJSON(w, http.StatusOK, PairCodeResponse{
			Success:          true,
			SessionID:        res.SessionID,
			Message:          MessageAlreadyRegistered,
			AlreadyConnected: true,
		})
		return
	}

	respondJSON(w, http.StatusOK, PairCodeResponse{
		Success:   true,
		Code:      res.Code,
		SessionID: res.SessionID,
		Message:   MessageCodeIssued,
	})
}

// readPhoneNumber extracts phoneNumber from a form or JSON body. JSON
// numbers are accepted as well as strings.
func readPhoneNumber(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
				return "", errInvalidBody
			}
		} else if err := r.ParseForm(); err != nil {
			return "", errInvalidBody
		}
		return r.PostFormValue("phoneNumber"), nil
	}

	var body map[string]interface{}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", errInvalidBody
	}

	switch v := body["phoneNumber"].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", nil
	}
}

// NormalizePhoneNumber strips every non-digit character.
func NormalizePhoneNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Session Handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.broker.List()
	respondJSON(w, http.StatusOK, SessionList{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, ok := s.broker.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"activeSessions": s.broker.Active(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	// Verify session exists
	snap, ok := s.broker.Lookup(sessionID)
	if !ok {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}

	s.hub.ServeWS(w, r, snap, func() bool {
		_, live := s.broker.Lookup(sessionID)
		return live
	})
}

// spaHandler serves files from dir and index.html for anything else outside
// /api.
type spaHandler struct {
	dir string
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	path := filepath.Join(h.dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))

	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}

	index := filepath.Join(h.dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, index)
}
