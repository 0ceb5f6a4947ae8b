// Package api implements the HTTP API for chat, sessions, and history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/manozpdel/pennywise/internal/agent"
	"github.com/manozpdel/pennywise/internal/buildinfo"
	"github.com/manozpdel/pennywise/internal/history"
	"github.com/manozpdel/pennywise/internal/session"
)

// TokenVerifier checks a login credential before it becomes session
// identity. The server never inspects tokens beyond this call.
type TokenVerifier interface {
	Verify(ctx context.Context, userID, token string) error
}

// Pinger reports whether the expense tool server is reachable. The
// health endpoint consults it so operators see a broken downstream
// before users do.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StaticVerifier accepts any non-empty token. It stands in for a real
// identity provider in development and tests.
type StaticVerifier struct{}

// Verify implements TokenVerifier.
func (StaticVerifier) Verify(_ context.Context, userID, token string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if token == "" {
		return errors.New("token is required")
	}
	return nil
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	loop     *agent.Loop
	sessions *session.Store
	hist     *history.Store
	verifier TokenVerifier
	pinger   Pinger
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates an API server. hist may be nil when durable history
// is disabled; the history endpoints then report unavailable. pinger
// may be nil, in which case health reports on the server alone.
func NewServer(listen string, loop *agent.Loop, sessions *session.Store, hist *history.Store, verifier TokenVerifier, pinger Pinger, logger *slog.Logger) *Server {
	if verifier == nil {
		verifier = StaticVerifier{}
	}
	return &Server{
		listen:   listen,
		loop:     loop,
		sessions: sessions,
		hist:     hist,
		verifier: verifier,
		pinger:   pinger,
		logger:   logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/stream", s.handleChatStream)

	mux.HandleFunc("POST /v1/session/login", s.handleLogin)
	mux.HandleFunc("POST /v1/session/logout", s.handleLogout)
	mux.HandleFunc("GET /v1/session/transcript", s.handleTranscript)

	mux.HandleFunc("GET /v1/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/history", s.handleHistoryClear)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // turns can run several tool calls
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Pennywise",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if s.pinger != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			s.logger.Warn("expense server unreachable", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":   status,
		"sessions": s.sessions.Len(),
	}, s.logger)
}

// ChatRequest is one user turn. An empty SessionID starts a new guest
// session; the response echoes the id to continue the conversation.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the assistant's reply.
type ChatResponse struct {
	Reply     string   `json:"reply"`
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools,omitempty"` // tool names dispatched this turn
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	sessID := req.SessionID
	if sessID == "" {
		sessID = uuid.New().String()
	}
	sess := s.sessions.GetOrCreate(sessID)

	var dispatched []string
	reply, err := s.loop.Run(r.Context(), sess, req.Message, func(ev agent.Event) {
		if ev.Kind == agent.EventToolStart {
			dispatched = append(dispatched, ev.Tool)
		}
	})
	if err != nil {
		var stepErr *agent.ErrStepLimitExceeded
		if !errors.As(err, &stepErr) {
			s.logger.Error("turn failed", "session", sessID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "chat failed")
			return
		}
		// Step limit trips still carry a usable fallback reply.
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Reply:     reply,
		SessionID: sessID,
		Tools:     dispatched,
	}, s.logger)
}

// LoginRequest upgrades a session to an authenticated identity.
type LoginRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.verifier.Verify(r.Context(), req.UserID, req.Token); err != nil {
		s.logger.Info("login rejected", "session", req.SessionID, "error", err)
		s.errorResponse(w, http.StatusUnauthorized, "login rejected: "+err.Error())
		return
	}

	sess := s.sessions.GetOrCreate(req.SessionID)
	sess.Authenticate(req.UserID, req.Token)
	s.logger.Info("session authenticated", "session", req.SessionID, "identity", sess.Identity())

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":     "ok",
		"session_id": req.SessionID,
		"user_id":    req.UserID,
	}, s.logger)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := s.sessions.Get(req.SessionID)
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	sess.Logout()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "session_id": req.SessionID}, s.logger)
}

// TranscriptEntry is one conversational message of a session.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// handleTranscript serves the in-memory transcript of one session. Tool
// plumbing (tool calls and their observations) stays internal; the
// endpoint returns the user/assistant conversation only.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessID := r.URL.Query().Get("session_id")
	if sessID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess := s.sessions.Get(sessID)
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	entries := []TranscriptEntry{}
	for _, m := range sess.Transcript() {
		if m.Role == "tool" || len(m.ToolCalls) > 0 {
			continue
		}
		entries = append(entries, TranscriptEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": sessID,
		"entries":    entries,
		"count":      len(entries),
	}, s.logger)
}

// historyUser resolves the authenticated user behind a history request.
// The user id comes from the session's identity, never from the query,
// so one user cannot read or clear another's history.
func (s *Server) historyUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.hist == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history not configured")
		return "", false
	}

	sessID := r.URL.Query().Get("session_id")
	if sessID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return "", false
	}

	sess := s.sessions.Get(sessID)
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return "", false
	}
	ident := sess.Identity()
	if ident.IsGuest() {
		s.errorResponse(w, http.StatusUnauthorized, "history requires an authenticated session")
		return "", false
	}
	return ident.UserID(), true
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.historyUser(w, r)
	if !ok {
		return
	}

	entries, err := s.hist.Read(userID)
	if err != nil {
		s.logger.Error("history read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history read failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	}, s.logger)
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.historyUser(w, r)
	if !ok {
		return
	}

	if err := s.hist.Clear(userID); err != nil {
		s.logger.Error("history clear failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history clear failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
