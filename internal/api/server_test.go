package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manozpdel/pennywise/internal/agent"
	"github.com/manozpdel/pennywise/internal/history"
	"github.com/manozpdel/pennywise/internal/llm"
	"github.com/manozpdel/pennywise/internal/reconcile"
	"github.com/manozpdel/pennywise/internal/session"
	"github.com/manozpdel/pennywise/internal/tools"
)

// echoPlanner replies with a fixed string and never calls tools.
type echoPlanner struct {
	reply string
}

func (p *echoPlanner) Chat(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: p.reply},
		Done:    true,
	}, nil
}

func (p *echoPlanner) Ping(ctx context.Context) error { return nil }

func testServer(t *testing.T) *Server {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hist, err := history.New(db, nil)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}

	resolver := reconcile.NewResolver(0.6, 10*time.Minute, []string{"actually"})
	loop := agent.NewLoop(nil, &echoPlanner{reply: "hello!"}, tools.NewRegistry(), resolver, hist, agent.Options{Model: "test"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer("127.0.0.1:0", loop, session.NewStore(), hist, StaticVerifier{}, nil, logger)
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleChat(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.handleChat, "/v1/chat", ChatRequest{Message: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp ChatResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Reply != "hello!" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.SessionID == "" {
		t.Error("response should carry a session id for continuation")
	}

	// Same session id continues the same conversation.
	rec2 := postJSON(t, s.handleChat, "/v1/chat", ChatRequest{Message: "again", SessionID: resp.SessionID})
	var resp2 ChatResponse
	json.NewDecoder(rec2.Body).Decode(&resp2)
	if resp2.SessionID != resp.SessionID {
		t.Errorf("session id changed between turns")
	}
	if s.sessions.Len() != 1 {
		t.Errorf("sessions = %d, want 1", s.sessions.Len())
	}
}

func TestHandleChat_EmptyMessage(t *testing.T) {
	s := testServer(t)
	rec := postJSON(t, s.handleChat, "/v1/chat", ChatRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLogin(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.handleLogin, "/v1/session/login", LoginRequest{
		SessionID: "s1", UserID: "alice", Token: "tok",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	sess := s.sessions.Get("s1")
	if sess == nil || sess.IsGuest() {
		t.Fatal("login should create an authenticated session")
	}
	if sess.Identity().UserID() != "alice" {
		t.Errorf("user = %q", sess.Identity().UserID())
	}
}

func TestHandleLogin_RejectedWithoutToken(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.handleLogin, "/v1/session/login", LoginRequest{
		SessionID: "s1", UserID: "alice",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if sess := s.sessions.Get("s1"); sess != nil && !sess.IsGuest() {
		t.Error("failed login must not authenticate the session")
	}
}

func TestHandleLogout(t *testing.T) {
	s := testServer(t)
	s.sessions.GetOrCreate("s1").Authenticate("alice", "tok")

	rec := postJSON(t, s.handleLogout, "/v1/session/logout", map[string]string{"session_id": "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !s.sessions.Get("s1").IsGuest() {
		t.Error("logout should revert to guest")
	}
}

func TestHistory_RequiresAuthenticatedSession(t *testing.T) {
	s := testServer(t)
	s.sessions.GetOrCreate("s1") // guest

	req := httptest.NewRequest(http.MethodGet, "/v1/history?session_id=s1", nil)
	rec := httptest.NewRecorder()
	s.handleHistoryGet(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHistory_ReadAndClear(t *testing.T) {
	s := testServer(t)
	s.sessions.GetOrCreate("s1").Authenticate("alice", "tok")
	s.sessions.GetOrCreate("s2").Authenticate("bob", "tok")

	now := time.Now()
	s.hist.Append("alice", "user", "hi", now)
	s.hist.Append("alice", "assistant", "hello", now)
	s.hist.Append("bob", "user", "yo", now)

	req := httptest.NewRequest(http.MethodGet, "/v1/history?session_id=s1", nil)
	rec := httptest.NewRecorder()
	s.handleHistoryGet(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Count   int             `json:"count"`
		Entries []history.Entry `json:"entries"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 2 {
		t.Errorf("alice sees %d entries, want 2", resp.Count)
	}
	for _, e := range resp.Entries {
		if e.UserID != "alice" {
			t.Errorf("alice's history contains %q's entry", e.UserID)
		}
	}

	// Clearing alice must not touch bob.
	req = httptest.NewRequest(http.MethodDelete, "/v1/history?session_id=s1", nil)
	rec = httptest.NewRecorder()
	s.handleHistoryClear(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	if n, _ := s.hist.Count("alice"); n != 0 {
		t.Errorf("alice count = %d after clear", n)
	}
	if n, _ := s.hist.Count("bob"); n != 1 {
		t.Errorf("bob count = %d, want 1", n)
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

// fakePinger stands in for the expense server connection.
type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

func TestHandleHealth_ReportsExpenseServer(t *testing.T) {
	s := testServer(t)
	s.pinger = &fakePinger{}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the expense server answers", rec.Code)
	}

	s.pinger = &fakePinger{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the expense server is down", rec.Code)
	}

	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "degraded" {
		t.Errorf("body = %v, want degraded", body)
	}
}

func TestHandleTranscript(t *testing.T) {
	s := testServer(t)

	rec := postJSON(t, s.handleChat, "/v1/chat", ChatRequest{Message: "hi"})
	var chat ChatResponse
	json.NewDecoder(rec.Body).Decode(&chat)

	req := httptest.NewRequest(http.MethodGet, "/v1/session/transcript?session_id="+chat.SessionID, nil)
	rec2 := httptest.NewRecorder()
	s.handleTranscript(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d", rec2.Code)
	}

	var resp struct {
		Count   int               `json:"count"`
		Entries []TranscriptEntry `json:"entries"`
	}
	json.NewDecoder(rec2.Body).Decode(&resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want user+assistant", resp.Count)
	}
	if resp.Entries[0].Role != "user" || resp.Entries[0].Content != "hi" {
		t.Errorf("entries[0] = %+v", resp.Entries[0])
	}
	if resp.Entries[1].Role != "assistant" || resp.Entries[1].Content != "hello!" {
		t.Errorf("entries[1] = %+v", resp.Entries[1])
	}
}

func TestHandleTranscript_UnknownSession(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session/transcript?session_id=nope", nil)
	rec := httptest.NewRecorder()
	s.handleTranscript(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session/transcript", nil)
	rec = httptest.NewRecorder()
	s.handleTranscript(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a session id", rec.Code)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{}
	if err := v.Verify(context.Background(), "alice", "any"); err != nil {
		t.Errorf("Verify with token = %v", err)
	}
	if err := v.Verify(context.Background(), "alice", ""); err == nil {
		t.Error("Verify without token should fail")
	}
	if err := v.Verify(context.Background(), "", "tok"); err == nil {
		t.Error("Verify without user should fail")
	}
}
