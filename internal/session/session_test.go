package session

import (
	"context"
	"testing"
	"time"

	"github.com/manozpdel/pennywise/internal/llm"
)

func TestSession_GuestByDefault(t *testing.T) {
	s := New("s1")
	if !s.IsGuest() {
		t.Error("new session should be a guest")
	}
}

func TestSession_AuthenticateLogout(t *testing.T) {
	s := New("s1")
	s.Authenticate("alice", "tok")
	if s.IsGuest() {
		t.Error("authenticated session reported as guest")
	}
	if s.Identity().UserID() != "alice" {
		t.Errorf("UserID = %q, want alice", s.Identity().UserID())
	}

	s.RecordExpense(RecentExpense{RecordID: "e1", Category: "food", CreatedAt: time.Now()})
	s.Logout()

	if !s.IsGuest() {
		t.Error("logout should revert to guest")
	}
	if got := s.Recent(time.Hour, time.Now()); len(got) != 0 {
		t.Error("logout should forget reconciliation candidates")
	}
}

func TestSession_TranscriptOrder(t *testing.T) {
	s := New("s1")
	s.Append("user", "hello")
	s.Append("assistant", "hi")
	s.AppendMessage(llm.Message{Role: "tool", Content: "obs", ToolCallID: "c1"})

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages() = %d entries, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "tool" {
		t.Errorf("transcript out of order: %v %v %v", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if msgs[2].ToolCallID != "c1" {
		t.Errorf("tool message lost its call id")
	}
}

func TestSession_MessagesIsACopy(t *testing.T) {
	s := New("s1")
	s.Append("user", "hello")

	msgs := s.Messages()
	msgs[0].Content = "mutated"

	if s.Messages()[0].Content != "hello" {
		t.Error("Messages() should return a copy")
	}
}

func TestSession_RecentWindowAndOrder(t *testing.T) {
	s := New("s1")
	now := time.Now()

	s.RecordExpense(RecentExpense{RecordID: "old", Category: "food", CreatedAt: now.Add(-time.Hour)})
	s.RecordExpense(RecentExpense{RecordID: "mid", Category: "food", CreatedAt: now.Add(-5 * time.Minute)})
	s.RecordExpense(RecentExpense{RecordID: "new", Category: "food", CreatedAt: now.Add(-time.Minute)})

	got := s.Recent(10*time.Minute, now)
	if len(got) != 2 {
		t.Fatalf("Recent() = %d records, want 2", len(got))
	}
	if got[0].RecordID != "new" || got[1].RecordID != "mid" {
		t.Errorf("Recent() order = %s, %s; want new, mid", got[0].RecordID, got[1].RecordID)
	}
}

func TestSession_AmendExpense(t *testing.T) {
	s := New("s1")
	now := time.Now()
	s.RecordExpense(RecentExpense{RecordID: "e1", Category: "food", Amount: 40, CreatedAt: now})

	s.AmendExpense("e1", 50, "", "late dinner")

	got := s.Recent(time.Hour, now)
	if len(got) != 1 {
		t.Fatalf("Recent() = %d records, want 1", len(got))
	}
	if got[0].Amount != 50 {
		t.Errorf("Amount = %v, want 50", got[0].Amount)
	}
	if got[0].Category != "food" {
		t.Errorf("empty category in amend should not clear the old one")
	}
	if got[0].Description != "late dinner" {
		t.Errorf("Description = %q, want late dinner", got[0].Description)
	}
}

func TestSession_BeginTurnCancelsPrevious(t *testing.T) {
	s := New("s1")

	ctx1, end1 := s.BeginTurn(context.Background())

	done := make(chan struct{})
	go func() {
		// Second turn: cancels the first and waits for it to end.
		ctx2, end2 := s.BeginTurn(context.Background())
		if ctx2.Err() != nil {
			t.Error("fresh turn context should not be cancelled")
		}
		end2()
		close(done)
	}()

	select {
	case <-ctx1.Done():
		// first turn observed the cancellation
	case <-time.After(2 * time.Second):
		t.Fatal("first turn was not cancelled by the second")
	}
	end1()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never started after the first ended")
	}
}

func TestStore_GetOrCreate(t *testing.T) {
	st := NewStore()

	a := st.GetOrCreate("s1")
	b := st.GetOrCreate("s1")
	if a != b {
		t.Error("GetOrCreate should return the same session for the same id")
	}
	if st.Get("missing") != nil {
		t.Error("Get of unknown id should return nil")
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}

	st.Remove("s1")
	if st.Get("s1") != nil {
		t.Error("Remove should drop the session")
	}
}
