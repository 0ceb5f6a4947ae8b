// Package session holds per-conversation state: identity, transcript,
// turn counter, and the recently created expense records that
// reconciliation considers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/manozpdel/pennywise/internal/identity"
	"github.com/manozpdel/pennywise/internal/llm"
)

// Message is a transcript entry. Ordering is conversation order and is
// load-bearing for reconciliation; entries are never mutated once
// appended.
type Message struct {
	llm.Message
	Timestamp time.Time
}

// RecentExpense is an expense record created through this session,
// remembered so a follow-up correction can be reconciled against it.
type RecentExpense struct {
	RecordID    string
	Category    string
	Amount      float64
	Description string
	CreatedAt   time.Time
}

// Session is the state of one conversation. Turns are strictly
// sequential: BeginTurn serializes callers and cancels any turn still
// in flight, so only one goroutine mutates a session at a time.
type Session struct {
	id string

	turnMu sync.Mutex // held for the duration of one turn

	mu         sync.Mutex
	ident      identity.Identity
	transcript []Message
	turns      int
	recent     []RecentExpense
	cancelTurn context.CancelFunc
}

// New creates an empty guest session.
func New(id string) *Session {
	return &Session{id: id}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the current identity value.
func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// IsGuest reports whether the session is unauthenticated.
func (s *Session) IsGuest() bool {
	return s.Identity().IsGuest()
}

// Authenticate upgrades the session to an authenticated identity. The
// credential was verified by the caller; it is held opaquely and never
// surfaces again.
func (s *Session) Authenticate(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = identity.Authenticated(userID, token)
}

// Logout reverts the session to guest identity and forgets the
// reconciliation candidates, which belonged to the departing user.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = identity.Guest()
	s.recent = nil
}

// BeginTurn starts a new turn: any in-flight turn is cancelled
// (best-effort — its tool calls may still complete server-side, but
// their results are discarded), then the new turn takes the session
// exclusively. The returned context is cancelled if yet another turn
// arrives. Call end when the turn finishes.
func (s *Session) BeginTurn(ctx context.Context) (turnCtx context.Context, end func()) {
	s.mu.Lock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.mu.Unlock()

	s.turnMu.Lock()

	tctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.turns++
	s.mu.Unlock()

	return tctx, func() {
		s.mu.Lock()
		if s.cancelTurn != nil {
			s.cancelTurn()
			s.cancelTurn = nil
		}
		s.mu.Unlock()
		s.turnMu.Unlock()
	}
}

// TurnCount returns the number of turns started on this session.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Append adds a plain message to the transcript.
func (s *Session) Append(role, content string) {
	s.AppendMessage(llm.Message{Role: role, Content: content})
}

// AppendMessage adds a full message (may carry tool calls or a tool
// call ID) to the transcript.
func (s *Session) AppendMessage(m llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Message{Message: m, Timestamp: time.Now()})
}

// Messages returns a copy of the transcript in planner form, in order.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.transcript))
	for i, m := range s.transcript {
		out[i] = m.Message
	}
	return out
}

// Transcript returns a copy of the transcript with timestamps.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// RecordExpense remembers an expense created during this session so a
// later correction can target it.
func (s *Session) RecordExpense(re RecentExpense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, re)
}

// AmendExpense updates the remembered values for a record after a
// successful update dispatch, so further corrections score against the
// record's current state.
func (s *Session) AmendExpense(recordID string, amount float64, category, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		if s.recent[i].RecordID != recordID {
			continue
		}
		if amount > 0 {
			s.recent[i].Amount = amount
		}
		if category != "" {
			s.recent[i].Category = category
		}
		if description != "" {
			s.recent[i].Description = description
		}
		return
	}
}

// Recent returns the expense records created within the window, newest
// first. Only records created at or before now are considered — a
// record created later in the same turn can never be its own
// correction target.
func (s *Session) Recent(window time.Duration, now time.Time) []RecentExpense {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RecentExpense
	for i := len(s.recent) - 1; i >= 0; i-- {
		re := s.recent[i]
		if re.CreatedAt.After(now) {
			continue
		}
		if now.Sub(re.CreatedAt) > window {
			continue
		}
		out = append(out, re)
	}
	return out
}
