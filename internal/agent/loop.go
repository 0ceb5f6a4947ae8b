// Package agent implements the dialogue orchestration loop.
//
// One call to Run is one turn: the utterance goes to the planner, each
// proposed tool call is validated, access-checked, possibly rewritten
// by the reconciliation resolver, injected with identity, and
// dispatched; observations are folded back into the transcript and the
// planner runs again, until it produces a final answer or the step
// limit trips.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/manozpdel/pennywise/internal/llm"
	"github.com/manozpdel/pennywise/internal/prompts"
	"github.com/manozpdel/pennywise/internal/reconcile"
	"github.com/manozpdel/pennywise/internal/session"
	"github.com/manozpdel/pennywise/internal/tools"
)

// Tool and field names the reconciliation rewrite pivots on. These are
// the expense server's names for its insert/update pair.
const (
	insertTool  = "add_expense"
	updateTool  = "update_expense"
	lookupTool  = "get_expenses"
	recordField = "expense_id"
)

// fallbackReply is the user-facing text when a turn hits the step limit.
const fallbackReply = "I couldn't finish that request — it kept needing more tool calls than one turn allows. Could you try again, or break it into smaller steps?"

// ErrStepLimitExceeded means the planner kept requesting tools past the
// configured bound. The turn ends with a fallback reply; the
// conversation continues next turn.
type ErrStepLimitExceeded struct {
	Limit int
}

// Error implements the error interface.
func (e *ErrStepLimitExceeded) Error() string {
	return fmt.Sprintf("turn exceeded the step limit of %d plan/dispatch cycles", e.Limit)
}

// Recorder persists completed exchanges for authenticated users.
type Recorder interface {
	Append(userID, role, content string, ts time.Time) error
}

// Options bound the loop's behavior.
type Options struct {
	// Model is the planner model name.
	Model string
	// MaxSteps caps plan/dispatch cycles per turn (default 8).
	MaxSteps int
	// ToolTimeout is the per-dispatch timeout (default 15s).
	ToolTimeout time.Duration
}

// Loop is the per-turn state machine. It is safe for concurrent use
// across sessions; a single session's turns are serialized by the
// session itself.
type Loop struct {
	logger   *slog.Logger
	planner  llm.Client
	catalog  *tools.Registry
	resolver *reconcile.Resolver
	recorder Recorder

	model       string
	maxSteps    int
	toolTimeout time.Duration
}

// NewLoop creates an orchestration loop. recorder may be nil to disable
// durable history (useful for one-shot CLI queries).
func NewLoop(logger *slog.Logger, planner llm.Client, catalog *tools.Registry, resolver *reconcile.Resolver, recorder Recorder, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 15 * time.Second
	}
	return &Loop{
		logger:      logger,
		planner:     planner,
		catalog:     catalog,
		resolver:    resolver,
		recorder:    recorder,
		model:       opts.Model,
		maxSteps:    opts.MaxSteps,
		toolTimeout: opts.ToolTimeout,
	}
}

// Run executes one turn and returns the final reply. A step-limit trip
// returns the fallback reply together with *ErrStepLimitExceeded so
// callers can distinguish it; the reply is still safe to show.
//
// New input for the same session cancels an in-flight turn best-effort:
// its remaining plan/dispatch steps are skipped and its results
// discarded, though tool calls already sent may complete server-side.
func (l *Loop) Run(ctx context.Context, sess *session.Session, utterance string, onEvent EventFunc) (string, error) {
	turnCtx, end := sess.BeginTurn(ctx)
	defer end()

	logger := l.logger.With("session", sess.ID(), "identity", sess.Identity())
	logger.Info("turn started", "turn", sess.TurnCount())

	sess.Append("user", utterance)

	steps := 0
	for {
		if err := turnCtx.Err(); err != nil {
			logger.Info("turn aborted", "error", err)
			return "", err
		}

		system := llm.Message{Role: "system", Content: prompts.System(sess.Identity())}
		messages := append([]llm.Message{system}, sess.Messages()...)

		resp, err := l.planner.Chat(turnCtx, l.model, messages, l.catalog.List())
		if err != nil {
			return "", fmt.Errorf("planner: %w", err)
		}

		msg := resp.Message
		if len(msg.ToolCalls) == 0 {
			reply := strings.TrimSpace(msg.Content)
			if reply == "" {
				reply = "I'm not sure how to help with that — could you rephrase?"
			}
			return l.respond(sess, logger, utterance, reply, onEvent), nil
		}

		if steps >= l.maxSteps {
			logger.Warn("step limit exceeded", "limit", l.maxSteps)
			reply := l.respond(sess, logger, utterance, fallbackReply, onEvent)
			return reply, &ErrStepLimitExceeded{Limit: l.maxSteps}
		}
		steps++

		// The transcript keeps the planner's view of the calls —
		// pre-injection, identity-free.
		sess.AppendMessage(msg)

		for _, tc := range msg.ToolCalls {
			observation := l.step(turnCtx, logger, sess, utterance, tc, onEvent)
			sess.AppendMessage(llm.Message{
				Role:       "tool",
				Content:    observation,
				ToolCallID: tc.ID,
			})
		}
	}
}

// respond finalizes the turn: append the reply, persist the exchange
// for authenticated users, emit the final event.
func (l *Loop) respond(sess *session.Session, logger *slog.Logger, utterance, reply string, onEvent EventFunc) string {
	sess.Append("assistant", reply)

	ident := sess.Identity()
	if !ident.IsGuest() && l.recorder != nil {
		now := time.Now()
		if err := l.recorder.Append(ident.UserID(), "user", utterance, now); err != nil {
			logger.Error("record user message", "error", err)
		}
		if err := l.recorder.Append(ident.UserID(), "assistant", reply, now); err != nil {
			logger.Error("record assistant reply", "error", err)
		}
	}

	logger.Info("turn completed", "reply_len", len(reply))
	emit(onEvent, Event{Kind: EventFinal, Content: reply})
	return reply
}

// step processes one proposed tool call and returns the observation
// text folded back to the planner. Tool-layer failures never abort the
// turn — they become observations the planner can react to within the
// step limit.
func (l *Loop) step(ctx context.Context, logger *slog.Logger, sess *session.Session, utterance string, tc llm.ToolCall, onEvent EventFunc) string {
	name := tc.Function.Name
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	emit(onEvent, Event{Kind: EventToolStart, Tool: name})

	if err := l.catalog.Validate(name, args); err != nil {
		logger.Warn("tool call rejected", "tool", name, "error", err)
		return observe(onEvent, name, "tool error: "+err.Error())
	}

	// The access check runs before anything else touches the call, so a
	// guest request for an authenticated tool never reaches dispatch.
	ident := sess.Identity()
	if err := l.catalog.AccessCheck(name, ident); err != nil {
		logger.Info("tool call blocked", "tool", name, "error", err)
		return observe(onEvent, name, err.Error())
	}

	// An expense insertion may really be a correction of a recent
	// record; the resolver decides.
	if name == insertTool {
		if d := l.reconcileInsert(sess, utterance, args); d.Update {
			logger.Info("rewrote expense insert into update", "record", d.RecordID)
			rewritten := rewriteAsUpdate(args, d.RecordID)
			if err := l.catalog.Validate(updateTool, rewritten); err == nil {
				name = updateTool
				args = rewritten
			} else {
				logger.Warn("update rewrite failed validation, keeping insert", "error", err)
			}
		}
	}

	tool := l.catalog.Get(name)

	// Identity joins the arguments here and only here, immediately
	// before dispatch. The injected form is never stored.
	dispatchArgs := args
	if tool.Access == tools.AccessAuthenticated {
		inv, err := ident.Inject(name, args)
		if err != nil {
			// Unreachable after AccessCheck, but never dispatch on it.
			logger.Error("identity injection failed", "tool", name, "error", err)
			return observe(onEvent, name, (&tools.ErrLoginRequired{Tool: name}).Error())
		}
		dispatchArgs = inv.Args
	}

	out, err := l.dispatch(ctx, tool, dispatchArgs)
	if err != nil {
		// A failure the tool itself reported is deterministic; only
		// transport-level failures are surfaced as unavailability.
		var failed *tools.ErrToolFailed
		if errors.As(err, &failed) {
			logger.Info("tool reported failure", "tool", name, "error", err)
			return observe(onEvent, name, "tool error: "+failed.Error())
		}
		unavailable := &tools.ErrToolUnavailable{Tool: name, Err: err}
		logger.Warn("tool dispatch failed", "tool", name, "error", err)
		return observe(onEvent, name, "tool error: "+unavailable.Error())
	}

	l.noteExpenseMutation(ctx, sess, name, args, out)
	return observe(onEvent, name, out)
}

// dispatch runs the tool handler under the per-call timeout, retrying
// exactly once on failure. No backoff: either the server answers the
// second attempt or the failure is surfaced.
func (l *Loop) dispatch(ctx context.Context, tool *tools.Tool, args map[string]any) (string, error) {
	out, err := l.dispatchOnce(ctx, tool, args)
	if err == nil {
		return out, nil
	}
	var failed *tools.ErrToolFailed
	if errors.As(err, &failed) {
		// The tool ran and answered; asking again yields the same answer.
		return "", err
	}
	if ctx.Err() != nil {
		// The turn itself was cancelled; a retry would race the next turn.
		return "", err
	}

	l.logger.Debug("retrying tool dispatch", "tool", tool.Name, "error", err)
	return l.dispatchOnce(ctx, tool, args)
}

func (l *Loop) dispatchOnce(ctx context.Context, tool *tools.Tool, args map[string]any) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	return tool.Handler(callCtx, args)
}

// reconcileInsert gathers this session's recent expense records and
// asks the resolver whether the proposal is a correction.
func (l *Loop) reconcileInsert(sess *session.Session, utterance string, args map[string]any) reconcile.Directive {
	proposal := reconcile.Proposal{
		Category:    stringArg(args, "category"),
		Amount:      floatArg(args, "amount"),
		Description: stringArg(args, "description"),
	}

	recent := sess.Recent(l.resolver.Window(), time.Now())
	candidates := make([]reconcile.Candidate, len(recent))
	for i, re := range recent {
		candidates[i] = reconcile.Candidate{
			RecordID:    re.RecordID,
			Category:    re.Category,
			Amount:      re.Amount,
			Description: re.Description,
			CreatedAt:   re.CreatedAt,
		}
	}

	return l.resolver.Resolve(proposal, utterance, candidates)
}

// noteExpenseMutation keeps the session's reconciliation candidates in
// step with successful inserts and updates. The candidate's fields come
// from the dispatched arguments; only the record id has to be learned
// from the server.
func (l *Loop) noteExpenseMutation(ctx context.Context, sess *session.Session, name string, args map[string]any, out string) {
	switch name {
	case insertTool:
		id := l.learnRecordID(ctx, sess, out)
		if id == "" {
			l.logger.Debug("no record id learned for insert; correction targeting disabled for it")
			return
		}
		sess.RecordExpense(session.RecentExpense{
			RecordID:    id,
			Category:    stringArg(args, "category"),
			Amount:      floatArg(args, "amount"),
			Description: stringArg(args, "description"),
			CreatedAt:   time.Now(),
		})
	case updateTool:
		id := stringArg(args, recordField)
		if id == "" {
			return
		}
		sess.AmendExpense(id, floatArg(args, "amount"), stringArg(args, "category"), stringArg(args, "description"))
	}
}

// learnRecordID extracts the record id a successful insert produced.
// Structured servers return a JSON object carrying the id; text servers
// echo it as a "[#abc123]" marker. Failing both, a bounded lookup
// through the listing tool recovers the newest record's id.
func (l *Loop) learnRecordID(ctx context.Context, sess *session.Session, out string) string {
	if payload := parsePayload(out); payload != nil {
		if id, _ := payload[recordField].(string); id != "" {
			return id
		}
	}
	if id := firstRecordID(out); id != "" {
		return id
	}
	return l.lookupRecordID(ctx, sess)
}

// lookupRecordID asks the expense server for the newest record and
// reads its id marker. Best-effort: one attempt, and any failure just
// leaves the insert without a correction target.
func (l *Loop) lookupRecordID(ctx context.Context, sess *session.Session) string {
	tool := l.catalog.Get(lookupTool)
	if tool == nil {
		return ""
	}

	args := map[string]any{"limit": 1}
	if tool.Access == tools.AccessAuthenticated {
		inv, err := sess.Identity().Inject(lookupTool, args)
		if err != nil {
			return ""
		}
		args = inv.Args
	}

	out, err := l.dispatchOnce(ctx, tool, args)
	if err != nil {
		l.logger.Debug("record id lookup failed", "error", err)
		return ""
	}
	return firstRecordID(out)
}

// recordIDPattern matches the "[#abc123]" id markers the expense server
// prints in its listings.
var recordIDPattern = regexp.MustCompile(`\[#([0-9A-Za-z_-]+)\]`)

// firstRecordID returns the first "[#id]" marker in a tool result, or
// "" when none is present.
func firstRecordID(out string) string {
	m := recordIDPattern.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return m[1]
}

// rewriteAsUpdate turns insert arguments into update arguments
// targeting the given record.
func rewriteAsUpdate(args map[string]any, recordID string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[recordField] = recordID
	return out
}

// parsePayload decodes a tool result as a JSON object, or returns nil
// for plain-text results.
func parsePayload(out string) map[string]any {
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil
	}
	return m
}

func observe(fn EventFunc, tool, text string) string {
	emit(fn, Event{Kind: EventToolDone, Tool: tool, Observation: text})
	return text
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
