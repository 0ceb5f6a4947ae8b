// Package tools defines the tool catalog available to the agent.
package tools

import (
	"context"
	"time"

	"github.com/manozpdel/pennywise/internal/identity"
)

// AccessLevel says who may invoke a tool.
type AccessLevel int

const (
	// AccessGuest marks read-only tools that carry no identity and are
	// callable without logging in.
	AccessGuest AccessLevel = iota

	// AccessAuthenticated marks tools that act on a user's records and
	// require an authenticated session.
	AccessAuthenticated
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Access      AccessLevel    `json:"-"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the available tools. It is populated at startup and
// read-shared afterwards; no mutation happens once the server is up.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a tool registry with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	// Guest-allowed: lets the planner resolve "this month" without a
	// server round-trip.
	r.Register(&Tool{
		Name:        "current_date",
		Description: "Get today's date, month, and year. Use this to resolve relative dates like 'this month' before calling summary or budget tools.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Access: AccessGuest,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			return now.Format("2006-01-02 (Monday, January 2006)"), nil
		},
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tool descriptions for the planner, in registration
// order. The schemas here are the model-visible view: reserved identity
// fields were already stripped when the tools were registered.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// AccessCheck verifies the identity may invoke the named tool. It runs
// before any dispatch attempt, so a guest session can never trigger an
// authenticated tool even transiently. Returns *ErrToolNotFound or
// *ErrLoginRequired.
func (r *Registry) AccessCheck(name string, ident identity.Identity) error {
	t := r.tools[name]
	if t == nil {
		return &ErrToolNotFound{Tool: name}
	}
	if t.Access == AccessAuthenticated && ident.IsGuest() {
		return &ErrLoginRequired{Tool: name}
	}
	return nil
}
