package llm

import "context"

// Client is the planning capability: given conversation state and tool
// descriptions it proposes either a final answer or tool calls. Any
// implementation honoring this contract is substitutable — the
// orchestrator places no constraint on its internals.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
