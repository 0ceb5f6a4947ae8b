package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manozpdel/pennywise/internal/identity"
	"github.com/manozpdel/pennywise/internal/tools"
)

// BridgeTools discovers tools from the expense MCP server and registers
// them on the catalog. Two transformations happen here:
//
//   - The reserved identity field is stripped from each tool's input
//     schema before registration, so the planner never sees (and can
//     never set) user_id. The credential injector is the only writer of
//     that field, at dispatch time.
//   - Tools whose server-side schema carries the identity field are
//     registered as authenticated-only; identity-free tools remain
//     guest-callable.
//
// Tool names are kept as the server declares them — the catalog hosts a
// single tool server, so there is no collision to namespace around.
//
// BridgeTools returns the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expense tools: %w", err)
	}

	count := 0
	for _, td := range defs {
		schema, identityBearing := stripIdentityField(td.InputSchema)

		access := tools.AccessGuest
		if identityBearing {
			access = tools.AccessAuthenticated
		}

		registry.Register(bridgeTool(client, td, schema, access))
		count++

		logger.Debug("bridged MCP tool",
			"tool", td.Name,
			"authenticated_only", identityBearing,
		)
	}

	return count, nil
}

// bridgeTool creates a catalog tool that proxies calls to the MCP server.
// The handler receives arguments that already passed validation and, for
// authenticated tools, identity injection. A server-side tool failure
// (isError result) becomes a typed ErrToolFailed so the loop can tell a
// deterministic failure from a transport outage.
func bridgeTool(client *Client, td ToolDefinition, schema map[string]any, access tools.AccessLevel) *tools.Tool {
	name := td.Name

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  schema,
		Access:      access,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := client.CallTool(ctx, name, args)
			if err != nil {
				var te *ToolError
				if errors.As(err, &te) {
					return "", &tools.ErrToolFailed{Tool: name, Msg: te.Message}
				}
				return "", err
			}
			return out, nil
		},
	}
}

// stripIdentityField returns a copy of the schema without the reserved
// identity property, and reports whether the property was present. The
// original schema is left untouched; the server still validates the
// injected value on its side.
func stripIdentityField(schema map[string]any) (map[string]any, bool) {
	properties, _ := schema["properties"].(map[string]any)
	if _, present := properties[identity.ReservedUserKey]; !present {
		return schema, false
	}

	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	props := make(map[string]any, len(properties))
	for k, v := range properties {
		if k == identity.ReservedUserKey {
			continue
		}
		props[k] = v
	}
	out["properties"] = props

	// Drop the field from the required list as well.
	var required []string
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			if r != identity.ReservedUserKey {
				required = append(required, r)
			}
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok && s != identity.ReservedUserKey {
				required = append(required, s)
			}
		}
	}
	if required != nil {
		out["required"] = required
	} else {
		delete(out, "required")
	}

	return out, true
}
