package pushserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/petal-labs/mcpchain/transport"
)

const mockProtocolVersion = "2025-06-18"

// MockTool answers one tools/call on the mock server.
type MockTool func(ctx context.Context, server string, args map[string]any) (any, error)

// MockMCP returns a ToolFunc that speaks enough MCP for a client session:
// initialize, tools/list, and tools/call. Calls to tools not in tools fall
// back to an echo of the arguments.
func MockMCP(tools map[string]MockTool, now func() time.Time) ToolFunc {
	if now == nil {
		now = time.Now
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(ctx context.Context, server string, request transport.Message) (any, error) {
		switch request.Method {
		case "initialize":
			return map[string]any{
				"protocolVersion": mockProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": server + "-mock"},
			}, nil
		case "tools/list":
			listed := make([]map[string]any, 0, len(names)+1)
			listed = append(listed, map[string]any{"name": "echo", "description": "Returns its arguments"})
			for _, name := range names {
				listed = append(listed, map[string]any{"name": name})
			}
			return map[string]any{"tools": listed}, nil
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if len(request.Params) > 0 {
				if err := json.Unmarshal(request.Params, &params); err != nil {
					return nil, &transport.RPCError{Code: -32602, Message: "invalid params: " + err.Error()}
				}
			}
			if tool, ok := tools[params.Name]; ok {
				value, err := tool(ctx, server, params.Arguments)
				if err != nil {
					return map[string]any{
						"content": []map[string]any{{"type": "text", "text": err.Error()}},
						"isError": true,
					}, nil
				}
				return map[string]any{"structuredContent": map[string]any{"result": value}}, nil
			}
			return map[string]any{
				"structuredContent": map[string]any{
					"server":    server,
					"tool":      params.Name,
					"arguments": params.Arguments,
					"message":   "Mock response from " + server,
					"timestamp": now().UTC().Format(time.RFC3339Nano),
				},
			}, nil
		default:
			return nil, &transport.RPCError{Code: -32601, Message: fmt.Sprintf("method %q not found", request.Method)}
		}
	}
}
