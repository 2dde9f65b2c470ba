package mcp

import (
	"encoding/json"
	"strings"

	"chatcore/model"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// ToolSpecsFromMCP converts the tools of one server.
func ToolSpecsFromMCP(serverID string, tools []mcptypes.Tool) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, ToolSpecFromMCP(serverID, t))
	}
	return specs
}

// ToolSpecFromMCP converts an MCP tool into a ToolSpec. RawInputSchema wins
// over InputSchema when both are set.
//
// MCP Tool structure:
//
//	{
//	  "name": "get_weather",
//	  "description": "Get weather data",
//	  "inputSchema": {
//	    "type": "object",
//	    "properties": {...},
//	    "required": [...]
//	  }
//	}
func ToolSpecFromMCP(serverID string, tool mcptypes.Tool) model.ToolSpec {
	return model.ToolSpec{
		ServerID:    serverID,
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: inputSchemaToMap(tool),
	}
}

func inputSchemaToMap(tool mcptypes.Tool) map[string]any {
	if len(tool.RawInputSchema) > 0 {
		var m map[string]any
		if err := json.Unmarshal(tool.RawInputSchema, &m); err == nil {
			return m
		}
	}

	in := tool.InputSchema
	schema := map[string]any{"type": "object"}
	if in.Type != "" {
		schema["type"] = in.Type
	}
	if len(in.Properties) > 0 {
		schema["properties"] = normalize(in.Properties)
	}
	if len(in.Required) > 0 {
		required := make([]any, len(in.Required))
		for i, r := range in.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	if in.Defs != nil {
		schema["$defs"] = normalize(in.Defs)
	}
	return schema
}

// normalize round-trips v through JSON so nested values have the plain
// map[string]any / []any shapes a schema validator expects.
func normalize(v map[string]any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// ResultFromMCP converts a tool call result. Structured content is
// preferred as the result value; otherwise text content is joined.
func ResultFromMCP(res *mcptypes.CallToolResult) model.ExecutionResult {
	if res == nil {
		return model.ExecutionResult{Success: false, ErrorMessage: "empty tool result"}
	}
	text := textOf(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return model.ExecutionResult{Success: false, ErrorMessage: text}
	}
	if res.StructuredContent != nil {
		return model.ExecutionResult{Success: true, Result: res.StructuredContent}
	}
	return model.ExecutionResult{Success: true, Result: text}
}

func textOf(content []mcptypes.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcptypes.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
