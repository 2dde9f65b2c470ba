package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatcore/model"
)

// BuildInstructions creates the system block that tells the model which
// tools exist and how to invoke them. It returns "" when specs is empty.
func BuildInstructions(specs []model.ToolSpec) string {
	if len(specs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("TOOLS:\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s (server %s)", s.Name, s.ServerID)
		if s.Description != "" {
			b.WriteString(": " + s.Description)
		}
		if props := schemaProperties(s.InputSchema); props != "" {
			b.WriteString(" params " + props)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nTo call a tool, reply with:\n")
	b.WriteString(`<tool_call name="TOOL" server="SERVER">{"param": "value"}</tool_call>`)
	b.WriteString("\n\nIf you don't know something → use a tool.\n")
	b.WriteString("Otherwise → answer directly.\n")
	b.WriteString("Don't tell the user how you will use a tool. Just emit the tool call.")
	return b.String()
}

func schemaProperties(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}
