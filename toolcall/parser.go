// Package toolcall finds tool invocations in model output and gates their
// execution behind a per-tool permission policy.
package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"chatcore/config"

	"go.uber.org/zap"
)

// Parsed is one tool invocation found in model output.
type Parsed struct {
	ToolName   string
	ServerID   string
	Parameters map[string]any
}

var (
	// <tool_call name="x" server="s">{...}</tool_call>, (?s) lets the body span lines
	inlineRegex = regexp.MustCompile(`(?s)<tool_call(\s[^>]*)?>(.*?)</tool_call>`)
	attrRegex   = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	fencedRegex = regexp.MustCompile("(?s)```json[ \\t]*\\r?\\n(.*?)```")
)

// Parse scans finished assistant content for tool invocations.
//
// Inline <tool_call> elements are tried first and every occurrence is
// returned. Only when none are found is a fenced ```json block holding a
// "tool_calls" array considered, so inline markup that fails to decode
// does not fall through to the fenced form. Blocks with a missing name or parameters
// that are not a JSON object are skipped with a warning. Content without
// tool-call markup yields an empty slice.
func Parse(content string) []Parsed {
	log := config.Logger("toolcall")

	matches := inlineRegex.FindAllStringSubmatch(content, -1)
	if len(matches) > 0 {
		return parseInline(matches, log)
	}
	return parseFenced(content, log)
}

func parseInline(matches [][]string, log *zap.Logger) []Parsed {
	calls := []Parsed{}
	for _, m := range matches {
		attrs := parseAttributes(m[1])
		name := attrs["name"]
		if name == "" {
			log.Warn("Skipping tool_call without name attribute")
			continue
		}
		params, err := decodeParameters([]byte(strings.TrimSpace(m[2])))
		if err != nil {
			log.Warn("Skipping tool_call with invalid parameters",
				zap.String("tool", name), zap.Error(err))
			continue
		}
		calls = append(calls, Parsed{
			ToolName:   name,
			ServerID:   attrs["server"],
			Parameters: params,
		})
	}
	return calls
}

func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRegex.FindAllStringSubmatch(s, -1) {
		val := m[2]
		if val == "" {
			val = m[3]
		}
		attrs[strings.ToLower(m[1])] = val
	}
	return attrs
}

type fencedCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Server     string          `json:"server"`
	ServerID   string          `json:"serverId"`
	Parameters json.RawMessage `json:"parameters"`
	Arguments  json.RawMessage `json:"arguments"`
}

func parseFenced(content string, log *zap.Logger) []Parsed {
	calls := []Parsed{}
	for _, m := range fencedRegex.FindAllStringSubmatch(content, -1) {
		var block struct {
			ToolCalls []fencedCall `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(m[1]), &block); err != nil {
			log.Debug("Ignoring fenced json block", zap.Error(err))
			continue
		}
		for _, fc := range block.ToolCalls {
			name := firstNonEmpty(fc.Name, fc.Tool)
			if name == "" {
				log.Warn("Skipping fenced tool call without name")
				continue
			}
			raw := fc.Parameters
			if len(raw) == 0 {
				raw = fc.Arguments
			}
			params, err := decodeParameters(raw)
			if err != nil {
				log.Warn("Skipping fenced tool call with invalid parameters",
					zap.String("tool", name), zap.Error(err))
				continue
			}
			calls = append(calls, Parsed{
				ToolName:   name,
				ServerID:   firstNonEmpty(fc.Server, fc.ServerID),
				Parameters: params,
			})
		}
	}
	return calls
}

// decodeParameters accepts an empty body, a JSON object, or a JSON string
// holding an object (the OpenAI "arguments" convention).
func decodeParameters(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return decodeParameters([]byte(s))
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("parameters must be a JSON object")
	}
	return params, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// StripToolCalls removes inline tool-call elements from content for display.
func StripToolCalls(content string) string {
	return strings.TrimSpace(inlineRegex.ReplaceAllString(content, ""))
}
