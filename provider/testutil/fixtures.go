package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/model"
)

// TestMessages returns a sample conversation for testing
func TestMessages() []model.Message {
	return []model.Message{
		model.NewMessage(model.RoleUser, "Hello, how are you?"),
		model.NewMessage(model.RoleAssistant, "I'm doing well, thank you!"),
		model.NewMessage(model.RoleUser, "Can you help me with a task?"),
	}
}

// TestToolSpecs returns sample tools for serverID
func TestToolSpecs(serverID string) []model.ToolSpec {
	return []model.ToolSpec{
		{
			ServerID:    serverID,
			Name:        "get_weather",
			Description: "Get the current weather for a location",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "The city and state, e.g. San Francisco, CA",
					},
				},
				"required": []any{"location"},
			},
		},
		{
			ServerID:    serverID,
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{"type": "string"},
				},
				"required": []any{"expression"},
			},
		},
	}
}

// ContentChunk is an SSE payload carrying one content delta.
func ContentChunk(content string) string {
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{"content": content},
			"finish_reason": nil,
		}},
	})
	return string(data)
}

// UsageChunk is a final SSE payload reporting token usage.
func UsageChunk(prompt, completion int) string {
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   "test-model",
		"choices": []any{},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
	return string(data)
}

// SSEResponse writes each payload as a data frame, then [DONE] unless
// omitDone is set.
func SSEResponse(w http.ResponseWriter, payloads []string, omitDone bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if !omitDone {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// CountingServer starts an httptest server and counts requests.
type CountingServer struct {
	*httptest.Server
	requests atomic.Int64
}

func (s *CountingServer) Requests() int {
	return int(s.requests.Load())
}

// NewCountingServer wraps handler with a request counter and closes the
// server when the test ends.
func NewCountingServer(t *testing.T, handler http.HandlerFunc) *CountingServer {
	t.Helper()
	s := &CountingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// FastRetry is a retry policy with delays short enough for tests.
func FastRetry() model.RetryPolicy {
	return model.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: time.Millisecond}
}
