package provider

import (
	"chatcore/model"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// toWireMessages converts messages to the role/content pairs the endpoint
// accepts. Messages with an unknown role are dropped.
func toWireMessages(messages []model.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if !m.Role.Valid() {
			continue
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// BundleMessages flattens a context bundle into the payload order: system
// content first, then the bundle's messages.
func BundleMessages(b model.ContextBundle) []model.Message {
	out := make([]model.Message, 0, len(b.Messages)+1)
	if b.SystemContent != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Content: b.SystemContent})
	}
	for _, m := range b.Messages {
		if m.Role == model.RoleSystem && b.SystemContent != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ContinuePrompt asks the model to resume a truncated reply.
const ContinuePrompt = "Continue exactly where you left off. Do not repeat any text you have already written and do not add a preamble."

// ContinuationMessages appends the continuation directive to history, which
// must end with the assistant message being continued.
func ContinuationMessages(history []model.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+1)
	out = append(out, history...)
	return append(out, model.Message{Role: model.RoleUser, Content: ContinuePrompt})
}
