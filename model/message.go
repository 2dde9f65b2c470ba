package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three roles the completion endpoint accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AttachmentKind tags what an attachment references.
type AttachmentKind string

const (
	AttachmentKnowledge    AttachmentKind = "knowledge"
	AttachmentNote         AttachmentKind = "note"
	AttachmentFile         AttachmentKind = "file"
	AttachmentConversation AttachmentKind = "conversation"
	AttachmentWebpage      AttachmentKind = "webpage"
)

// Attachment records a source that contributed context to a user message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Ref  string         `json:"ref"`
	Name string         `json:"name,omitempty"`
}

// Feedback is the user's rating of an assistant message.
type Feedback struct {
	Positive bool   `json:"positive"`
	Comment  string `json:"comment,omitempty"`
}

// Message is one entry of a conversation.
//
// Assistant messages are created by the streaming client on the first
// non-empty delta and mutated in place until the stream completes or is
// cancelled. After that they are treated as immutable.
type Message struct {
	ID                string         `json:"id"`
	Role              Role           `json:"role"`
	Content           string         `json:"content"`
	Timestamp         time.Time      `json:"timestamp"`
	Model             string         `json:"model,omitempty"`
	TokenCount        int            `json:"token_count,omitempty"`
	Cost              float64        `json:"cost,omitempty"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	StructuredContent map[string]any `json:"structured_content,omitempty"`
	Feedback          *Feedback      `json:"feedback,omitempty"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Clone returns a copy that shares no slices or maps with m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.StructuredContent != nil {
		out.StructuredContent = make(map[string]any, len(m.StructuredContent))
		for k, v := range m.StructuredContent {
			out.StructuredContent[k] = v
		}
	}
	if m.Feedback != nil {
		fb := *m.Feedback
		out.Feedback = &fb
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
