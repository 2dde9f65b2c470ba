package model

import (
	"context"
	"time"
)

// ToolSpec describes one tool a provider can run.
//
// InputSchema is a JSON Schema document (draft 2020-12) describing the
// parameters object. A nil schema accepts any object.
type ToolSpec struct {
	ServerID    string         `json:"server_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ExecutionResult is what a ToolProvider reports after running a tool.
type ExecutionResult struct {
	Success       bool
	Result        any
	ErrorMessage  string
	ExecutionTime time.Duration
}

// ToolProvider discovers and executes tools.
//
// This interface is defined in the model package (not toolcall or mcp) so
// both the executor and the provider implementations can depend on it
// without importing each other.
type ToolProvider interface {
	// Discover lists the tools a server exposes.
	Discover(ctx context.Context, serverID string) ([]ToolSpec, error)

	// Execute runs a tool. A non-nil error means the call could not be
	// made at all; a tool that ran and failed returns Success=false.
	Execute(ctx context.Context, serverID, toolName string, params map[string]any) (ExecutionResult, error)
}

// Note is a workspace note attached to a message.
type Note struct {
	ID      string
	Title   string
	Content string
}

// FileInfo is a workspace file attached to a message. Content is empty
// for binary files; they are referenced by URL only.
type FileInfo struct {
	ID      string
	Name    string
	Type    string
	Size    int64
	URL     string
	Content string
}

// KnowledgeSource returns the text chunks of a knowledge document.
type KnowledgeSource interface {
	GetKnowledgeChunks(ctx context.Context, documentID string) ([]string, error)
}

// NoteSource returns notes by id.
type NoteSource interface {
	GetNotesByIDs(ctx context.Context, ids []string) ([]Note, error)
}

// FileSource returns a workspace file.
type FileSource interface {
	GetFile(ctx context.Context, workspaceID, fileID string) (FileInfo, error)
}

// MessageSource returns the messages of another conversation.
type MessageSource interface {
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
}
