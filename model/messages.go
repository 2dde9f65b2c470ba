package model

// EventKind identifies what changed in a conversation.
type EventKind string

const (
	EventMessageCreated     EventKind = "message_created"
	EventMessageDelta       EventKind = "message_delta"
	EventStreamCompleted    EventKind = "stream_completed"
	EventStreamFailed       EventKind = "stream_failed"
	EventStreamInterrupted  EventKind = "stream_interrupted"
	EventStreamCancelled    EventKind = "stream_cancelled"
	EventRetrying           EventKind = "retrying"
	EventCompressionApplied EventKind = "compression_applied"
	EventToolCallUpdated    EventKind = "tool_call_updated"
	EventConversationClear  EventKind = "conversation_cleared"
)

// Event is a snapshot published to orchestrator subscribers. Pointer
// fields are copies; mutating them does not affect conversation state.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        *Message
	Delta          string
	ToolCall       *ToolCall
	Compression    *CompressionResult
	Attempt        int
	Err            error
	// Explanation accompanies EventStreamFailed.
	Explanation string
}
