package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/model"
)

// MockToolProvider implements model.ToolProvider for testing
type MockToolProvider struct {
	DiscoverFunc func(ctx context.Context, serverID string) ([]model.ToolSpec, error)
	ExecuteFunc  func(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error)

	calls atomic.Int64
}

// NewMockToolProvider creates a mock whose tools all succeed and echo
// their parameters back as the result.
func NewMockToolProvider() *MockToolProvider {
	m := &MockToolProvider{}
	m.DiscoverFunc = func(ctx context.Context, serverID string) ([]model.ToolSpec, error) {
		return TestToolSpecs(serverID), nil
	}
	m.ExecuteFunc = func(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error) {
		return model.ExecutionResult{Success: true, Result: params, ExecutionTime: time.Millisecond}, nil
	}
	return m
}

func (m *MockToolProvider) Discover(ctx context.Context, serverID string) ([]model.ToolSpec, error) {
	return m.DiscoverFunc(ctx, serverID)
}

func (m *MockToolProvider) Execute(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error) {
	m.calls.Add(1)
	return m.ExecuteFunc(ctx, serverID, toolName, params)
}

// ExecuteCount reports how many times Execute was called.
func (m *MockToolProvider) ExecuteCount() int {
	return int(m.calls.Load())
}

// MemorySources serves attachments from maps. An id listed in Fail
// returns an error instead.
type MemorySources struct {
	Knowledge map[string][]string
	Notes     map[string]model.Note
	Files     map[string]model.FileInfo
	Messages  map[string][]model.Message
	Fail      map[string]bool

	mu      sync.Mutex
	fetched []string
}

func NewMemorySources() *MemorySources {
	return &MemorySources{
		Knowledge: make(map[string][]string),
		Notes:     make(map[string]model.Note),
		Files:     make(map[string]model.FileInfo),
		Messages:  make(map[string][]model.Message),
		Fail:      make(map[string]bool),
	}
}

func (s *MemorySources) record(id string) error {
	s.mu.Lock()
	s.fetched = append(s.fetched, id)
	s.mu.Unlock()
	if s.Fail[id] {
		return fmt.Errorf("fetch %s: simulated failure", id)
	}
	return nil
}

// Fetched lists every id requested, in no particular order.
func (s *MemorySources) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

func (s *MemorySources) GetKnowledgeChunks(ctx context.Context, documentID string) ([]string, error) {
	if err := s.record(documentID); err != nil {
		return nil, err
	}
	return s.Knowledge[documentID], nil
}

func (s *MemorySources) GetNotesByIDs(ctx context.Context, ids []string) ([]model.Note, error) {
	var notes []model.Note
	for _, id := range ids {
		if err := s.record(id); err != nil {
			return nil, err
		}
		if n, ok := s.Notes[id]; ok {
			notes = append(notes, n)
		}
	}
	return notes, nil
}

func (s *MemorySources) GetFile(ctx context.Context, workspaceID, fileID string) (model.FileInfo, error) {
	if err := s.record(fileID); err != nil {
		return model.FileInfo{}, err
	}
	f, ok := s.Files[fileID]
	if !ok {
		return model.FileInfo{}, fmt.Errorf("file %s not found", fileID)
	}
	return f, nil
}

func (s *MemorySources) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := s.record(conversationID); err != nil {
		return nil, err
	}
	return s.Messages[conversationID], nil
}
