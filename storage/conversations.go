package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chatcore/model"
)

// Conversation is one chat thread held in memory.
type Conversation struct {
	ID          string
	WorkspaceID string
	Name        string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Messages    []model.Message
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = model.CloneMessages(c.Messages)
	return out
}

// ConversationStore keeps conversations keyed by id. A conversation is
// created on first use and lives until Delete or Reset. Readers always get
// copies. It implements model.MessageSource.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string]*Conversation)}
}

// Ensure returns the conversation, creating it if needed.
func (s *ConversationStore) Ensure(id, workspaceID string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id, workspaceID).clone()
}

func (s *ConversationStore) ensureLocked(id, workspaceID string) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		c = &Conversation{ID: id, WorkspaceID: workspaceID, CreatedAt: now, UpdatedAt: now}
		s.conversations[id] = c
	}
	return c
}

// Get returns a copy of the conversation.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns a copy of the conversation's messages.
func (s *ConversationStore) Messages(id string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return model.CloneMessages(c.Messages)
}

// GetMessages implements model.MessageSource.
func (s *ConversationStore) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return model.CloneMessages(c.Messages), nil
}

// Append adds a message, creating the conversation if needed. The first
// user message names the conversation.
func (s *ConversationStore) Append(id string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureLocked(id, "")
	c.Messages = append(c.Messages, msg.Clone())
	c.UpdatedAt = time.Now()
	if c.Name == "" && msg.Role == model.RoleUser {
		c.Name = GenerateConversationName(msg.Content)
	}
}

// UpdateMessage applies fn to the message with msgID and returns a copy of
// the result.
func (s *ConversationStore) UpdateMessage(id, msgID string, fn func(*model.Message)) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Message{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	for i := range c.Messages {
		if c.Messages[i].ID == msgID {
			fn(&c.Messages[i])
			c.UpdatedAt = time.Now()
			return c.Messages[i].Clone(), nil
		}
	}
	return model.Message{}, fmt.Errorf("message %s: %w", msgID, ErrNotFound)
}

// SetModel records the model last used in the conversation.
func (s *ConversationStore) SetModel(id, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(id, "").Model = modelName
}

// Delete evicts one conversation.
func (s *ConversationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	return ok
}

// Reset evicts every conversation.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation)
}

// List returns conversation copies, most recently updated first.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// GenerateConversationName generates a name from the first user message
func GenerateConversationName(firstMessage string) string {
	name := strings.Join(strings.Fields(firstMessage), " ")
	if r := []rune(name); len(r) > 30 {
		name = string(r[:30]) + "..."
	}
	if name == "" {
		return fmt.Sprintf("Conversation %s", time.Now().Format("Jan 2, 3:04 PM"))
	}
	return name
}
