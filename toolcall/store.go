package toolcall

import (
	"fmt"
	"sync"

	"chatcore/model"
)

// Store holds the tool calls of one conversation keyed by id. Updates are
// merged by id under a mutex so concurrent executions never overwrite each
// other's state.
type Store struct {
	mu    sync.Mutex
	calls map[string]*model.ToolCall
	order []string
}

func NewStore() *Store {
	return &Store{calls: make(map[string]*model.ToolCall)}
}

// Add inserts a new call. Adding an id twice is an error.
func (s *Store) Add(call model.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; ok {
		return fmt.Errorf("tool call %s already exists", call.ID)
	}
	c := call.Clone()
	s.calls[call.ID] = &c
	s.order = append(s.order, call.ID)
	return nil
}

// Update applies fn to the stored call and returns a snapshot of the
// result. fn runs under the store lock and must not call back into the
// store.
func (s *Store) Update(id string, fn func(*model.ToolCall) error) (model.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return model.ToolCall{}, fmt.Errorf("tool call %s not found", id)
	}
	working := c.Clone()
	if err := fn(&working); err != nil {
		return c.Clone(), err
	}
	*c = working
	return working.Clone(), nil
}

func (s *Store) Get(id string) (model.ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return model.ToolCall{}, false
	}
	return c.Clone(), true
}

// List returns snapshots in insertion order.
func (s *Store) List() []model.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ToolCall, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.calls[id].Clone())
	}
	return out
}

// Pending returns calls waiting for an approve or decline decision.
func (s *Store) Pending() []model.ToolCall {
	var out []model.ToolCall
	for _, c := range s.List() {
		if c.Status == model.ToolAwaitingApproval {
			out = append(out, c)
		}
	}
	return out
}
