package toolcall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatcore/model"
)

// ErrUnknownAction is returned when no handler is registered for a key.
var ErrUnknownAction = errors.New("unknown action")

// ActionKey identifies a handler by the provider that owns it and the
// action name. It replaces "provider:action" string routing.
type ActionKey struct {
	ProviderID string
	ActionID   string
}

func (k ActionKey) String() string {
	return k.ProviderID + "/" + k.ActionID
}

// Handler runs an action with already-validated parameters.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Action is a registered in-process tool.
type Action struct {
	Key         ActionKey
	Description string
	Schema      map[string]any
	Handler     Handler
}

// Registry maps action keys to handlers. Lookups are resolved at
// registration time; it also serves as a model.ToolProvider where the
// provider id plays the role of the server id.
type Registry struct {
	mu      sync.RWMutex
	actions map[ActionKey]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[ActionKey]Action)}
}

// Register adds an action. Keys must be unique.
func (r *Registry) Register(a Action) error {
	if a.Key.ProviderID == "" || a.Key.ActionID == "" {
		return fmt.Errorf("action key %q is incomplete", a.Key)
	}
	if a.Handler == nil {
		return fmt.Errorf("action %s has no handler", a.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.Key]; ok {
		return fmt.Errorf("action %s already registered", a.Key)
	}
	r.actions[a.Key] = a
	return nil
}

func (r *Registry) Lookup(key ActionKey) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key]
	return a, ok
}

// Providers lists the distinct provider ids with registered actions.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for k := range r.actions {
		if !seen[k.ProviderID] {
			seen[k.ProviderID] = true
			out = append(out, k.ProviderID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Discover(_ context.Context, serverID string) ([]model.ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []model.ToolSpec
	for k, a := range r.actions {
		if k.ProviderID != serverID {
			continue
		}
		specs = append(specs, model.ToolSpec{
			ServerID:    serverID,
			Name:        k.ActionID,
			Description: a.Description,
			InputSchema: a.Schema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

func (r *Registry) Execute(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error) {
	key := ActionKey{ProviderID: serverID, ActionID: toolName}
	a, ok := r.Lookup(key)
	if !ok {
		return model.ExecutionResult{}, fmt.Errorf("%w: %s", ErrUnknownAction, key)
	}

	start := time.Now()
	result, err := a.Handler(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return model.ExecutionResult{Success: false, ErrorMessage: err.Error(), ExecutionTime: elapsed}, nil
	}
	return model.ExecutionResult{Success: true, Result: result, ExecutionTime: elapsed}, nil
}
