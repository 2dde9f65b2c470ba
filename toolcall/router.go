package toolcall

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatcore/model"
)

// Router dispatches to the ToolProvider mounted for each server id, so MCP
// servers and in-process actions can sit behind one provider.
type Router struct {
	mu        sync.RWMutex
	providers map[string]model.ToolProvider
}

func NewRouter() *Router {
	return &Router{providers: make(map[string]model.ToolProvider)}
}

// Mount serves serverID from p, replacing any earlier mount.
func (r *Router) Mount(serverID string, p model.ToolProvider) {
	r.mu.Lock()
	r.providers[serverID] = p
	r.mu.Unlock()
}

// MountRegistry mounts reg under each of its provider ids.
func (r *Router) MountRegistry(reg *Registry) {
	for _, id := range reg.Providers() {
		r.Mount(id, reg)
	}
}

func (r *Router) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(serverID string) (model.ToolProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[serverID]
	if !ok {
		return nil, fmt.Errorf("no tool server %q", serverID)
	}
	return p, nil
}

func (r *Router) Discover(ctx context.Context, serverID string) ([]model.ToolSpec, error) {
	p, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return p.Discover(ctx, serverID)
}

func (r *Router) Execute(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error) {
	p, err := r.lookup(serverID)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	return p.Execute(ctx, serverID, toolName, params)
}
