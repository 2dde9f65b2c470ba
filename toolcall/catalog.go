package toolcall

import (
	"sort"
	"sync"

	"chatcore/model"
)

// Catalog remembers the tools discovered on each server so calls can be
// validated against their declared schema.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]map[string]model.ToolSpec
}

func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]map[string]model.ToolSpec)}
}

// Set replaces everything known about serverID.
func (c *Catalog) Set(serverID string, specs []model.ToolSpec) {
	byName := make(map[string]model.ToolSpec, len(specs))
	for _, s := range specs {
		s.ServerID = serverID
		byName[s.Name] = s
	}
	c.mu.Lock()
	c.specs[serverID] = byName
	c.mu.Unlock()
}

func (c *Catalog) Lookup(serverID, toolName string) (model.ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[serverID][toolName]
	return s, ok
}

// ServerFor finds the server exposing toolName when exactly one does.
func (c *Catalog) ServerFor(toolName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	found := ""
	for serverID, tools := range c.specs {
		if _, ok := tools[toolName]; ok {
			if found != "" {
				return "", false
			}
			found = serverID
		}
	}
	return found, found != ""
}

// All returns every known tool ordered by server then name.
func (c *Catalog) All() []model.ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.ToolSpec
	for _, tools := range c.specs {
		for _, s := range tools {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
