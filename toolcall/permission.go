package toolcall

import (
	"chatcore/config"
	"chatcore/model"
)

// Permissions is the permission table consulted when a call is created.
// Rules are keyed "server/tool" or "server/*".
type Permissions struct {
	Default model.Permission
	Rules   map[string]model.Permission
}

// PermissionsFromConfig builds the table from the [tools] config section.
func PermissionsFromConfig(c config.ToolsConfig) Permissions {
	p := Permissions{
		Default: model.ParsePermission(c.DefaultPermission),
		Rules:   make(map[string]model.Permission, len(c.Permissions)),
	}
	for key, val := range c.Permissions {
		p.Rules[key] = model.ParsePermission(val)
	}
	return p
}

// ResolvePermission picks the policy for a tool: an exact "server/tool"
// rule, then the "server/*" wildcard, then the table default, then ask.
func ResolvePermission(p Permissions, serverID, toolName string) model.Permission {
	if perm, ok := p.Rules[serverID+"/"+toolName]; ok {
		return perm
	}
	if perm, ok := p.Rules[serverID+"/*"]; ok {
		return perm
	}
	if p.Default != "" {
		return p.Default
	}
	return model.PermissionAsk
}
