package model

import (
	"fmt"
	"time"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolPending          ToolStatus = "pending"
	ToolAwaitingApproval ToolStatus = "awaiting_approval"
	ToolRunning          ToolStatus = "running"
	ToolCompleted        ToolStatus = "completed"
	ToolFailed           ToolStatus = "failed"
	ToolDeclined         ToolStatus = "declined"
)

// Terminal reports whether no further transition is possible from s.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed || s == ToolDeclined
}

// Permission is the policy that gates a tool before it runs.
type Permission string

const (
	PermissionNever  Permission = "never"
	PermissionAsk    Permission = "ask"
	PermissionAlways Permission = "always"
)

// ParsePermission maps a config string to a Permission. Unknown values
// fall back to ask.
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionNever, PermissionAlways:
		return Permission(s)
	}
	return PermissionAsk
}

// transitions lists every legal status change. Approve is the only edge
// that moves backwards (awaiting_approval -> pending).
var transitions = map[ToolStatus][]ToolStatus{
	ToolPending:          {ToolRunning, ToolFailed},
	ToolAwaitingApproval: {ToolPending, ToolDeclined},
	ToolRunning:          {ToolCompleted, ToolFailed},
}

// CanTransition reports whether a call may move from one status to another.
func CanTransition(from, to ToolStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID          string         `json:"id"`
	ServerID    string         `json:"server_id"`
	ToolName    string         `json:"tool_name"`
	Parameters  map[string]any `json:"parameters"`
	Status      ToolStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Permission  Permission     `json:"permission"`
}

// Key is the "server/tool" form used by the permission table.
func (c ToolCall) Key() string {
	return c.ServerID + "/" + c.ToolName
}

// Transition moves the call to a new status, stamping CompletedAt on
// terminal states.
func (c *ToolCall) Transition(to ToolStatus) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("tool call %s: illegal transition %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	if to.Terminal() {
		now := time.Now()
		c.CompletedAt = &now
	}
	return nil
}

// Clone returns a copy whose parameter map is not shared.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
