package toolcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcore/config"
	"chatcore/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxParallelTools bounds how many calls from one turn run at once.
const maxParallelTools = 4

// ExecutorOptions wires an Executor.
type ExecutorOptions struct {
	Provider    model.ToolProvider
	Permissions Permissions
	// Catalog supplies schemas for validation and resolves calls that
	// omit a server. Optional.
	Catalog *Catalog
	// Store receives every call. A fresh store is created when nil.
	Store *Store
	// OnUpdate is called with a snapshot after every state change.
	OnUpdate func(model.ToolCall)
}

// Executor drives tool calls through the permission gate:
//
//	never  -> declined
//	always -> pending -> running -> completed | failed
//	ask    -> awaiting_approval -> (Approve) pending -> running -> ...
//	                            -> (Decline) declined
type Executor struct {
	provider model.ToolProvider
	perms    Permissions
	catalog  *Catalog
	store    *Store
	onUpdate func(model.ToolCall)
	log      *zap.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}
	return &Executor{
		provider: opts.Provider,
		perms:    opts.Permissions,
		catalog:  opts.Catalog,
		store:    opts.Store,
		onUpdate: opts.OnUpdate,
		log:      config.Logger("executor"),
	}
}

func (e *Executor) Store() *Store { return e.store }

func (e *Executor) emit(c model.ToolCall) {
	if e.onUpdate != nil {
		e.onUpdate(c)
	}
}

// Create registers a call in the state its permission dictates without
// running it. The permission is resolved here, once.
func (e *Executor) Create(p Parsed) (model.ToolCall, error) {
	serverID := p.ServerID
	if serverID == "" {
		if s, ok := e.catalog.ServerFor(p.ToolName); ok {
			serverID = s
		}
	}

	perm := ResolvePermission(e.perms, serverID, p.ToolName)
	call := model.ToolCall{
		ID:         uuid.NewString(),
		ServerID:   serverID,
		ToolName:   p.ToolName,
		Parameters: p.Parameters,
		StartedAt:  time.Now(),
		Permission: perm,
	}
	switch perm {
	case model.PermissionNever:
		now := call.StartedAt
		call.Status = model.ToolDeclined
		call.Error = "blocked by permission policy"
		call.CompletedAt = &now
	case model.PermissionAlways:
		call.Status = model.ToolPending
	default:
		call.Status = model.ToolAwaitingApproval
	}

	if err := e.store.Add(call); err != nil {
		return model.ToolCall{}, err
	}
	e.log.Debug("Tool call created",
		zap.String("id", call.ID),
		zap.String("tool", call.Key()),
		zap.String("status", string(call.Status)))
	e.emit(call.Clone())
	return call, nil
}

// Submit creates a call for every parsed invocation and runs those whose
// permission is always. It returns once the automatic calls have
// finished; calls awaiting approval are left for Approve or Decline.
func (e *Executor) Submit(ctx context.Context, parsed []Parsed) ([]model.ToolCall, error) {
	var created, auto []string
	for _, p := range parsed {
		call, err := e.Create(p)
		if err != nil {
			return nil, err
		}
		created = append(created, call.ID)
		if call.Status == model.ToolPending {
			auto = append(auto, call.ID)
		}
	}

	if err := e.ExecuteAll(ctx, auto); err != nil {
		return nil, err
	}

	out := make([]model.ToolCall, 0, len(created))
	for _, id := range created {
		c, _ := e.store.Get(id)
		out = append(out, c)
	}
	return out, nil
}

// Approve moves an awaiting call back to pending and runs it.
func (e *Executor) Approve(ctx context.Context, id string) (model.ToolCall, error) {
	c, err := e.store.Update(id, func(c *model.ToolCall) error {
		if c.Status != model.ToolAwaitingApproval {
			return fmt.Errorf("tool call %s is %s, not awaiting approval", id, c.Status)
		}
		return c.Transition(model.ToolPending)
	})
	if err != nil {
		return c, err
	}
	e.emit(c)

	if err := e.run(ctx, id); err != nil {
		return model.ToolCall{}, err
	}
	c, _ = e.store.Get(id)
	return c, nil
}

// Decline terminates an awaiting call without running it.
func (e *Executor) Decline(id string) (model.ToolCall, error) {
	c, err := e.store.Update(id, func(c *model.ToolCall) error {
		if c.Status != model.ToolAwaitingApproval {
			return fmt.Errorf("tool call %s is %s, not awaiting approval", id, c.Status)
		}
		c.Error = "declined by user"
		return c.Transition(model.ToolDeclined)
	})
	if err != nil {
		return c, err
	}
	e.emit(c)
	return c, nil
}

// ExecuteAll runs pending calls concurrently. A failing tool marks its own
// call failed and does not stop the others.
func (e *Executor) ExecuteAll(ctx context.Context, ids []string) error {
	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for _, id := range ids {
		g.Go(func() error {
			return e.run(ctx, id)
		})
	}
	return g.Wait()
}

func (e *Executor) fail(id string, msg string) error {
	c, err := e.store.Update(id, func(c *model.ToolCall) error {
		c.Error = msg
		return c.Transition(model.ToolFailed)
	})
	if err != nil {
		return err
	}
	e.emit(c)
	return nil
}

// run takes a pending call through validation and execution.
func (e *Executor) run(ctx context.Context, id string) error {
	call, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("tool call %s not found", id)
	}
	if call.Status != model.ToolPending {
		return fmt.Errorf("tool call %s is %s, not pending", id, call.Status)
	}

	if spec, ok := e.catalog.Lookup(call.ServerID, call.ToolName); ok {
		if err := ValidateParameters(spec.InputSchema, call.Parameters); err != nil {
			e.log.Warn("Tool parameters rejected", zap.String("tool", call.Key()), zap.Error(err))
			return e.fail(id, err.Error())
		}
	}
	if e.provider == nil {
		return e.fail(id, "no tool provider configured")
	}

	running, err := e.store.Update(id, func(c *model.ToolCall) error {
		return c.Transition(model.ToolRunning)
	})
	if err != nil {
		return err
	}
	e.emit(running)

	res, execErr := e.provider.Execute(ctx, call.ServerID, call.ToolName, call.Parameters)

	done, err := e.store.Update(id, func(c *model.ToolCall) error {
		switch {
		case execErr != nil:
			c.Error = execErr.Error()
			return c.Transition(model.ToolFailed)
		case !res.Success:
			c.Error = res.ErrorMessage
			if c.Error == "" {
				c.Error = "tool reported failure"
			}
			c.Result = res.Result
			return c.Transition(model.ToolFailed)
		default:
			c.Result = res.Result
			return c.Transition(model.ToolCompleted)
		}
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("id", id),
		zap.String("tool", call.Key()),
		zap.String("status", string(done.Status)),
		zap.Duration("elapsed", res.ExecutionTime),
	}
	if execErr != nil && !errors.Is(execErr, context.Canceled) {
		fields = append(fields, zap.Error(execErr))
	}
	e.log.Debug("Tool call finished", fields...)
	e.emit(done)
	return nil
}
