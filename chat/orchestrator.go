// Package chat ties the assembler, compressor, streaming client and tool
// executor together behind one Orchestrator.
//
// An Orchestrator owns the in-memory conversation store. Callers drive it
// through transition methods (Send, Continue, Cancel, Approve, Decline,
// Clear, SwitchWorkspace) and observe it through Subscribe. Every event
// carries value snapshots, so subscribers never share state with the
// store.
//
// Sends to one conversation are serialized: a second Send blocks until
// the first finishes or its context is done. Different conversations
// stream independently.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"chatcore/assembler"
	"chatcore/compress"
	"chatcore/config"
	"chatcore/model"
	"chatcore/provider"
	"chatcore/storage"
	"chatcore/toolcall"

	"go.uber.org/zap"
)

// InterruptionMarker is appended to an assistant message whose stream
// ended early.
const InterruptionMarker = "\n\n[Response interrupted]"

var (
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrNoConversation       = errors.New("conversation id is required")
	ErrNothingToContinue    = errors.New("conversation does not end with an assistant message")
	ErrConversationCleared  = errors.New("conversation was cleared")
	ErrUnknownToolCall      = errors.New("unknown tool call")
	ErrNoCompleterAvailable = errors.New("no model connection configured")
)

// Completer streams a completion. *provider.Client implements it.
type Completer interface {
	Stream(ctx context.Context, messages []model.Message, cb provider.StreamCallback) (provider.Result, error)
	Model() string
	SuggestModels(ctx context.Context, requested string) []string
}

// Options wires an Orchestrator. Only Completer is required.
type Options struct {
	Completer Completer

	// Sources serve attachments. A nil Messages source defaults to the
	// orchestrator's own conversation store.
	Sources assembler.Sources

	// Tools executes tool calls. Without it parsed calls fail.
	Tools       model.ToolProvider
	Catalog     *toolcall.Catalog
	Permissions toolcall.Permissions

	Compression compress.Settings
	Counter     compress.TokenCounter

	SystemPrompt string
	WorkspaceID  string
}

// OptionsFromConfig fills the config-driven parts of Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Permissions:  toolcall.PermissionsFromConfig(cfg.Tools),
		Compression:  compress.SettingsFromConfig(cfg.Compression),
		SystemPrompt: cfg.SystemPrompt,
	}
}

type subscriber struct {
	id int
	fn func(model.Event)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	opts      Options
	store     *storage.ConversationStore
	assembler *assembler.Assembler
	catalog   *toolcall.Catalog
	counter   compress.TokenCounter
	log       *zap.Logger

	mu        sync.Mutex
	workspace string
	sessions  map[string]*session

	subMu   sync.RWMutex
	subs    []subscriber
	nextSub int
}

func New(opts Options) *Orchestrator {
	store := storage.NewConversationStore()
	sources := opts.Sources
	if sources.Messages == nil {
		sources.Messages = store
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = toolcall.NewCatalog()
	}
	counter := opts.Counter
	if counter == nil {
		counter = compress.RuneCounter{}
	}
	return &Orchestrator{
		opts:      opts,
		store:     store,
		assembler: assembler.New(sources),
		catalog:   catalog,
		counter:   counter,
		log:       config.Logger("chat"),
		workspace: opts.WorkspaceID,
		sessions:  make(map[string]*session),
	}
}

// Store exposes the conversation store for reads.
func (o *Orchestrator) Store() *storage.ConversationStore { return o.store }

// Catalog is the set of tools offered to the model.
func (o *Orchestrator) Catalog() *toolcall.Catalog { return o.catalog }

// Workspace returns the active workspace id.
func (o *Orchestrator) Workspace() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workspace
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on the goroutine that caused the event and must
// not block.
func (o *Orchestrator) Subscribe(fn func(model.Event)) (unsubscribe func()) {
	o.subMu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	o.subMu.Unlock()

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

func (o *Orchestrator) publish(ev model.Event) {
	o.subMu.RLock()
	subs := append([]subscriber(nil), o.subs...)
	o.subMu.RUnlock()

	for _, s := range subs {
		e := ev
		if ev.Message != nil {
			m := ev.Message.Clone()
			e.Message = &m
		}
		if ev.ToolCall != nil {
			c := ev.ToolCall.Clone()
			e.ToolCall = &c
		}
		if ev.Compression != nil {
			r := *ev.Compression
			r.Messages = model.CloneMessages(ev.Compression.Messages)
			e.Compression = &r
		}
		s.fn(e)
	}
}

// session is the runtime state of one conversation.
type session struct {
	slot     chan struct{}
	executor *toolcall.Executor

	mu        sync.Mutex
	cancel    context.CancelFunc
	streaming bool
	cleared   bool
}

func (o *Orchestrator) session(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[id]; ok {
		return s
	}
	s := &session{slot: make(chan struct{}, 1)}
	s.executor = toolcall.NewExecutor(toolcall.ExecutorOptions{
		Provider:    o.opts.Tools,
		Permissions: o.opts.Permissions,
		Catalog:     o.catalog,
		OnUpdate: func(c model.ToolCall) {
			o.publish(model.Event{Kind: model.EventToolCallUpdated, ConversationID: id, ToolCall: &c})
		},
	})
	o.sessions[id] = s
	return s
}

func (o *Orchestrator) existingSession(id string) (*session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// begin waits for the conversation's slot and returns the context the
// stream runs under.
func (s *session) begin(ctx context.Context) (context.Context, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		cancel()
		<-s.slot
		return nil, ErrConversationCleared
	}
	s.cancel = cancel
	s.streaming = true
	return streamCtx, nil
}

func (s *session) end() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.streaming = false
	s.mu.Unlock()
	<-s.slot
}

// clear stops any stream and blocks further writes from it.
func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	if s.cancel != nil {
		s.cancel()
	}
}

// guard runs fn unless the session was cleared.
func (s *session) guard(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return false
	}
	fn()
	return true
}

// IsStreaming reports whether a stream is active for the conversation.
func (o *Orchestrator) IsStreaming(conversationID string) bool {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Cancel stops the active stream of a conversation. Content received so
// far stays in the assistant message. It reports whether a stream was
// running.
func (o *Orchestrator) Cancel(conversationID string) bool {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming || s.cancel == nil {
		return false
	}
	o.log.Info("cancelling stream", zap.String("conversation", conversationID))
	s.cancel()
	return true
}

// Clear evicts a conversation and its tool calls, cancelling any stream.
func (o *Orchestrator) Clear(conversationID string) {
	o.mu.Lock()
	s, ok := o.sessions[conversationID]
	delete(o.sessions, conversationID)
	o.mu.Unlock()

	if ok {
		s.clear()
	}
	o.store.Delete(conversationID)
	o.publish(model.Event{Kind: model.EventConversationClear, ConversationID: conversationID})
}

// SwitchWorkspace evicts every conversation and makes id the workspace
// that file attachments are resolved in.
func (o *Orchestrator) SwitchWorkspace(id string) {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[string]*session)
	o.workspace = id
	o.mu.Unlock()

	ids := make(map[string]struct{}, len(sessions))
	for cid, s := range sessions {
		s.clear()
		ids[cid] = struct{}{}
	}
	for _, c := range o.store.List() {
		ids[c.ID] = struct{}{}
	}
	o.store.Reset()

	sorted := make([]string, 0, len(ids))
	for cid := range ids {
		sorted = append(sorted, cid)
	}
	sort.Strings(sorted)
	for _, cid := range sorted {
		o.publish(model.Event{Kind: model.EventConversationClear, ConversationID: cid})
	}
	o.log.Info("switched workspace", zap.String("workspace", id), zap.Int("cleared", len(sorted)))
}

// serverLister is implemented by providers that know their server ids.
type serverLister interface {
	Servers() []string
}

// DiscoverTools refreshes the catalog from the tool provider. With no ids
// it asks the provider for its servers. A failing server is logged and
// skipped; the joined errors are returned.
func (o *Orchestrator) DiscoverTools(ctx context.Context, serverIDs ...string) error {
	if o.opts.Tools == nil {
		return nil
	}
	if len(serverIDs) == 0 {
		if l, ok := o.opts.Tools.(serverLister); ok {
			serverIDs = l.Servers()
		}
	}

	var errs []error
	for _, id := range serverIDs {
		specs, err := o.opts.Tools.Discover(ctx, id)
		if err != nil {
			o.log.Warn("tool discovery failed", zap.String("server", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		o.catalog.Set(id, specs)
	}
	return errors.Join(errs...)
}

// ToolCalls lists the conversation's tool calls.
func (o *Orchestrator) ToolCalls(conversationID string) []model.ToolCall {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return nil
	}
	return s.executor.Store().List()
}

// PendingToolCalls lists calls waiting for Approve or Decline.
func (o *Orchestrator) PendingToolCalls(conversationID string) []model.ToolCall {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return nil
	}
	return s.executor.Store().Pending()
}

// Approve runs a call that was awaiting approval and returns its final
// state.
func (o *Orchestrator) Approve(ctx context.Context, conversationID, callID string) (model.ToolCall, error) {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return model.ToolCall{}, ErrUnknownToolCall
	}
	return s.executor.Approve(ctx, callID)
}

// Decline rejects a call that was awaiting approval.
func (o *Orchestrator) Decline(conversationID, callID string) (model.ToolCall, error) {
	s, ok := o.existingSession(conversationID)
	if !ok {
		return model.ToolCall{}, ErrUnknownToolCall
	}
	return s.executor.Decline(callID)
}

// systemPrompt combines the configured or per-request prompt with the
// tool instructions.
func (o *Orchestrator) systemPrompt(override string) string {
	base := o.opts.SystemPrompt
	if strings.TrimSpace(override) != "" {
		base = override
	}
	tools := toolcall.BuildInstructions(o.catalog.All())
	switch {
	case base == "":
		return tools
	case tools == "":
		return base
	}
	return base + "\n\n" + tools
}
