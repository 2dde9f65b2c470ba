package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatcore/assembler"
	"chatcore/chat"
	"chatcore/config"
	"chatcore/mcp"
	"chatcore/model"
	"chatcore/provider"
	"chatcore/storage"
	"chatcore/toolcall"

	"go.uber.org/zap"
)

// app holds what the root command's persistent flags select. Config is
// loaded lazily so that flags are parsed first.
type app struct {
	configPath string
	modelName  string
	workspace  string

	cfg *config.Config
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.modelName != "" {
		cfg.Connection.Model = a.modelName
	}
	config.InitLogger(cfg.DataDir())
	a.cfg = cfg
	return cfg, nil
}

func (a *app) client() (*provider.Client, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return provider.NewFromConfig(cfg)
}

// openAttachments opens the configured attachment database, or returns
// nil when none is configured.
func (a *app) openAttachments() (*storage.AttachmentStore, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	path := cfg.AttachmentsPath()
	if path == "" {
		return nil, nil
	}
	if err := config.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return storage.OpenAttachmentStore(path)
}

// builtinActions are in-process tools that are always available.
func builtinActions() (*toolcall.Registry, error) {
	reg := toolcall.NewRegistry()
	err := reg.Register(toolcall.Action{
		Key:         toolcall.ActionKey{ProviderID: "builtin", ActionID: "current_time"},
		Description: "Get the current date and time, optionally in an IANA time zone",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "e.g. Europe/Oslo"},
			},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			now := time.Now()
			if tz, _ := params["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown time zone %q", tz)
				}
				now = now.In(loc)
			}
			return now.Format(time.RFC3339), nil
		},
	})
	return reg, err
}

// toolSet connects the configured MCP servers and mounts them next to the
// builtin actions.
type toolSet struct {
	router *toolcall.Router
	mcp    *mcp.Provider
}

func (a *app) openTools(ctx context.Context) (*toolSet, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	reg, err := builtinActions()
	if err != nil {
		return nil, err
	}

	ts := &toolSet{router: toolcall.NewRouter(), mcp: mcp.NewProvider()}
	ts.router.MountRegistry(reg)

	if err := ts.mcp.ConnectAll(ctx, cfg.Tools.Servers); err != nil {
		config.Logger("cli").Warn("some tool servers are unavailable", zap.Error(err))
	}
	for _, id := range ts.mcp.Servers() {
		ts.router.Mount(id, ts.mcp)
	}
	return ts, nil
}

func (ts *toolSet) Close() error {
	return ts.mcp.Close()
}

// session is an orchestrator plus the resources it was wired with.
type session struct {
	orch           *chat.Orchestrator
	conversationID string
	transcript     string
	closers        []func() error
}

func (a *app) openSession(ctx context.Context, conversationID, transcript string) (*session, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	s := &session{conversationID: conversationID, transcript: transcript}
	opts := chat.OptionsFromConfig(cfg)
	opts.Completer = client
	opts.WorkspaceID = a.workspace

	store, err := a.openAttachments()
	if err != nil {
		return nil, err
	}
	if store != nil {
		s.closers = append(s.closers, store.Close)
		opts.Sources = assembler.Sources{Knowledge: store, Notes: store, Files: store}
	}

	tools, err := a.openTools(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, tools.Close)
	opts.Tools = tools.router

	s.orch = chat.New(opts)
	if err := s.orch.DiscoverTools(ctx); err != nil {
		config.Logger("cli").Warn("tool discovery incomplete", zap.Error(err))
	}

	if transcript != "" {
		msgs, err := loadTranscript(transcript)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.orch.Store().Ensure(conversationID, a.workspace)
		for _, m := range msgs {
			s.orch.Store().Append(conversationID, m)
		}
	}
	return s, nil
}

// save writes the conversation back to the transcript, if one is used.
func (s *session) save() error {
	if s.transcript == "" {
		return nil
	}
	return saveTranscript(s.transcript, s.orch.Store().Messages(s.conversationID))
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func loadTranscript(path string) ([]model.Message, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", path, err)
	}
	return msgs, nil
}

func saveTranscript(path string, msgs []model.Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}
	// 0600: transcripts hold conversation content
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}
