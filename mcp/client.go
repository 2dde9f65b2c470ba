// Package mcp exposes Model Context Protocol servers as a
// model.ToolProvider.
//
// Servers are connected over stdio (a spawned command), streamable HTTP,
// SSE, or in-process. Each connection is initialized and its tool list
// cached; Discover refreshes that list and Execute forwards a call.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"chatcore/config"
	"chatcore/model"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// ErrUnknownServer is returned for a server id that is not connected.
var ErrUnknownServer = errors.New("mcp server not connected")

// Provider routes tool discovery and execution to connected MCP servers.
type Provider struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
	log     *zap.Logger
}

// NewProvider creates a Provider with no connections.
func NewProvider() *Provider {
	return &Provider{
		servers: make(map[string]*serverConn),
		log:     config.Logger("mcp"),
	}
}

// ConnectAll connects every configured server. A server that fails to
// connect is logged and skipped; the joined errors are returned.
func (p *Provider) ConnectAll(ctx context.Context, servers []config.ServerConfig) error {
	var errs []error
	for _, sc := range servers {
		if err := p.Connect(ctx, sc); err != nil {
			p.log.Warn("server connect failed", zap.String("server", sc.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connect starts and initializes one configured server.
func (p *Provider) Connect(ctx context.Context, sc config.ServerConfig) error {
	if p.connected(sc.ID) {
		return fmt.Errorf("server %s already connected", sc.ID)
	}

	var (
		c   *client.Client
		cmd *exec.Cmd
		err error
	)
	switch sc.Transport {
	case TransportStdio, "":
		c, cmd, err = p.createLocalClient(sc)
	case TransportStreamableHTTP:
		c, err = createStreamableHTTPClient(ctx, sc)
	case TransportSSE:
		c, err = createSSEClient(ctx, sc)
	default:
		return fmt.Errorf("server %s: unknown transport %q", sc.ID, sc.Transport)
	}
	if err != nil {
		return fmt.Errorf("server %s: %w", sc.ID, err)
	}

	transportName := sc.Transport
	if transportName == "" {
		transportName = TransportStdio
	}
	return p.attach(ctx, &serverConn{ID: sc.ID, Transport: transportName, Client: c, Process: cmd})
}

// ConnectInProcess connects to an MCP server running in this process.
func (p *Provider) ConnectInProcess(ctx context.Context, id string, srv *server.MCPServer) error {
	if p.connected(id) {
		return fmt.Errorf("server %s already connected", id)
	}
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return fmt.Errorf("server %s: %w", id, err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("server %s: start: %w", id, err)
	}
	return p.attach(ctx, &serverConn{ID: id, Transport: TransportInProcess, Client: c})
}

func (p *Provider) attach(ctx context.Context, conn *serverConn) error {
	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "chatcore",
				Version: "1.0.0",
			},
		},
	}
	if _, err := conn.Client.Initialize(ctx, initReq); err != nil {
		p.closeConn(conn)
		return fmt.Errorf("initialize %s: %w", conn.ID, err)
	}

	tools, err := conn.Client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		p.closeConn(conn)
		return fmt.Errorf("list tools for %s: %w", conn.ID, err)
	}
	conn.Tools = tools.Tools

	p.mu.Lock()
	p.servers[conn.ID] = conn
	p.mu.Unlock()

	p.log.Info("server connected",
		zap.String("server", conn.ID),
		zap.String("transport", conn.Transport),
		zap.Int("tools", len(conn.Tools)))
	return nil
}

func (p *Provider) connected(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.servers[id]
	return ok
}

func (p *Provider) get(id string) (*serverConn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return conn, nil
}

// Servers lists connected server ids, sorted.
func (p *Provider) Servers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Discover re-lists the tools of serverID.
func (p *Provider) Discover(ctx context.Context, serverID string) ([]model.ToolSpec, error) {
	conn, err := p.get(serverID)
	if err != nil {
		return nil, err
	}
	res, err := conn.Client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", serverID, err)
	}

	p.mu.Lock()
	conn.Tools = res.Tools
	p.mu.Unlock()

	return ToolSpecsFromMCP(serverID, res.Tools), nil
}

// Execute calls toolName on serverID. A tool that reports isError comes
// back as an unsuccessful result, not an error.
func (p *Provider) Execute(ctx context.Context, serverID, toolName string, params map[string]any) (model.ExecutionResult, error) {
	conn, err := p.get(serverID)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	start := time.Now()
	res, err := conn.Client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      toolName,
			Arguments: params,
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		return model.ExecutionResult{ExecutionTime: elapsed}, fmt.Errorf("call %s/%s: %w", serverID, toolName, err)
	}

	out := ResultFromMCP(res)
	out.ExecutionTime = elapsed
	p.log.Debug("tool executed",
		zap.String("server", serverID),
		zap.String("tool", toolName),
		zap.Bool("success", out.Success),
		zap.Duration("elapsed", elapsed))
	return out, nil
}

// Disconnect closes one server.
func (p *Provider) Disconnect(id string) error {
	p.mu.Lock()
	conn, ok := p.servers[id]
	delete(p.servers, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	p.closeConn(conn)
	return nil
}

// Close disconnects every server.
func (p *Provider) Close() error {
	for _, id := range p.Servers() {
		_ = p.Disconnect(id)
	}
	return nil
}

// closeConn closes the client, waiting at most a second, then kills a
// spawned process that is still around.
func (p *Provider) closeConn(conn *serverConn) {
	done := make(chan error, 1)
	go func() { done <- conn.Client.Close() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		p.log.Warn("close timed out", zap.String("server", conn.ID))
	}

	if conn.Process != nil && conn.Process.Process != nil && conn.Process.ProcessState == nil {
		if err := conn.Process.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debug("kill failed", zap.String("server", conn.ID), zap.Error(err))
		}
	}
	p.log.Info("server disconnected", zap.String("server", conn.ID))
}

func (p *Provider) createLocalClient(sc config.ServerConfig) (*client.Client, *exec.Cmd, error) {
	if sc.Command == "" {
		return nil, nil, errors.New("stdio transport needs a command")
	}
	var captured *exec.Cmd
	cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		captured = cmd
		return cmd, nil
	}

	c, err := client.NewStdioMCPClientWithOptions(
		sc.Command,
		envList(sc.Env),
		sc.Args,
		transport.WithCommandFunc(cmdFunc),
	)
	if err != nil {
		return nil, nil, err
	}
	if captured != nil && captured.Process != nil {
		p.log.Debug("started server process", zap.String("server", sc.ID), zap.Int("pid", captured.Process.Pid))
	}
	return c, captured, nil
}

func createStreamableHTTPClient(ctx context.Context, sc config.ServerConfig) (*client.Client, error) {
	if sc.URL == "" {
		return nil, errors.New("streamable-http transport needs a url")
	}
	var opts []transport.StreamableHTTPCOption
	if len(sc.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(sc.Headers))
	}
	c, err := client.NewStreamableHttpClient(sc.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start HTTP transport: %w", err)
	}
	return c, nil
}

func createSSEClient(ctx context.Context, sc config.ServerConfig) (*client.Client, error) {
	if sc.URL == "" {
		return nil, errors.New("sse transport needs a url")
	}
	var opts []transport.ClientOption
	if len(sc.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(sc.Headers))
	}
	c, err := client.NewSSEMCPClient(sc.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start SSE transport: %w", err)
	}
	return c, nil
}

// envList appends env to the current environment so PATH and friends
// survive.
func envList(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
