package mcp

import (
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Transport names accepted in [[tools.servers]].
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportInProcess      = "in-process"
)

// serverConn is one connected MCP server.
type serverConn struct {
	ID        string
	Transport string
	Client    *client.Client
	Process   *exec.Cmd // nil unless stdio
	Tools     []mcptypes.Tool
}
