package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatcore/model"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ConnectionConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key,omitempty"`
	Model       string   `toml:"model"`
	Enabled     bool     `toml:"enabled"`
	Temperature *float64 `toml:"temperature,omitempty"`
	MaxTokens   int      `toml:"max_tokens,omitempty"`
}

type CompressionConfig struct {
	Enabled                bool   `toml:"enabled"`
	Strategy               string `toml:"strategy"`
	ThresholdPercent       int    `toml:"threshold_percent"`
	PreserveRecentMessages int    `toml:"preserve_recent_messages"`
	ContextLimit           int    `toml:"context_limit"`
}

type RetryConfig struct {
	MaxRetries  int `toml:"max_retries"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// Policy converts the config section to the streaming client's retry policy.
func (r RetryConfig) Policy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(r.MaxDelayMS) * time.Millisecond,
		Jitter:     model.DefaultJitter,
	}
}

type StreamConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

func (s StreamConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ServerConfig describes one MCP server the tool provider connects to.
type ServerConfig struct {
	ID        string            `toml:"id"`
	Transport string            `toml:"transport"`
	Command   string            `toml:"command,omitempty"`
	Args      []string          `toml:"args,omitempty"`
	Env       map[string]string `toml:"env,omitempty"`
	URL       string            `toml:"url,omitempty"`
	Headers   map[string]string `toml:"headers,omitempty"`
}

// ToolsConfig holds the permission table. Keys are "server/tool" or
// "server/*"; values are never, ask or always.
type ToolsConfig struct {
	DefaultPermission string            `toml:"default_permission"`
	Permissions       map[string]string `toml:"permissions,omitempty"`
	Servers           []ServerConfig    `toml:"servers,omitempty"`
}

type StorageConfig struct {
	AttachmentsDB string `toml:"attachments_db,omitempty"`
}

type SecurityConfig struct {
	CredentialStorage SecurityMethod `toml:"credential_storage"`
	SSHKeyPath        string         `toml:"ssh_key_path,omitempty"`
}

type Config struct {
	DataDirectory string            `toml:"data_directory"`
	SystemPrompt  string            `toml:"system_prompt,omitempty"`
	Connection    ConnectionConfig  `toml:"connection"`
	Compression   CompressionConfig `toml:"compression"`
	Retry         RetryConfig       `toml:"retry"`
	Stream        StreamConfig      `toml:"stream"`
	Tools         ToolsConfig       `toml:"tools"`
	Storage       StorageConfig     `toml:"storage"`
	Security      SecurityConfig    `toml:"security"`
}

// Log is the process-wide logger. It discards everything until InitLogger
// enables debug output.
var Log = zap.NewNop()

// Logger returns Log tagged with a component name.
func Logger(component string) *zap.Logger {
	return Log.With(zap.String("component", component))
}

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

// AttachmentsPath returns the sqlite database holding knowledge, notes
// and files, or "" when none is configured.
func (c *Config) AttachmentsPath() string {
	if c.Storage.AttachmentsDB == "" {
		return ""
	}
	p := ExpandPath(c.Storage.AttachmentsDB)
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.DataDir(), p)
	}
	return p
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATCORE_BASE_URL"); v != "" {
		c.Connection.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_API_KEY"); v != "" {
		c.Connection.APIKey = v
	}
	if v := os.Getenv("CHATCORE_MODEL"); v != "" {
		c.Connection.Model = v
	}
	if v := os.Getenv("CHATCORE_DATA_DIR"); v != "" {
		c.DataDirectory = v
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Connection.Enabled && c.Connection.BaseURL == "" {
		return fmt.Errorf("connection.base_url is required when the connection is enabled")
	}
	if p := c.Compression.ThresholdPercent; p < 1 || p > 100 {
		return fmt.Errorf("compression.threshold_percent must be between 1 and 100, got %d", p)
	}
	if c.Compression.PreserveRecentMessages < 0 {
		return fmt.Errorf("compression.preserve_recent_messages must not be negative")
	}
	switch c.Compression.Strategy {
	case "drop_low_value", "sliding_window", "hybrid", "summarize":
	default:
		return fmt.Errorf("unknown compression strategy %q", c.Compression.Strategy)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	seen := make(map[string]bool)
	for _, s := range c.Tools.Servers {
		if s.ID == "" {
			return fmt.Errorf("tools.servers entry is missing an id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate tool server id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("tool server %q: stdio transport needs a command", s.ID)
			}
		case "streamable-http", "sse":
			if s.URL == "" {
				return fmt.Errorf("tool server %q: %s transport needs a url", s.ID, s.Transport)
			}
		default:
			return fmt.Errorf("tool server %q: unknown transport %q", s.ID, s.Transport)
		}
	}
	return nil
}

func CheckDebug() bool {
	debug := os.Getenv("CHATCORE_DEBUG")
	return debug == "true" || debug == "1"
}

// InitLogger points Log at <dataDir>/debug.log when CHATCORE_DEBUG is set.
func InitLogger(dataDir string) {
	if !CheckDebug() {
		return
	}

	logPath := filepath.Join(dataDir, "debug.log")

	// 0600: the log may contain prompts and tool parameters
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		return
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)
	Log = zap.New(core, zap.AddCaller())
	Log.Info("Debug logging started", zap.String("path", logPath))
}

// Load reads the config file at path (or the default location when path
// is empty), creating a commented template on first run.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetConfigFilePath()
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	dataDir := cfg.DataDir()
	if err := EnsureDataDirPermissions(dataDir); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	if cfg.Connection.APIKey == "" {
		store := NewCredentialStore(cfg.Security.CredentialStorage, ExpandPath(cfg.Security.SSHKeyPath))
		if err := store.Load(dataDir); err != nil {
			Log.Warn("Could not load credentials", zap.Error(err))
		} else {
			cfg.Connection.APIKey = store.Get(CredentialConnection)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
