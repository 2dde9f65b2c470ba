package config

func Default() *Config {
	return &Config{
		DataDirectory: GetDefaultDataDir(),
		Connection: ConnectionConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Enabled: true,
		},
		Compression: CompressionConfig{
			Enabled:                true,
			Strategy:               "hybrid",
			ThresholdPercent:       80,
			PreserveRecentMessages: 10,
			ContextLimit:           128000,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMS: 1000,
			MaxDelayMS:  10000,
		},
		Stream: StreamConfig{
			TimeoutSeconds: 30,
		},
		Tools: ToolsConfig{
			DefaultPermission: "ask",
		},
		Security: SecurityConfig{
			CredentialStorage: SecurityPlainText,
		},
	}
}

func GenerateConfigTemplate() string {
	return `# chatcore configuration
# This file uses TOML format: https://toml.io

# Directory holding credentials and debug.log
data_directory = "~/.local/share/chatcore"

# Prepended to every request (optional)
system_prompt = ""

[connection]
# Any OpenAI-compatible endpoint; /chat/completions is appended
base_url = "https://api.openai.com/v1"
model = "gpt-4o-mini"
enabled = true
# api_key = ""          # or CHATCORE_API_KEY, or credentials.toml
# temperature = 0.7
# max_tokens = 4096

[compression]
enabled = true
# drop_low_value | sliding_window | hybrid | summarize
strategy = "hybrid"
threshold_percent = 80
preserve_recent_messages = 10
context_limit = 128000

[retry]
max_retries = 3
base_delay_ms = 1000
max_delay_ms = 10000

[stream]
timeout_seconds = 30

[tools]
# never | ask | always
default_permission = "ask"

# [tools.permissions]
# "filesystem/read_file" = "always"
# "filesystem/*" = "ask"
# "shell/exec" = "never"

# [[tools.servers]]
# id = "filesystem"
# transport = "stdio"
# command = "npx"
# args = ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]

# [[tools.servers]]
# id = "search"
# transport = "streamable-http"
# url = "http://localhost:8080/mcp"

[storage]
# sqlite database with knowledge chunks, notes and files (optional)
# attachments_db = "attachments.db"

[security]
# plaintext | ssh_key
credential_storage = "plaintext"
# ssh_key_path = "~/.ssh/id_ed25519"
`
}
