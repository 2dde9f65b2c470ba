// Package provider streams chat completions from an OpenAI-compatible
// endpoint.
//
// The Client POSTs {model, messages, stream:true} to {BaseURL}/chat/completions
// and reads the Server-Sent Events response frame by frame. Each content
// delta is handed to the caller before the next frame is read, so callers
// can render incrementally and observe partial state at every chunk
// boundary.
//
// # Failure handling
//
// Failures are classified into an *Error with a Kind (see errors.go):
//   - Network, Timeout, Server (5xx) and RateLimit (429) are retried with
//     exponential backoff and jitter, up to RetryPolicy.MaxRetries times
//   - Auth (401/403) and other 4xx responses fail immediately
//   - A connection that drops after content has been delivered is not a
//     failure: the partial content is kept and Result.Warning carries
//     ErrStreamInterrupted. Retrying at that point would duplicate text
//   - Cancelling the context stops the request and any pending retry
//     immediately; content already delivered stays delivered
//
// Malformed JSON frames are skipped; a frame whose payload is exactly
// [DONE] ends the stream.
//
// # Usage
//
//	client := provider.NewClient(provider.Config{
//	    BaseURL: "http://localhost:11434/v1",
//	    Model:   "llama3.1",
//	})
//	res, err := client.Stream(ctx, messages, func(delta string) {
//	    fmt.Print(delta)
//	})
package provider

import (
	"net/http"
	"time"

	"chatcore/config"
	"chatcore/model"
)

// DefaultTimeout bounds a whole request, streaming included.
const DefaultTimeout = 30 * time.Second

// Config holds connection settings for the completion endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	Retry       model.RetryPolicy

	// HTTPClient is used for every request. Its own Timeout should be
	// zero; Config.Timeout applies per request.
	HTTPClient *http.Client
}

// ConfigFrom maps the loaded configuration to client settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:     cfg.Connection.BaseURL,
		APIKey:      cfg.Connection.APIKey,
		Model:       cfg.Connection.Model,
		Temperature: cfg.Connection.Temperature,
		MaxTokens:   cfg.Connection.MaxTokens,
		Timeout:     cfg.Stream.Timeout(),
		Retry:       cfg.Retry.Policy(),
	}
}
