package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatcore/config"
	"chatcore/model"

	"github.com/openai/openai-go/v3"
	"go.uber.org/zap"
)

// StreamCallback receives each non-empty content delta in arrival order.
type StreamCallback func(delta string)

// RetryCallback is told about each retry before its backoff delay.
type RetryCallback func(attempt int, delay time.Duration, err error)

// Usage is the token accounting reported in the final chunk.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result describes a finished stream.
type Result struct {
	Content      string
	Model        string
	FinishReason string
	Usage        *Usage
	Attempts     int

	// Applied is true once at least one delta reached the callback.
	Applied bool

	// Warning is set when the stream ended early after content was
	// applied. It wraps ErrStreamInterrupted.
	Warning error
}

// Client streams completions from an OpenAI-compatible endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	sdk     openai.Client
	OnRetry RetryCallback
}

// NewClient creates a Client, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == (model.RetryPolicy{}) {
		cfg.Retry = model.DefaultRetryPolicy()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc, log: config.Logger("provider"), sdk: newSDK(cfg, hc)}
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.cfg.Model }

// SetModel switches the model used by later requests.
func (c *Client) SetModel(name string) { c.cfg.Model = name }

// Stream sends messages and streams the reply through cb. Retryable
// failures are retried until content has been applied; after that an early
// end is reported through Result.Warning instead.
//
// When ctx is cancelled the returned error has KindCancelled and Result
// still holds whatever content was applied.
func (c *Client) Stream(ctx context.Context, messages []model.Message, cb StreamCallback) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    toWireMessages(messages),
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := c.attempt(ctx, body, cb)
		res.Attempts = attempt + 1
		if err == nil {
			return res, nil
		}
		if res.Applied || !IsRetryable(err) || attempt >= c.cfg.Retry.MaxRetries {
			return res, err
		}

		delay := Backoff(c.cfg.Retry, attempt)
		c.log.Info("retrying completion",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.OnRetry != nil {
			c.OnRetry(attempt+1, delay, err)
		}
		if hook := retryHookFrom(ctx); hook != nil {
			hook(attempt+1, delay, err)
		}
		if sleep(ctx, delay) != nil {
			return res, &Error{Kind: KindCancelled, Err: ctx.Err()}
		}
	}
}

// Continue streams a continuation of the final assistant message in
// history. Deltas are meant to be appended to that message.
func (c *Client) Continue(ctx context.Context, history []model.Message, cb StreamCallback) (Result, error) {
	if len(history) == 0 || history[len(history)-1].Role != model.RoleAssistant {
		return Result{}, errors.New("continue: history must end with an assistant message")
	}
	return c.Stream(ctx, ContinuationMessages(history), cb)
}

func (c *Client) attempt(ctx context.Context, body []byte, cb StreamCallback) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: KindBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, c.transportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, readError(resp)
	}

	var (
		res     Result
		content  strings.Builder
		done     bool
		parseErr *Error
	)
	scanner := newSSEScanner(resp.Body)
	for scanner.Next() {
		data := strings.TrimSpace(scanner.Data())
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk openai.ChatCompletionChunk
		if err := decodeChunk(data, &chunk); err != nil {
			parseErr = &Error{Kind: KindParse, Message: truncate(data, 200), Err: err}
			c.log.Debug("skipping malformed frame", zap.Error(parseErr))
			continue
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.JSON.Usage.Valid() {
			res.Usage = &Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			res.FinishReason = choice.FinishReason
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			res.Applied = true
			cb(delta)
		}
	}
	res.Content = content.String()

	if done {
		return res, nil
	}

	readErr := scanner.Err()
	if ctx.Err() != nil {
		return res, &Error{Kind: KindCancelled, Err: ctx.Err()}
	}
	if readErr == nil && res.FinishReason != "" {
		// Some servers close after the final chunk without sending [DONE].
		return res, nil
	}

	if res.Applied {
		c.log.Warn("stream interrupted", zap.Int("chars", len(res.Content)), zap.Error(readErr))
		res.Warning = &Error{Kind: KindInterrupted, Err: ErrStreamInterrupted}
		return res, nil
	}
	if readErr == nil && parseErr != nil {
		// Only undecodable frames arrived.
		return res, parseErr
	}
	if readErr == nil {
		readErr = errors.New("stream ended before any content")
	}
	return res, c.transportError(ctx, reqCtx, readErr)
}

func decodeChunk(data string, chunk *openai.ChatCompletionChunk) error {
	if !json.Valid([]byte(data)) {
		return errors.New("invalid JSON")
	}
	return json.Unmarshal([]byte(data), chunk)
}

// transportError classifies a failed request or body read.
func (c *Client) transportError(parent, reqCtx context.Context, err error) *Error {
	switch {
	case parent.Err() != nil:
		return &Error{Kind: KindCancelled, Err: parent.Err()}
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("no complete response within %s", c.cfg.Timeout), Err: err}
	default:
		return &Error{Kind: KindNetwork, Err: err}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
