package provider_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/model"
	"chatcore/provider"
	"chatcore/provider/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(url string) *provider.Client {
	return provider.NewClient(provider.Config{
		BaseURL: url,
		APIKey:  "sk-test",
		Model:   "test-model",
		Timeout: 5 * time.Second,
		Retry:   testutil.FastRetry(),
	})
}

// collector records deltas the way a renderer would.
type collector struct {
	deltas []string
}

func (c *collector) add(d string) { c.deltas = append(c.deltas, d) }

func (c *collector) text() string { return strings.Join(c.deltas, "") }

func TestStreamDeliversDeltasInOrder(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var auth, path string
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		testutil.SSEResponse(w, []string{
			testutil.ContentChunk("Hel"),
			testutil.ContentChunk(""),
			testutil.ContentChunk("lo"),
			testutil.ContentChunk(" world"),
			testutil.UsageChunk(12, 3),
		}, false)
	})

	var c collector
	res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), c.add)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", " world"}, c.deltas)
	assert.Equal(t, "Hello world", res.Content)
	assert.True(t, res.Applied)
	assert.Nil(t, res.Warning)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Usage)
	assert.Equal(t, provider.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, *res.Usage)

	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "Hello, how are you?", got.Messages[0].Content)
}

func TestStreamRetriesExactlyMaxRetries(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   provider.Kind
		want   int
	}{
		{name: "server error", status: http.StatusInternalServerError, kind: provider.KindServer, want: 4},
		{name: "bad gateway", status: http.StatusBadGateway, kind: provider.KindServer, want: 4},
		{name: "rate limited", status: http.StatusTooManyRequests, kind: provider.KindRateLimit, want: 4},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: provider.KindAuth, want: 1},
		{name: "forbidden", status: http.StatusForbidden, kind: provider.KindAuth, want: 1},
		{name: "bad request", status: http.StatusBadRequest, kind: provider.KindBadRequest, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"type":"test","message":"nope"}}`)
			})
			client := newTestClient(srv.URL)
			var retries []int
			client.OnRetry = func(attempt int, _ time.Duration, _ error) {
				retries = append(retries, attempt)
			}

			res, err := client.Stream(context.Background(), testutil.TestMessages(), func(string) {
				t.Fatal("no content expected")
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.want, srv.Requests())
			assert.Equal(t, tt.want, res.Attempts)
			assert.Len(t, retries, tt.want-1)
		})
	}
}

func TestStreamRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		testutil.SSEResponse(w, []string{testutil.ContentChunk("ok")}, false)
	})

	var c collector
	res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), c.add)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"ok"}, c.deltas)
}

func TestStreamInterruptedKeepsContent(t *testing.T) {
	fifty := strings.Repeat("abcdefghij", 5)

	t.Run("connection drop", func(t *testing.T) {
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			// Declaring more bytes than are written makes the server cut
			// the connection when the handler returns.
			w.Header().Set("Content-Length", "100000")
			w.WriteHeader(http.StatusOK)
			for i := 0; i < 5; i++ {
				fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk(fifty[i*10:(i+1)*10]))
			}
			w.(http.Flusher).Flush()
		})

		var c collector
		res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), c.add)
		require.NoError(t, err)
		assert.Equal(t, fifty, res.Content)
		assert.Equal(t, fifty, c.text())
		assert.ErrorIs(t, res.Warning, provider.ErrStreamInterrupted)
		assert.Equal(t, provider.KindInterrupted, provider.KindOf(res.Warning))
		assert.Equal(t, 1, srv.Requests())
	})

	t.Run("clean close without done", func(t *testing.T) {
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			testutil.SSEResponse(w, []string{testutil.ContentChunk(fifty)}, true)
		})

		res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), func(string) {})
		require.NoError(t, err)
		assert.Equal(t, fifty, res.Content)
		assert.ErrorIs(t, res.Warning, provider.ErrStreamInterrupted)
	})

	t.Run("finish reason without done", func(t *testing.T) {
		final := `{"id":"x","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			testutil.SSEResponse(w, []string{testutil.ContentChunk("done"), final}, true)
		})

		res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), func(string) {})
		require.NoError(t, err)
		assert.Nil(t, res.Warning)
		assert.Equal(t, "stop", res.FinishReason)
	})

	t.Run("drop before content is retried", func(t *testing.T) {
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			testutil.SSEResponse(w, nil, true)
		})

		_, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), func(string) {})
		require.Error(t, err)
		assert.Equal(t, provider.KindNetwork, provider.KindOf(err))
		assert.Equal(t, 4, srv.Requests())
	})
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		testutil.SSEResponse(w, []string{
			testutil.ContentChunk("a"),
			`{"choices":[{"delta":{"content":`,
			"not json at all",
			testutil.ContentChunk("b"),
		}, false)
	})

	var c collector
	res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), c.add)
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Content)
	assert.Nil(t, res.Warning)
}

func TestStreamOfUndecodableFramesIsParseError(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		testutil.SSEResponse(w, []string{"not json", `{"choices":[`}, true)
	})

	res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), func(string) {})
	require.Error(t, err)
	assert.Equal(t, provider.KindParse, provider.KindOf(err))
	assert.False(t, provider.IsRetryable(err))
	assert.False(t, res.Applied)
	assert.Equal(t, 1, srv.Requests())
}

func TestStreamIgnoresFramesAfterDone(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\ndata: %s\n\n", testutil.ContentChunk("kept"), testutil.ContentChunk("ignored"))
	})

	res, err := newTestClient(srv.URL).Stream(context.Background(), testutil.TestMessages(), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "kept", res.Content)
}

func TestStreamCancellation(t *testing.T) {
	t.Run("mid stream", func(t *testing.T) {
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk("partial"))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		res, err := newTestClient(srv.URL).Stream(ctx, testutil.TestMessages(), func(string) { cancel() })
		require.Error(t, err)
		assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
		assert.Equal(t, "partial", res.Content)
		assert.True(t, res.Applied)
		assert.Equal(t, 1, srv.Requests())
	})

	t.Run("during backoff", func(t *testing.T) {
		srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		client := provider.NewClient(provider.Config{
			BaseURL: srv.URL,
			Model:   "m",
			Retry:   model.RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour},
		})
		ctx, cancel := context.WithCancel(context.Background())
		client.OnRetry = func(int, time.Duration, error) { cancel() }

		start := time.Now()
		_, err := client.Stream(ctx, testutil.TestMessages(), func(string) {})
		assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, 1, srv.Requests())
	})
}

func TestStreamTimeout(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	client := provider.NewClient(provider.Config{
		BaseURL: srv.URL,
		Model:   "m",
		Timeout: 50 * time.Millisecond,
		Retry:   model.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	_, err := client.Stream(context.Background(), testutil.TestMessages(), func(string) {})
	require.Error(t, err)
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))
	assert.True(t, provider.IsRetryable(err))
	assert.Equal(t, 2, srv.Requests())
}

func TestNotFoundSuggestsModels(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[
				{"id":"gpt-4o","object":"model","created":0,"owned_by":"test"},
				{"id":"gpt-4o-mini","object":"model","created":0,"owned_by":"test"},
				{"id":"llama3.1","object":"model","created":0,"owned_by":"test"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"model not found"}}`)
		}
	})
	client := newTestClient(srv.URL)
	client.SetModel("gpt4o")

	_, err := client.Stream(context.Background(), testutil.TestMessages(), func(string) {})
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
	assert.False(t, provider.IsRetryable(err))

	models, lerr := client.ListModels(context.Background())
	require.NoError(t, lerr)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini", "llama3.1"}, models)

	suggestions := client.SuggestModels(context.Background(), client.Model())
	assert.Contains(t, suggestions, "gpt-4o")
	assert.NotContains(t, suggestions, "llama3.1")

	msg := provider.Explain(err, client.Model(), suggestions)
	assert.Contains(t, msg, `"gpt4o"`)
	assert.Contains(t, msg, "Did you mean: gpt-4o")
}

func TestContinue(t *testing.T) {
	var last struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []json.RawMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.Unmarshal(body.Messages[len(body.Messages)-1], &last)
		testutil.SSEResponse(w, []string{testutil.ContentChunk(" and more")}, false)
	})
	client := newTestClient(srv.URL)

	_, err := client.Continue(context.Background(), testutil.TestMessages(), func(string) {})
	assert.Error(t, err, "history ending with a user message cannot be continued")
	assert.Zero(t, srv.Requests())

	history := append(testutil.TestMessages(), model.NewMessage(model.RoleAssistant, "Sure, first"))
	res, err := client.Continue(context.Background(), history, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, " and more", res.Content)
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, provider.ContinuePrompt, last.Content)
}
