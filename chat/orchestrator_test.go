package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"chatcore/assembler"
	"chatcore/chat"
	"chatcore/compress"
	"chatcore/model"
	"chatcore/provider"
	"chatcore/provider/testutil"
	"chatcore/toolcall"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wireRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newOrchestrator(t *testing.T, url string, opts chat.Options) *chat.Orchestrator {
	t.Helper()
	opts.Completer = provider.NewClient(provider.Config{
		BaseURL: url,
		APIKey:  "sk-test",
		Model:   "test-model",
		Timeout: 5 * time.Second,
		Retry:   testutil.FastRetry(),
	})
	return chat.New(opts)
}

// recorder collects events from a subscription.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) add(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) last(kind model.EventKind) (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return model.Event{}, false
}

func streamingHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payloads := make([]string, len(chunks))
		for i, c := range chunks {
			payloads[i] = testutil.ContentChunk(c)
		}
		testutil.SSEResponse(w, payloads, false)
	}
}

func TestSendStreamsReply(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		testutil.SSEResponse(w, []string{
			testutil.ContentChunk("Hel"),
			testutil.ContentChunk("lo"),
			testutil.UsageChunk(12, 7),
		}, false)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	unsubscribe := o.Subscribe(rec.add)
	defer unsubscribe()

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c1", Content: "Hi there"})
	require.NoError(t, err)
	require.NotNil(t, reply.Message)
	assert.Equal(t, "Hello", reply.Message.Content)
	assert.Equal(t, model.RoleAssistant, reply.Message.Role)
	assert.Equal(t, 7, reply.Message.TokenCount)
	assert.Equal(t, "test-model", reply.Message.Model)
	assert.Nil(t, reply.Warning)
	assert.Equal(t, 1, reply.Attempts)
	assert.False(t, o.IsStreaming("c1"))

	assert.Equal(t, []model.EventKind{
		model.EventMessageCreated,
		model.EventMessageCreated,
		model.EventMessageDelta,
		model.EventStreamCompleted,
	}, rec.kinds())

	ev, ok := rec.last(model.EventMessageDelta)
	require.True(t, ok)
	assert.Equal(t, "lo", ev.Delta)
	assert.Equal(t, "Hello", ev.Message.Content)

	msgs := o.Store().Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[0].Content)
	assert.Equal(t, reply.Message.ID, msgs[1].ID)

	conv, ok := o.Store().Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Hi there", conv.Name)
	assert.Equal(t, "test-model", conv.Model)
}

func TestEventSnapshotsAreCopies(t *testing.T) {
	srv := testutil.NewCountingServer(t, streamingHandler("a", "b"))
	o := newOrchestrator(t, srv.URL, chat.Options{})
	o.Subscribe(func(e model.Event) {
		if e.Message != nil {
			e.Message.Content = "tampered"
		}
	})

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ab", reply.Message.Content)
	assert.Equal(t, "x", o.Store().Messages("c")[0].Content)
}

func TestSendIncludesHistory(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []wireRequest
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		streamingHandler("ok")(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{SystemPrompt: "Be brief."})
	ctx := context.Background()

	_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "first"})
	require.NoError(t, err)
	_, err = o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "second"})
	require.NoError(t, err)
	_, err = o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "third", Stateless: true})
	require.NoError(t, err)

	require.Len(t, reqs, 3)
	roles := func(r wireRequest) []string {
		var out []string
		for _, m := range r.Messages {
			out = append(out, m.Role)
		}
		return out
	}
	assert.Equal(t, []string{"system", "user"}, roles(reqs[0]))
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles(reqs[1]))
	assert.Equal(t, "Be brief.", reqs[1].Messages[0].Content)
	assert.Equal(t, "second", reqs[1].Messages[3].Content)
	assert.Equal(t, []string{"system", "user"}, roles(reqs[2]))
	assert.Len(t, o.Store().Messages("c"), 6)
}

func TestSendAssemblesAttachments(t *testing.T) {
	var got wireRequest
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		streamingHandler("done")(w, r)
	})
	sources := testutil.NewMemorySources()
	sources.Knowledge["doc"] = []string{"The sky is blue."}
	sources.Fail["broken"] = true

	o := newOrchestrator(t, srv.URL, chat.Options{
		Sources: assembler.Sources{Knowledge: sources, Notes: sources, Files: sources},
	})
	reply, err := o.Send(context.Background(), chat.SendRequest{
		ConversationID:       "c",
		Content:              "What colour is the sky?",
		KnowledgeDocumentIDs: []string{"doc", "broken"},
		WebpageURLs:          []string{"https://example.com"},
		MemoryContext:        "User likes short answers.",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"knowledge:broken"}, reply.Omitted)

	require.NotEmpty(t, got.Messages)
	system := got.Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "<knowledge>\nThe sky is blue.\n</knowledge>")
	assert.Contains(t, system.Content, "- https://example.com")
	assert.Contains(t, system.Content, "<memory>\nUser likes short answers.\n</memory>")

	user := o.Store().Messages("c")[0]
	assert.Len(t, user.Attachments, 3)
	assert.Equal(t, model.AttachmentWebpage, user.Attachments[2].Kind)
}

func TestSendCompressesHistory(t *testing.T) {
	var (
		mu   sync.Mutex
		last wireRequest
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		last = req
		mu.Unlock()
		streamingHandler(strings.Repeat("word ", 40))(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{
		Compression: compress.Settings{
			Enabled:                true,
			Strategy:               compress.SlidingWindow,
			ThresholdPercent:       80,
			PreserveRecentMessages: 2,
			ContextLimit:           200,
		},
	})
	var rec recorder
	o.Subscribe(rec.add)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: fmt.Sprintf("question %d %s", i, strings.Repeat("x", 100))})
		require.NoError(t, err)
	}

	ev, ok := rec.last(model.EventCompressionApplied)
	require.True(t, ok)
	assert.True(t, ev.Compression.CompressionApplied)
	assert.Greater(t, ev.Compression.DroppedCount, 0)

	// The store keeps everything; only the payload shrinks.
	assert.Len(t, o.Store().Messages("c"), 8)
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, len(last.Messages), 7)
	assert.True(t, strings.HasPrefix(last.Messages[len(last.Messages)-1].Content, "question 3"))
}

func TestInterruptedStreamKeepsPartialReply(t *testing.T) {
	fifty := strings.Repeat("abcde", 10)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk(fifty))
		w.(http.Flusher).Flush()
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "tell me"})
	require.NoError(t, err)
	assert.ErrorIs(t, reply.Warning, provider.ErrStreamInterrupted)
	require.NotNil(t, reply.Message)
	assert.Equal(t, fifty+chat.InterruptionMarker, reply.Message.Content)
	assert.False(t, o.IsStreaming("c"))
	assert.Equal(t, 1, srv.Requests())

	ev, ok := rec.last(model.EventStreamInterrupted)
	require.True(t, ok)
	assert.Equal(t, provider.KindInterrupted, provider.KindOf(ev.Err))
	_, failed := rec.last(model.EventStreamFailed)
	assert.False(t, failed)
}

func TestFailedSendExplainsError(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_api_key","message":"bad key"}}`)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, provider.KindAuth, provider.KindOf(err))
	require.NotNil(t, reply.Message)
	assert.Contains(t, reply.Message.Content, "Authentication failed")
	assert.Equal(t, "auth", reply.Message.StructuredContent["error"])
	assert.Equal(t, 1, srv.Requests())
	assert.False(t, o.IsStreaming("c"))

	_, ok := rec.last(model.EventStreamFailed)
	assert.True(t, ok)
}

func TestRetriesArePublished(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		streamingHandler("fine")(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Attempts)

	ev, ok := rec.last(model.EventRetrying)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, provider.KindServer, provider.KindOf(ev.Err))
}

func TestModelNotFoundSuggestsAlternatives(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[
				{"id":"test-model-large","object":"model","created":0,"owned_by":"test"},
				{"id":"other","object":"model","created":0,"owned_by":"test"}]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
	require.NotNil(t, reply.Message)
	assert.Contains(t, reply.Message.Content, `Model "test-model" was not found`)
	assert.Contains(t, reply.Message.Content, "Did you mean: test-model-large?")
}

func TestCancelKeepsPartialContent(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)
	o.Subscribe(func(e model.Event) {
		if e.Kind == model.EventMessageCreated && e.Message.Role == model.RoleAssistant {
			assert.True(t, o.IsStreaming("c"))
			assert.True(t, o.Cancel("c"))
		}
	})

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
	require.NotNil(t, reply.Message)
	assert.Equal(t, "partial", reply.Message.Content)
	assert.False(t, o.IsStreaming("c"))
	assert.False(t, o.Cancel("c"))

	_, ok := rec.last(model.EventStreamCancelled)
	assert.True(t, ok)
	assert.Len(t, o.Store().Messages("c"), 2)
}

func TestSendsAreSerializedPerConversation(t *testing.T) {
	release := make(chan struct{})
	first := make(chan struct{})
	var (
		mu   sync.Mutex
		reqs []wireRequest
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		n := len(reqs)
		mu.Unlock()
		if n == 1 {
			close(first)
			<-release
		}
		streamingHandler(fmt.Sprintf("reply %d", n))(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "one"})
		assert.NoError(t, err)
	}()
	<-first
	go func() {
		defer wg.Done()
		_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "two"})
		assert.NoError(t, err)
	}()

	assert.Never(t, func() bool { return srv.Requests() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// A waiter whose context ends gives up without sending.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := o.Send(waitCtx, chat.SendRequest{ConversationID: "c", Content: "three"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()

	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "reply 1", second[1].Content)
	assert.Equal(t, "two", second[2].Content)
}

func TestConversationsStreamIndependently(t *testing.T) {
	release := make(chan struct{})
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Messages[len(req.Messages)-1].Content == "slow" {
			<-release
		}
		streamingHandler("ok")(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Send(context.Background(), chat.SendRequest{ConversationID: "a", Content: "slow"})
	}()

	_, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "b", Content: "fast"})
	require.NoError(t, err)
	close(release)
	<-done
}

func toolOrchestrator(t *testing.T, url string, perms toolcall.Permissions) (*chat.Orchestrator, *testutil.MockToolProvider) {
	t.Helper()
	tools := testutil.NewMockToolProvider()
	router := toolcall.NewRouter()
	router.Mount("weather", tools)

	o := newOrchestrator(t, url, chat.Options{Tools: router, Permissions: perms})
	require.NoError(t, o.DiscoverTools(context.Background()))
	return o, tools
}

func TestToolCallsRunAfterReply(t *testing.T) {
	var got wireRequest
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		streamingHandler(`Checking. <tool_call name="get_weather" server="weather">{"location": "Oslo"}</tool_call>`)(w, r)
	})
	o, tools := toolOrchestrator(t, srv.URL, toolcall.Permissions{Default: model.PermissionAlways})
	var rec recorder
	o.Subscribe(rec.add)

	reply, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "Weather in Oslo?"})
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	call := reply.ToolCalls[0]
	assert.Equal(t, model.ToolCompleted, call.Status)
	assert.Equal(t, "weather", call.ServerID)
	assert.Equal(t, map[string]any{"location": "Oslo"}, call.Result)
	assert.Equal(t, 1, tools.ExecuteCount())

	assert.Contains(t, got.Messages[0].Content, "get_weather (server weather)")

	ev, ok := rec.last(model.EventToolCallUpdated)
	require.True(t, ok)
	assert.Equal(t, "c", ev.ConversationID)
	assert.Equal(t, model.ToolCompleted, ev.ToolCall.Status)
	assert.Len(t, o.ToolCalls("c"), 1)
}

func TestToolCallsAwaitApproval(t *testing.T) {
	srv := testutil.NewCountingServer(t, streamingHandler(
		`<tool_call name="get_weather" server="weather">{"location": "Oslo"}</tool_call>`,
		`<tool_call name="calculate" server="weather">{"expression": "1+1"}</tool_call>`,
	))
	o, tools := toolOrchestrator(t, srv.URL, toolcall.Permissions{Default: model.PermissionAsk})
	ctx := context.Background()

	reply, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "go"})
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 2)
	for _, c := range reply.ToolCalls {
		assert.Equal(t, model.ToolAwaitingApproval, c.Status)
	}
	assert.Len(t, o.PendingToolCalls("c"), 2)
	assert.Equal(t, 0, tools.ExecuteCount())

	approved, err := o.Approve(ctx, "c", reply.ToolCalls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCompleted, approved.Status)

	declined, err := o.Decline("c", reply.ToolCalls[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolDeclined, declined.Status)
	assert.Equal(t, 1, tools.ExecuteCount())

	_, err = o.Decline("c", reply.ToolCalls[1].ID)
	assert.Error(t, err)
	_, err = o.Approve(ctx, "missing", "id")
	assert.ErrorIs(t, err, chat.ErrUnknownToolCall)
}

func TestContinueAppendsToLastReply(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []wireRequest
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		n := len(reqs)
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Content-Length", "100000")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk("Once upon"))
			w.(http.Flusher).Flush()
			return
		}
		streamingHandler(" a time.")(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	ctx := context.Background()

	_, err := o.Continue(ctx, "c")
	assert.ErrorIs(t, err, chat.ErrNothingToContinue)

	first, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "Tell a story"})
	require.NoError(t, err)
	require.NotNil(t, first.Warning)

	reply, err := o.Continue(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, reply.Message)
	assert.Equal(t, first.Message.ID, reply.Message.ID)
	assert.Equal(t, "Once upon a time.", reply.Message.Content)
	assert.Len(t, o.Store().Messages("c"), 2)

	require.Len(t, reqs, 2)
	sent := reqs[1].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "Once upon", sent[1].Content)
	assert.Equal(t, "user", sent[2].Role)
	assert.Equal(t, provider.ContinuePrompt, sent[2].Content)
}

func TestFailedContinueKeepsInterruptedReply(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Content-Length", "100000")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk("Once upon"))
			w.(http.Flusher).Flush()
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)
	ctx := context.Background()

	_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "Tell a story"})
	require.NoError(t, err)

	reply, err := o.Continue(ctx, "c")
	require.Error(t, err)
	assert.Equal(t, provider.KindAuth, provider.KindOf(err))
	assert.Nil(t, reply.Message)
	assert.Contains(t, reply.Explanation, "Authentication failed")

	msgs := o.Store().Messages("c")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon"+chat.InterruptionMarker, msgs[1].Content)

	ev, ok := rec.last(model.EventStreamFailed)
	require.True(t, ok)
	assert.Equal(t, reply.Explanation, ev.Explanation)
	assert.Nil(t, ev.Message)
}

func TestSendKeepsNewMessageWithoutPreservedHistory(t *testing.T) {
	var (
		mu   sync.Mutex
		last wireRequest
	)
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		last = req
		mu.Unlock()
		streamingHandler("noted")(w, r)
	})
	o := newOrchestrator(t, srv.URL, chat.Options{
		Compression: compress.Settings{
			Enabled:                true,
			Strategy:               compress.Hybrid,
			ThresholdPercent:       80,
			PreserveRecentMessages: 0,
			ContextLimit:           50,
		},
	})
	ctx := context.Background()

	for i, content := range []string{strings.Repeat("a", 360), strings.Repeat("b", 360)} {
		_, err := o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: content})
		require.NoError(t, err)

		mu.Lock()
		sent := last.Messages
		mu.Unlock()
		require.NotEmpty(t, sent, "send %d", i)
		assert.Equal(t, "user", sent[len(sent)-1].Role)
		assert.Equal(t, content, sent[len(sent)-1].Content)
		for _, m := range sent[:len(sent)-1] {
			assert.NotEqual(t, "user", m.Role, "earlier turns are trimmed, send %d", i)
		}
	}
	assert.Len(t, o.Store().Messages("c"), 4)
}

func TestClearEvictsConversation(t *testing.T) {
	srv := testutil.NewCountingServer(t, streamingHandler("hi"))
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	o.Subscribe(rec.add)

	_, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hello"})
	require.NoError(t, err)

	o.Clear("c")
	assert.Nil(t, o.Store().Messages("c"))
	assert.Nil(t, o.ToolCalls("c"))
	ev, ok := rec.last(model.EventConversationClear)
	require.True(t, ok)
	assert.Equal(t, "c", ev.ConversationID)

	// The id can be reused afterwards.
	_, err = o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "again"})
	require.NoError(t, err)
	assert.Len(t, o.Store().Messages("c"), 2)
}

func TestClearDuringStreamDropsLateDeltas(t *testing.T) {
	srv := testutil.NewCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", testutil.ContentChunk("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	o := newOrchestrator(t, srv.URL, chat.Options{})
	o.Subscribe(func(e model.Event) {
		if e.Kind == model.EventMessageCreated && e.Message.Role == model.RoleAssistant {
			o.Clear("c")
		}
	})

	_, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
	_, exists := o.Store().Get("c")
	assert.False(t, exists)
}

func TestSwitchWorkspaceClearsEverything(t *testing.T) {
	srv := testutil.NewCountingServer(t, streamingHandler("ok"))
	o := newOrchestrator(t, srv.URL, chat.Options{WorkspaceID: "ws1"})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := o.Send(ctx, chat.SendRequest{ConversationID: id, Content: "hi"})
		require.NoError(t, err)
	}
	conv, _ := o.Store().Get("a")
	assert.Equal(t, "ws1", conv.WorkspaceID)

	var rec recorder
	o.Subscribe(rec.add)
	o.SwitchWorkspace("ws2")

	assert.Equal(t, "ws2", o.Workspace())
	assert.Empty(t, o.Store().List())
	assert.Equal(t, []model.EventKind{model.EventConversationClear, model.EventConversationClear}, rec.kinds())
}

func TestSendValidation(t *testing.T) {
	o := chat.New(chat.Options{})
	ctx := context.Background()

	_, err := o.Send(ctx, chat.SendRequest{Content: "hi"})
	assert.ErrorIs(t, err, chat.ErrNoConversation)
	_, err = o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "  "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	_, err = o.Send(ctx, chat.SendRequest{ConversationID: "c", Content: "hi"})
	assert.ErrorIs(t, err, chat.ErrNoCompleterAvailable)
}

func TestUnsubscribe(t *testing.T) {
	srv := testutil.NewCountingServer(t, streamingHandler("ok"))
	o := newOrchestrator(t, srv.URL, chat.Options{})
	var rec recorder
	unsubscribe := o.Subscribe(rec.add)
	unsubscribe()

	_, err := o.Send(context.Background(), chat.SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	assert.Empty(t, rec.kinds())
}
