package chat

import (
	"context"
	"strings"
	"time"

	"chatcore/assembler"
	"chatcore/compress"
	"chatcore/model"
	"chatcore/provider"
	"chatcore/toolcall"

	"go.uber.org/zap"
)

// SendRequest is one user turn plus the attachments selected for it.
type SendRequest struct {
	ConversationID string
	Content        string

	KnowledgeDocumentIDs []string
	NoteIDs              []string
	FileIDs              []string
	ConversationIDs      []string
	WebpageURLs          []string
	MemoryContext        string

	// SystemPrompt replaces the configured prompt for this send.
	SystemPrompt string

	// Stateless sends only the system block and the new message.
	Stateless bool
}

// Reply is the outcome of a Send or Continue.
type Reply struct {
	// Message is the assistant message, or nil when none was created.
	Message     *model.Message
	ToolCalls   []model.ToolCall
	Compression model.CompressionResult
	Omitted     []string
	Attempts    int

	// Explanation is the user-facing account of a failed stream.
	Explanation string

	// Warning is set when the stream was interrupted after content
	// arrived. The partial reply is kept and the send still succeeds.
	Warning error
}

// Send appends the user message, streams the assistant reply into the
// conversation and submits any tool calls it contains. It blocks while
// another send for the same conversation is running.
//
// A failed stream leaves an assistant message explaining the failure and
// returns the classified *provider.Error. An interruption after content
// arrived is not an error; see Reply.Warning.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (Reply, error) {
	if req.ConversationID == "" {
		return Reply{}, ErrNoConversation
	}
	if strings.TrimSpace(req.Content) == "" {
		return Reply{}, ErrEmptyMessage
	}
	if o.opts.Completer == nil {
		return Reply{}, ErrNoCompleterAvailable
	}

	id := req.ConversationID
	s := o.session(id)
	streamCtx, err := s.begin(ctx)
	if err != nil {
		return Reply{}, err
	}
	defer s.end()

	workspace := o.Workspace()
	var history []model.Message
	s.guard(func() {
		o.store.Ensure(id, workspace)
		history = o.store.Messages(id)
	})

	asm := o.assembler.Assemble(streamCtx, assembler.Request{
		UserContent:          req.Content,
		KnowledgeDocumentIDs: req.KnowledgeDocumentIDs,
		NoteIDs:              req.NoteIDs,
		FileIDs:              req.FileIDs,
		WorkspaceID:          workspace,
		ConversationIDs:      req.ConversationIDs,
		WebpageURLs:          req.WebpageURLs,
		SystemPrompt:         o.systemPrompt(req.SystemPrompt),
		MemoryContext:        req.MemoryContext,
		IncludeHistory:       !req.Stateless,
		History:              history,
	})
	prior := asm.Bundle.Messages[:len(asm.Bundle.Messages)-1]
	payload, compression := o.compress(prior, []model.Message{asm.UserMessage}, asm.SystemPrompt, asm.Attachments, asm.Memory)
	if compression.CompressionApplied {
		o.publish(model.Event{Kind: model.EventCompressionApplied, ConversationID: id, Compression: &compression})
	}

	user := asm.UserMessage
	user.Attachments = attachmentsFor(req)
	if !s.guard(func() { o.store.Append(id, user) }) {
		return Reply{}, ErrConversationCleared
	}
	o.publish(model.Event{Kind: model.EventMessageCreated, ConversationID: id, Message: &user})

	reply := Reply{Compression: compression, Omitted: asm.Omitted}
	return o.streamInto(ctx, streamCtx, s, id, payload, target{}, reply)
}

// Continue asks the model to carry on from the conversation's last
// assistant message and appends the new text to it. A trailing
// interruption marker is left out of the request and removed from the
// stored message once the continuation produces text. A failed Continue
// leaves the stored message as it was.
func (o *Orchestrator) Continue(ctx context.Context, conversationID string) (Reply, error) {
	if conversationID == "" {
		return Reply{}, ErrNoConversation
	}
	if o.opts.Completer == nil {
		return Reply{}, ErrNoCompleterAvailable
	}

	s := o.session(conversationID)
	streamCtx, err := s.begin(ctx)
	if err != nil {
		return Reply{}, err
	}
	defer s.end()

	history := o.store.Messages(conversationID)
	if len(history) == 0 || history[len(history)-1].Role != model.RoleAssistant {
		return Reply{}, ErrNothingToContinue
	}
	last := history[len(history)-1]
	last.Content = strings.TrimSuffix(last.Content, InterruptionMarker)

	system := o.systemPrompt("")
	var msgs []model.Message
	if system != "" {
		msgs = append(msgs, model.NewMessage(model.RoleSystem, system))
	}
	for _, m := range history[:len(history)-1] {
		if m.Role != model.RoleSystem {
			msgs = append(msgs, m)
		}
	}
	payload, compression := o.compress(msgs, []model.Message{last}, system, "", "")
	if compression.CompressionApplied {
		o.publish(model.Event{Kind: model.EventCompressionApplied, ConversationID: conversationID, Compression: &compression})
	}

	reply := Reply{Compression: compression}
	dst := target{msgID: last.ID, trim: InterruptionMarker}
	return o.streamInto(ctx, streamCtx, s, conversationID, provider.ContinuationMessages(payload), dst, reply)
}

// compress trims the history part of messages to the token budget left
// after the system block and pending. pending is appended after the
// trimmed history untouched.
func (o *Orchestrator) compress(messages, pending []model.Message, systemPrompt, attachments, memory string) ([]model.Message, model.CompressionResult) {
	var system []model.Message
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		system, messages = messages[:1], messages[1:]
	}

	settings := o.opts.Compression
	settings.SystemPromptTokens = o.counter.CountText(systemPrompt)
	settings.KnowledgeTokens = o.counter.CountText(attachments)
	settings.MemoryTokens = o.counter.CountText(memory)
	settings.PendingTokens = compress.Total(pending, o.counter)

	res := compress.Compress(messages, settings, o.counter)
	payload := make([]model.Message, 0, len(system)+len(res.Messages)+len(pending))
	payload = append(payload, system...)
	payload = append(payload, res.Messages...)
	payload = append(payload, pending...)
	return payload, res
}

// target is the message a stream writes into. An empty msgID creates an
// assistant message on the first delta.
type target struct {
	msgID string
	// trim is cut from the end of the existing message before new text
	// is appended.
	trim string
}

// streamInto streams payload into the conversation message named by dst.
func (o *Orchestrator) streamInto(ctx, streamCtx context.Context, s *session, id string, payload []model.Message, dst target, reply Reply) (Reply, error) {
	completer := o.opts.Completer
	modelName := completer.Model()
	started := time.Now()

	msgID := dst.msgID
	existing := msgID != ""
	appended := false
	trimmed := func(m *model.Message) {
		if !appended {
			m.Content = strings.TrimSuffix(m.Content, dst.trim)
			appended = true
		}
	}

	onDelta := func(delta string) {
		var (
			msg     model.Message
			created bool
			err     error
		)
		ok := s.guard(func() {
			if msgID == "" {
				msg = model.NewMessage(model.RoleAssistant, delta)
				msg.Model = modelName
				o.store.Append(id, msg)
				msgID = msg.ID
				created = true
				return
			}
			msg, err = o.store.UpdateMessage(id, msgID, func(m *model.Message) {
				trimmed(m)
				m.Content += delta
			})
		})
		if !ok || err != nil {
			return
		}
		kind := model.EventMessageDelta
		if created {
			kind = model.EventMessageCreated
		}
		o.publish(model.Event{Kind: kind, ConversationID: id, Message: &msg, Delta: delta})
	}

	hookCtx := provider.WithRetryHook(streamCtx, func(attempt int, delay time.Duration, err error) {
		o.publish(model.Event{Kind: model.EventRetrying, ConversationID: id, Attempt: attempt, Err: err})
	})

	res, err := completer.Stream(hookCtx, payload, onDelta)
	reply.Attempts = res.Attempts

	log := o.log.With(zap.String("conversation", id), zap.String("model", modelName))

	switch {
	case err == nil:
		msg, ok := o.finish(s, id, msgID, func(m *model.Message) {
			trimmed(m)
			if res.Warning != nil {
				m.Content += InterruptionMarker
			}
			if res.Usage != nil {
				m.TokenCount = res.Usage.CompletionTokens
			}
			if res.Model != "" {
				m.Model = res.Model
			}
		})
		s.guard(func() { o.store.SetModel(id, modelName) })
		if ok {
			reply.Message = &msg
		}

		if res.Warning != nil {
			reply.Warning = res.Warning
			log.Warn("reply interrupted", zap.Int("chars", len(res.Content)))
			o.publish(model.Event{Kind: model.EventStreamInterrupted, ConversationID: id, Message: reply.Message, Err: res.Warning})
		} else {
			log.Info("reply completed",
				zap.Int("attempts", res.Attempts),
				zap.Duration("elapsed", time.Since(started)))
			o.publish(model.Event{Kind: model.EventStreamCompleted, ConversationID: id, Message: reply.Message})
		}

		if parsed := toolcall.Parse(res.Content); len(parsed) > 0 {
			calls, terr := s.executor.Submit(streamCtx, parsed)
			if terr != nil {
				log.Warn("tool submission failed", zap.Error(terr))
			}
			reply.ToolCalls = calls
		}
		return reply, nil

	case provider.KindOf(err) == provider.KindCancelled:
		if msg, ok := o.finish(s, id, msgID, nil); ok {
			reply.Message = &msg
		}
		log.Info("reply cancelled", zap.Int("chars", len(res.Content)))
		o.publish(model.Event{Kind: model.EventStreamCancelled, ConversationID: id, Message: reply.Message, Err: err})
		return reply, err

	default:
		var suggestions []string
		if provider.KindOf(err) == provider.KindNotFound {
			suggestions = completer.SuggestModels(ctx, modelName)
		}
		text := provider.Explain(err, modelName, suggestions)
		reply.Explanation = text
		log.Error("reply failed", zap.String("kind", string(provider.KindOf(err))), zap.Error(err))

		// A continued message keeps its content; only a new turn gets an
		// assistant message carrying the explanation.
		switch {
		case msgID == "":
			msg := model.NewMessage(model.RoleAssistant, text)
			msg.Model = modelName
			msg.StructuredContent = map[string]any{"error": string(provider.KindOf(err))}
			if s.guard(func() { o.store.Append(id, msg) }) {
				reply.Message = &msg
				o.publish(model.Event{Kind: model.EventMessageCreated, ConversationID: id, Message: &msg})
			}
		case !existing:
			if msg, ok := o.finish(s, id, msgID, nil); ok {
				reply.Message = &msg
			}
		}
		o.publish(model.Event{Kind: model.EventStreamFailed, ConversationID: id, Message: reply.Message, Err: err, Explanation: text})
		return reply, err
	}
}

// finish applies fn to the streamed message and returns its final state.
func (o *Orchestrator) finish(s *session, id, msgID string, fn func(*model.Message)) (model.Message, bool) {
	if msgID == "" {
		return model.Message{}, false
	}
	var (
		msg model.Message
		err error
	)
	ok := s.guard(func() {
		msg, err = o.store.UpdateMessage(id, msgID, func(m *model.Message) {
			if fn != nil {
				fn(m)
			}
		})
	})
	return msg, ok && err == nil
}

func attachmentsFor(req SendRequest) []model.Attachment {
	var out []model.Attachment
	add := func(kind model.AttachmentKind, refs []string) {
		for _, r := range refs {
			out = append(out, model.Attachment{Kind: kind, Ref: r})
		}
	}
	add(model.AttachmentKnowledge, req.KnowledgeDocumentIDs)
	add(model.AttachmentNote, req.NoteIDs)
	add(model.AttachmentFile, req.FileIDs)
	add(model.AttachmentConversation, req.ConversationIDs)
	add(model.AttachmentWebpage, req.WebpageURLs)
	return out
}
