// Package assembler builds the system prompt and message list for one
// send from the attachments a user selected.
//
// Every attachment kind is fetched concurrently and independently. A
// failing source is logged and left out; it never aborts the send. The
// resulting blocks are joined in a fixed order so that a given input
// always produces byte-identical output:
//
//	system prompt
//	<knowledge>     knowledge document chunks
//	<notes>         notes
//	<files>         file references
//	<chat_history>  excerpts of other conversations
//	<webpages>      webpage references
//	<memory>        memory context
package assembler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chatcore/config"
	"chatcore/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultExcerptMessages is how many trailing messages of another
	// conversation are included.
	DefaultExcerptMessages = 10

	// DefaultExcerptRunes caps each excerpted message.
	DefaultExcerptRunes = 500
)

// Sources are the read-only collaborators attachments come from. Any of
// them may be nil, in which case requests for that kind are ignored.
type Sources struct {
	Knowledge model.KnowledgeSource
	Notes     model.NoteSource
	Files     model.FileSource
	Messages  model.MessageSource
}

// Request describes one send.
type Request struct {
	UserContent string

	KnowledgeDocumentIDs []string
	NoteIDs              []string
	FileIDs              []string
	WorkspaceID          string
	ConversationIDs      []string
	WebpageURLs          []string

	SystemPrompt  string
	MemoryContext string

	// IncludeHistory sends History between the system message and the new
	// user message. When false only those two are sent.
	IncludeHistory bool
	History        []model.Message
}

// Assembly is the assembled payload plus the pieces it was built from,
// which the compressor needs for its budget.
type Assembly struct {
	Bundle model.ContextBundle

	// UserMessage is the new message, also last in Bundle.Messages.
	UserMessage model.Message

	SystemPrompt string
	Attachments  string
	Memory       string

	// Omitted names the attachments whose fetch failed.
	Omitted []string
}

// Assembler turns a Request into a context bundle.
type Assembler struct {
	sources         Sources
	excerptMessages int
	excerptRunes    int
	log             *zap.Logger
}

// New creates an Assembler with default excerpt limits.
func New(sources Sources) *Assembler {
	return &Assembler{
		sources:         sources,
		excerptMessages: DefaultExcerptMessages,
		excerptRunes:    DefaultExcerptRunes,
		log:             config.Logger("assembler"),
	}
}

// block kinds in output order
const (
	blockKnowledge = iota
	blockNotes
	blockFiles
	blockHistory
	blockWebpages
	blockCount
)

var blockTags = [blockCount]string{"knowledge", "notes", "files", "chat_history", "webpages"}

// Assemble fetches the attachments in req and builds the bundle.
func (a *Assembler) Assemble(ctx context.Context, req Request) Assembly {
	var (
		blocks  [blockCount]string
		mu      sync.Mutex
		omitted []string
	)
	omit := func(what string, err error) {
		a.log.Warn("attachment omitted", zap.String("source", what), zap.Error(err))
		mu.Lock()
		omitted = append(omitted, what)
		mu.Unlock()
	}

	var eg errgroup.Group
	if len(req.KnowledgeDocumentIDs) > 0 && a.sources.Knowledge != nil {
		eg.Go(func() error {
			blocks[blockKnowledge] = a.knowledge(ctx, req.KnowledgeDocumentIDs, omit)
			return nil
		})
	}
	if len(req.NoteIDs) > 0 && a.sources.Notes != nil {
		eg.Go(func() error {
			blocks[blockNotes] = a.notes(ctx, req.NoteIDs, omit)
			return nil
		})
	}
	if len(req.FileIDs) > 0 && a.sources.Files != nil {
		eg.Go(func() error {
			blocks[blockFiles] = a.files(ctx, req.WorkspaceID, req.FileIDs, omit)
			return nil
		})
	}
	if len(req.ConversationIDs) > 0 && a.sources.Messages != nil {
		eg.Go(func() error {
			blocks[blockHistory] = a.excerpts(ctx, req.ConversationIDs, omit)
			return nil
		})
	}
	blocks[blockWebpages] = webpages(req.WebpageURLs)
	_ = eg.Wait()

	var attachments []string
	for i, body := range blocks {
		if body != "" {
			attachments = append(attachments, wrap(blockTags[i], body))
		}
	}

	out := Assembly{
		SystemPrompt: strings.TrimSpace(req.SystemPrompt),
		Attachments:  strings.Join(attachments, "\n\n"),
		Omitted:      omitted,
	}
	if m := strings.TrimSpace(req.MemoryContext); m != "" {
		out.Memory = wrap("memory", m)
	}
	out.Bundle.SystemContent = joinNonEmpty("\n\n", out.SystemPrompt, out.Attachments, out.Memory)

	if out.Bundle.SystemContent != "" {
		out.Bundle.Messages = append(out.Bundle.Messages, model.NewMessage(model.RoleSystem, out.Bundle.SystemContent))
	}
	if req.IncludeHistory {
		for _, m := range req.History {
			if m.Role == model.RoleSystem {
				continue
			}
			out.Bundle.Messages = append(out.Bundle.Messages, m.Clone())
		}
	}
	out.UserMessage = model.NewMessage(model.RoleUser, req.UserContent)
	out.Bundle.Messages = append(out.Bundle.Messages, out.UserMessage)

	a.log.Debug("context assembled",
		zap.Int("system_chars", len(out.Bundle.SystemContent)),
		zap.Int("messages", len(out.Bundle.Messages)),
		zap.Strings("omitted", omitted))
	return out
}

func (a *Assembler) knowledge(ctx context.Context, ids []string, omit func(string, error)) string {
	var parts []string
	for _, id := range ids {
		chunks, err := a.sources.Knowledge.GetKnowledgeChunks(ctx, id)
		if err != nil {
			omit("knowledge:"+id, err)
			continue
		}
		if text := joinNonEmpty("\n\n", chunks...); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (a *Assembler) notes(ctx context.Context, ids []string, omit func(string, error)) string {
	notes, err := a.sources.Notes.GetNotesByIDs(ctx, ids)
	if err != nil {
		omit("notes", err)
		return ""
	}
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, fmt.Sprintf("## %s\n%s", n.Title, strings.TrimSpace(n.Content)))
	}
	return strings.Join(parts, "\n\n")
}

func (a *Assembler) files(ctx context.Context, workspaceID string, ids []string, omit func(string, error)) string {
	var parts []string
	for _, id := range ids {
		f, err := a.sources.Files.GetFile(ctx, workspaceID, id)
		if err != nil {
			omit("file:"+id, err)
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "File: %s (%s, %d bytes)", f.Name, f.Type, f.Size)
		if f.URL != "" {
			b.WriteString("\nURL: " + f.URL)
		}
		if c := strings.TrimSpace(f.Content); c != "" {
			b.WriteString("\n" + c)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func (a *Assembler) excerpts(ctx context.Context, ids []string, omit func(string, error)) string {
	var parts []string
	for _, id := range ids {
		msgs, err := a.sources.Messages.GetMessages(ctx, id)
		if err != nil {
			omit("conversation:"+id, err)
			continue
		}
		var kept []model.Message
		for _, m := range msgs {
			if m.Role == model.RoleUser || m.Role == model.RoleAssistant {
				kept = append(kept, m)
			}
		}
		if len(kept) > a.excerptMessages {
			kept = kept[len(kept)-a.excerptMessages:]
		}
		if len(kept) == 0 {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Conversation %s:", id)
		for _, m := range kept {
			fmt.Fprintf(&b, "\n%s: %s", m.Role, truncateRunes(m.Content, a.excerptRunes))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func webpages(urls []string) string {
	var lines []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			lines = append(lines, "- "+u)
		}
	}
	return strings.Join(lines, "\n")
}

func wrap(tag, body string) string {
	return "<" + tag + ">\n" + body + "\n</" + tag + ">"
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
