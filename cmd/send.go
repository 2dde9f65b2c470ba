package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"chatcore/chat"
	"chatcore/model"
	"chatcore/provider"
	"chatcore/toolcall"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
)

// outputOptions are shared by send and continue.
type outputOptions struct {
	conversation string
	transcript   string
	render       bool
	copy         bool
	approveAll   bool
}

func (o *outputOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.conversation, "conversation", "c", "default", "conversation id")
	cmd.Flags().StringVarP(&o.transcript, "transcript", "t", "", "JSON file the conversation is loaded from and saved to")
	cmd.Flags().BoolVar(&o.render, "render", false, "render the reply as markdown instead of streaming raw text")
	cmd.Flags().BoolVar(&o.copy, "copy", false, "copy the reply to the clipboard")
	cmd.Flags().BoolVar(&o.approveAll, "approve-all", false, "run tool calls that need approval without asking")
}

func newSendCmd(a *app) *cobra.Command {
	var (
		out       outputOptions
		knowledge []string
		notes     []string
		files     []string
		convs     []string
		urls      []string
		memory    string
		system    string
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and stream the reply",
		Long:  "Send a message to the configured model and stream the reply. With no arguments, or \"-\", the message is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readMessage(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context(), out.conversation, out.transcript)
			if err != nil {
				return err
			}
			defer s.Close()

			stop := streamTo(cmd, s.orch, out.render)
			reply, err := s.orch.Send(cmd.Context(), chat.SendRequest{
				ConversationID:       out.conversation,
				Content:              content,
				KnowledgeDocumentIDs: knowledge,
				NoteIDs:              notes,
				FileIDs:              files,
				ConversationIDs:      convs,
				WebpageURLs:          urls,
				MemoryContext:        memory,
				SystemPrompt:         system,
				Stateless:            noHistory,
			})
			stop()
			return finishReply(cmd, s, reply, err, out)
		},
	}

	out.bind(cmd)
	cmd.Flags().StringSliceVar(&knowledge, "knowledge", nil, "knowledge document ids to attach")
	cmd.Flags().StringSliceVar(&notes, "note", nil, "note ids to attach")
	cmd.Flags().StringSliceVar(&files, "file", nil, "workspace file ids to attach")
	cmd.Flags().StringSliceVar(&convs, "excerpt", nil, "conversation ids to excerpt (transcript conversation only)")
	cmd.Flags().StringSliceVar(&urls, "url", nil, "webpage URLs to reference")
	cmd.Flags().StringVar(&memory, "memory", "", "memory context to include")
	cmd.Flags().StringVar(&system, "system", "", "system prompt for this message")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "send only this message, without earlier turns")
	return cmd
}

func newContinueCmd(a *app) *cobra.Command {
	var out outputOptions
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Continue the last reply of a transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out.transcript == "" {
				return errors.New("continue needs --transcript")
			}
			s, err := a.openSession(cmd.Context(), out.conversation, out.transcript)
			if err != nil {
				return err
			}
			defer s.Close()

			stop := streamTo(cmd, s.orch, out.render)
			reply, err := s.orch.Continue(cmd.Context(), out.conversation)
			stop()
			return finishReply(cmd, s, reply, err, out)
		},
	}
	out.bind(cmd)
	return cmd
}

func readMessage(in io.Reader, args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read message from stdin: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", errors.New("no message given")
	}
	return content, nil
}

// streamTo prints assistant deltas to stdout (unless rendering at the
// end) and progress notes to stderr.
func streamTo(cmd *cobra.Command, orch *chat.Orchestrator, quiet bool) (stop func()) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	return orch.Subscribe(func(e model.Event) {
		switch e.Kind {
		case model.EventMessageCreated, model.EventMessageDelta:
			if !quiet && e.Message != nil && e.Message.Role == model.RoleAssistant && e.Delta != "" {
				fmt.Fprint(stdout, e.Delta)
			}
		case model.EventRetrying:
			fmt.Fprintln(stderr, DimStyle.Render(fmt.Sprintf("retrying (attempt %d): %v", e.Attempt, e.Err)))
		case model.EventCompressionApplied:
			fmt.Fprintln(stderr, DimStyle.Render(fmt.Sprintf("history compressed: %d messages dropped, %d -> %d tokens",
				e.Compression.DroppedCount, e.Compression.OriginalTokens, e.Compression.CompressedTokens)))
		case model.EventToolCallUpdated:
			fmt.Fprintln(stderr, DimStyle.Render(fmt.Sprintf("tool %s: %s", e.ToolCall.Key(), e.ToolCall.Status)))
		}
	})
}

func finishReply(cmd *cobra.Command, s *session, reply chat.Reply, sendErr error, out outputOptions) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	if sendErr != nil {
		if reply.Explanation != "" && provider.KindOf(sendErr) != provider.KindCancelled {
			fmt.Fprintln(stderr, ErrorStyle.Render(reply.Explanation))
		}
		if err := s.save(); err != nil {
			return err
		}
		return sendErr
	}

	if reply.Message != nil {
		text := toolcall.StripToolCalls(reply.Message.Content)
		if out.render {
			fmt.Fprint(stdout, renderMarkdown(text, terminalWidth(stdout)))
		} else {
			fmt.Fprintln(stdout)
		}
		if out.copy {
			if err := clipboard.WriteAll(text); err != nil {
				fmt.Fprintln(stderr, WarningStyle.Render("could not copy to clipboard: "+err.Error()))
			}
		}
	}
	if reply.Warning != nil {
		fmt.Fprintln(stderr, WarningStyle.Render("The reply was interrupted. Run `chatcore continue` to resume it."))
	}

	if err := settleToolCalls(cmd, s, out.approveAll); err != nil {
		return err
	}
	for _, c := range s.orch.ToolCalls(s.conversationID) {
		printToolCall(stdout, c)
	}
	return s.save()
}

// settleToolCalls approves or declines every call awaiting approval.
func settleToolCalls(cmd *cobra.Command, s *session, approveAll bool) error {
	pending := s.orch.PendingToolCalls(s.conversationID)
	if len(pending) == 0 {
		return nil
	}

	interactive := isTerminal(cmd.InOrStdin())
	in := bufio.NewReader(cmd.InOrStdin())
	for _, c := range pending {
		approve := approveAll
		if !approveAll && interactive {
			params, _ := json.Marshal(c.Parameters)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s [y/N] ",
				AccentStyle.Render("run tool"), c.Key(), DimStyle.Render(string(params)))
			answer, _ := in.ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(answer))
			approve = answer == "y" || answer == "yes"
		}

		var err error
		if approve {
			_, err = s.orch.Approve(cmd.Context(), s.conversationID, c.ID)
		} else {
			_, err = s.orch.Decline(s.conversationID, c.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func printToolCall(w io.Writer, c model.ToolCall) {
	switch c.Status {
	case model.ToolCompleted:
		result, err := json.Marshal(c.Result)
		if err != nil {
			result = []byte(fmt.Sprint(c.Result))
		}
		fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render("✓"), c.Key(), truncate(string(result), 200))
	case model.ToolFailed:
		fmt.Fprintf(w, "%s %s %s\n", ErrorStyle.Render("✗"), c.Key(), c.Error)
	case model.ToolDeclined:
		fmt.Fprintf(w, "%s %s %s\n", DimStyle.Render("-"), c.Key(), DimStyle.Render(c.Error))
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}
