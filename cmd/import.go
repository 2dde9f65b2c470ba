package cmd

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"chatcore/model"
	"chatcore/storage"

	"github.com/spf13/cobra"
)

var errNoAttachmentDB = errors.New("no attachment database configured; set storage.attachments_db")

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import knowledge documents, notes and files for use as attachments",
	}
	cmd.AddCommand(
		newImportKnowledgeCmd(a),
		newImportNoteCmd(a),
		newImportFileCmd(a),
	)
	return cmd
}

// withStore opens the attachment database for the duration of fn.
func (a *app) withStore(fn func(*storage.AttachmentStore) error) error {
	store, err := a.openAttachments()
	if err != nil {
		return err
	}
	if store == nil {
		return errNoAttachmentDB
	}
	defer store.Close()
	return fn(store)
}

func newImportKnowledgeCmd(a *app) *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "knowledge <document-id> <path>",
		Short: "Import a text document as knowledge chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			chunks := storage.ChunkText(string(data), chunkSize)
			if len(chunks) == 0 {
				return fmt.Errorf("%s has no text", args[1])
			}
			return a.withStore(func(s *storage.AttachmentStore) error {
				if err := s.PutKnowledgeChunks(cmd.Context(), args[0], chunks); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d chunks\n", SuccessStyle.Render("imported"), args[0], len(chunks))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, "maximum characters per chunk")
	return cmd
}

func newImportNoteCmd(a *app) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "note <note-id> <path>",
		Short: "Import a text file as a note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1]))
			}
			return a.withStore(func(s *storage.AttachmentStore) error {
				n := model.Note{ID: args[0], Title: title, Content: string(data)}
				if err := s.PutNote(cmd.Context(), n); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s note %s\n", SuccessStyle.Render("imported"), args[0])
				return err
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "note title (default: file name)")
	return cmd
}

func newImportFileCmd(a *app) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "file <file-id> <path>",
		Short: "Import a file into the current workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			typ := mime.TypeByExtension(filepath.Ext(args[1]))
			if typ == "" {
				typ = "application/octet-stream"
			}
			f := model.FileInfo{
				ID:      args[0],
				Name:    filepath.Base(args[1]),
				Type:    typ,
				Size:    int64(len(data)),
				URL:     url,
				Content: string(data),
			}
			return a.withStore(func(s *storage.AttachmentStore) error {
				if err := s.PutFile(cmd.Context(), a.workspace, f); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s file %s into workspace %s\n", SuccessStyle.Render("imported"), args[0], a.workspace)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "where the file can be fetched from")
	return cmd
}
