package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcore/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested attachment does not exist.
var ErrNotFound = errors.New("not found")

// AttachmentStore serves knowledge chunks, notes and files from a sqlite
// database. It implements model.KnowledgeSource, model.NoteSource and
// model.FileSource.
type AttachmentStore struct {
	db *sql.DB
}

// OpenAttachmentStore opens (creating if needed) the database at path.
func OpenAttachmentStore(path string) (*AttachmentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &AttachmentStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *AttachmentStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_chunks (
		document_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (document_id, seq)
	);
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS files (
		workspace_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		size INTEGER NOT NULL,
		url TEXT,
		content TEXT,
		PRIMARY KEY (workspace_id, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetKnowledgeChunks returns the chunks of a document in order.
func (s *AttachmentStore) GetKnowledgeChunks(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM knowledge_chunks WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("knowledge document %s: %w", documentID, ErrNotFound)
	}
	return chunks, nil
}

// GetNotesByIDs returns the notes that exist, in the order of ids.
func (s *AttachmentStore) GetNotesByIDs(ctx context.Context, ids []string) ([]model.Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content FROM notes WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]model.Note, len(ids))
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Content); err != nil {
			return nil, err
		}
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notes := make([]model.Note, 0, len(byID))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			notes = append(notes, n)
			delete(byID, id)
		}
	}
	return notes, nil
}

// GetFile returns one workspace file.
func (s *AttachmentStore) GetFile(ctx context.Context, workspaceID, fileID string) (model.FileInfo, error) {
	var (
		f       model.FileInfo
		url     sql.NullString
		content sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, size, url, content FROM files WHERE workspace_id = ? AND id = ?`,
		workspaceID, fileID,
	).Scan(&f.ID, &f.Name, &f.Type, &f.Size, &url, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FileInfo{}, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return model.FileInfo{}, err
	}
	f.URL = url.String
	f.Content = content.String
	return f, nil
}

// PutKnowledgeChunks replaces the chunks of a document.
func (s *AttachmentStore) PutKnowledgeChunks(ctx context.Context, documentID string, chunks []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	for i, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_chunks (document_id, seq, content) VALUES (?, ?, ?)`,
			documentID, i, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PutNote inserts or replaces a note.
func (s *AttachmentStore) PutNote(ctx context.Context, n model.Note) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO notes (id, title, content, updated_at) VALUES (?, ?, ?, ?)`,
		n.ID, n.Title, n.Content, time.Now())
	return err
}

// PutFile inserts or replaces a workspace file.
func (s *AttachmentStore) PutFile(ctx context.Context, workspaceID string, f model.FileInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (workspace_id, id, name, type, size, url, content) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workspaceID, f.ID, f.Name, f.Type, f.Size, f.URL, f.Content)
	return err
}

func (s *AttachmentStore) Close() error {
	return s.db.Close()
}

// ChunkText splits text on blank lines into chunks of at most maxRunes,
// merging short paragraphs. A single paragraph longer than maxRunes is
// split on rune boundaries.
func ChunkText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = 1000
	}
	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p := []rune(strings.TrimSpace(para))
		if len(p) == 0 {
			continue
		}
		if len(cur) > 0 && len(cur)+2+len(p) > maxRunes {
			flush()
		}
		for len(p) > maxRunes {
			flush()
			cur = append(cur, p[:maxRunes]...)
			flush()
			p = p[maxRunes:]
		}
		if len(cur) > 0 {
			cur = append(cur, '\n', '\n')
		}
		cur = append(cur, p...)
	}
	flush()
	return chunks
}
