package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of a document.
type Status string

// Document states.
const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// ErrNotFound is returned for an unknown document.
var ErrNotFound = errors.New("document not found")

// Document is an uploaded knowledge source.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SourceText  string    `json:"-"`
	Status      Status    `json:"status"`
	ChunkCount  int       `json:"chunkCount"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StoredChunk is a chunk as read back for retrieval.
type StoredChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Filename   string    `json:"filename"`
	Seq        int       `json:"seq"`
	Heading    string    `json:"heading,omitempty"`
	Content    string    `json:"content"`
	Normalized string    `json:"-"`
	Embedding  []float32 `json:"-"`
	// Hits is the number of query keywords the chunk matched in
	// SearchKeywords.
	Hits int `json:"hits,omitempty"`
}

// Store persists documents and their chunks.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateDocument inserts d as PENDING.
func (s *Store) CreateDocument(ctx context.Context, d Document) (*Document, error) {
	d.ID = uuid.Must(uuid.NewV7()).String()
	d.Status = StatusPending
	now := time.Now().UTC().Truncate(time.Second)
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_documents (id, owner_id, filename, content_type, source_text, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, nullString(d.OwnerID), d.Filename, d.ContentType, d.SourceText, d.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return &d, nil
}

const documentColumns = `id, owner_id, filename, content_type, source_text, status, chunk_count, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	var owner, errMsg sql.NullString
	var created, updated string
	if err := row.Scan(&d.ID, &owner, &d.Filename, &d.ContentType, &d.SourceText,
		&d.Status, &d.ChunkCount, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	d.OwnerID, d.Error = owner.String, errMsg.String
	d.CreatedAt, _ = time.Parse(time.RFC3339, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &d, nil
}

// Document returns the document with id.
func (s *Store) Document(ctx context.Context, id string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM knowledge_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// Documents lists documents newest first.
func (s *Store) Documents(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM knowledge_documents ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SetStatus records a processing outcome. errMsg is cleared when
// empty.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(errMsg), nowText(), id)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChunks swaps the chunks of a document in one transaction and
// marks it PROCESSED. embeddings is either nil or parallel to chunks;
// a nil entry leaves that chunk without a vector.
func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []Chunk, embeddings [][]float32) error {
	if embeddings != nil && len(embeddings) != len(chunks) {
		return fmt.Errorf("replace chunks: %d embeddings for %d chunks", len(embeddings), len(chunks))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowText()
	res, err := tx.ExecContext(ctx,
		`UPDATE knowledge_documents SET status = ?, chunk_count = ?, error = NULL, updated_at = ? WHERE id = ?`,
		StatusProcessed, len(chunks), now, docID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO knowledge_chunks (id, document_id, seq, heading, content, normalized, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		var vec any
		if embeddings != nil && len(embeddings[i]) > 0 {
			b, err := json.Marshal(embeddings[i])
			if err != nil {
				return fmt.Errorf("encode embedding: %w", err)
			}
			vec = string(b)
		}
		normalized := Normalize(strings.TrimSpace(c.Heading + " " + c.Content))
		if _, err := stmt.ExecContext(ctx, uuid.Must(uuid.NewV7()).String(), docID, c.Seq,
			c.Heading, c.Content, normalized, vec, now); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

const chunkSelect = `SELECT c.id, c.document_id, d.filename, c.seq, c.heading, c.content, c.normalized, c.embedding
	FROM knowledge_chunks c JOIN knowledge_documents d ON d.id = c.document_id`

func scanChunk(row scanner, extra ...any) (*StoredChunk, error) {
	var c StoredChunk
	var vec sql.NullString
	dest := append([]any{&c.ID, &c.DocumentID, &c.Filename, &c.Seq, &c.Heading, &c.Content, &c.Normalized, &vec}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if vec.Valid && vec.String != "" {
		if err := json.Unmarshal([]byte(vec.String), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Chunks returns the chunks of a document in order.
func (s *Store) Chunks(ctx context.Context, docID string) ([]StoredChunk, error) {
	return s.queryChunks(ctx, chunkSelect+` WHERE c.document_id = ? ORDER BY c.seq`, docID)
}

// AllEmbedded returns every chunk of a PROCESSED document that has an
// embedding.
func (s *Store) AllEmbedded(ctx context.Context) ([]StoredChunk, error) {
	return s.queryChunks(ctx, chunkSelect+
		` WHERE d.status = 'PROCESSED' AND c.embedding IS NOT NULL ORDER BY d.created_at, c.seq`)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchKeywords returns up to limit chunks of PROCESSED documents
// containing at least one keyword of query, most keywords first.
func (s *Store) SearchKeywords(ctx context.Context, query string, limit int) ([]StoredChunk, error) {
	keywords := Keywords(query, 8)
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	cases := make([]string, len(keywords))
	args := make([]any, 0, len(keywords)+1)
	for i, kw := range keywords {
		cases[i] = `(CASE WHEN c.normalized LIKE ? ESCAPE '\' THEN 1 ELSE 0 END)`
		args = append(args, "%"+likeEscaper.Replace(kw)+"%")
	}
	hits := strings.Join(cases, " + ")
	q := `SELECT * FROM (` + strings.Replace(chunkSelect, "c.embedding", "c.embedding, "+hits+" AS hits", 1) +
		` WHERE d.status = 'PROCESSED') WHERE hits > 0 ORDER BY hits DESC, seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var c *StoredChunk
		var n int
		if c, err = scanChunk(rows, &n); err != nil {
			return nil, err
		}
		c.Hits = n
		out = append(out, *c)
	}
	return out, rows.Err()
}
