// Package knowledge ingests crop documents into searchable chunks and
// provides the text similarity helpers used to match questions against
// them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Embedder turns text into a vector. A nil Embedder stores chunks
// without vectors, which leaves them reachable by keyword search only.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// batchEmbedder is implemented by embedders that can embed many texts
// in one call.
type batchEmbedder interface {
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service chunks, embeds and stores uploaded documents.
type Service struct {
	store    *Store
	embedder Embedder
	logger   *slog.Logger
}

// NewService creates a knowledge service. embedder may be nil.
func NewService(store *Store, embedder Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, embedder: embedder, logger: logger}
}

// Store returns the underlying document store.
func (s *Service) Store() *Store { return s.store }

// Ingest stores a new document and processes it. The document row is
// kept even when processing fails, marked FAILED with the reason, so
// an admin can fix the cause and call Reprocess.
func (s *Service) Ingest(ctx context.Context, ownerID, filename string, content []byte) (*Document, error) {
	filename = strings.TrimSpace(filename)
	contentType, err := ContentType(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, filename)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyDocument
	}

	doc, err := s.store.CreateDocument(ctx, Document{
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: contentType,
		SourceText:  string(content),
	})
	if err != nil {
		return nil, err
	}
	return s.process(ctx, doc)
}

// Reprocess re-chunks and re-embeds the stored source of a document.
func (s *Service) Reprocess(ctx context.Context, id string) (*Document, error) {
	doc, err := s.store.Document(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, id, StatusPending, ""); err != nil {
		return nil, err
	}
	return s.process(ctx, doc)
}

func (s *Service) process(ctx context.Context, doc *Document) (*Document, error) {
	start := time.Now()
	log := s.logger.With("document_id", doc.ID, "filename", doc.Filename)

	chunks, err := ChunkDocument(doc.ContentType, []byte(doc.SourceText))
	if err != nil {
		s.fail(ctx, log, doc.ID, err)
		return nil, err
	}

	vectors := s.embed(ctx, log, chunks)
	if err := s.store.ReplaceChunks(ctx, doc.ID, chunks, vectors); err != nil {
		s.fail(ctx, log, doc.ID, err)
		return nil, err
	}

	embedded := 0
	for _, v := range vectors {
		if len(v) > 0 {
			embedded++
		}
	}
	log.Info("document processed",
		"chunks", len(chunks),
		"embedded", embedded,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return s.store.Document(ctx, doc.ID)
}

// embed returns one vector per chunk, or nil when no embedder is
// configured. Batch-capable embedders get the whole document at once;
// if that fails each chunk is retried alone and a chunk that still
// fails gets a nil vector.
func (s *Service) embed(ctx context.Context, log *slog.Logger, chunks []Chunk) [][]float32 {
	if s.embedder == nil {
		return nil
	}
	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = c.Content
		if c.Heading != "" {
			inputs[i] = c.Heading + "\n" + c.Content
		}
	}

	if b, ok := s.embedder.(batchEmbedder); ok {
		vectors, err := b.GenerateBatch(ctx, inputs)
		if err == nil && len(vectors) == len(chunks) {
			return vectors
		}
		log.Warn("batch embedding failed, embedding chunks one by one", "error", err)
	}

	vectors := make([][]float32, len(chunks))
	failed := 0
	for i, input := range inputs {
		v, err := s.embedder.Generate(ctx, input)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			failed++
			log.Warn("chunk embedding failed", "seq", chunks[i].Seq, "error", err)
			continue
		}
		vectors[i] = v
	}
	if failed > 0 {
		log.Warn("document partially embedded", "failed", failed, "total", len(chunks))
	}
	return vectors
}

func (s *Service) fail(ctx context.Context, log *slog.Logger, id string, cause error) {
	log.Error("document processing failed", "error", cause)
	if err := s.store.SetStatus(ctx, id, StatusFailed, cause.Error()); err != nil {
		log.Error("failed to record document failure", "error", err)
	}
}
