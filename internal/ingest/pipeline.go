package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// Config holds pipeline-level ingest settings.
type Config struct {
	Chunk          ChunkParams
	EmbedBatchSize int
	Refresh        bool // request an index refresh after secondary writes
}

// Pipeline ingests documents: chunk, embed, persist, mirror, invalidate.
// The relational store is authoritative; the secondary index is mirrored
// best-effort and repaired by reindexing.
type Pipeline struct {
	cfg       Config
	docs      *storage.DocumentRepository
	chunks    *storage.ChunkRepository
	images    *storage.ImageRepository
	secondary *opensearch.Client
	textEmb   embedding.Embedder
	imageEmb  embedding.Embedder
	cache     *cache.TenantCache
	log       *observability.Logger
}

// New creates an ingest pipeline. The secondary client may be nil.
func New(
	cfg Config,
	docs *storage.DocumentRepository,
	chunks *storage.ChunkRepository,
	images *storage.ImageRepository,
	secondary *opensearch.Client,
	textEmb, imageEmb embedding.Embedder,
	tenantCache *cache.TenantCache,
	log *observability.Logger,
) *Pipeline {
	if cfg.Chunk.Size <= 0 {
		cfg.Chunk = DefaultChunkParams()
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}
	return &Pipeline{
		cfg:       cfg,
		docs:      docs,
		chunks:    chunks,
		images:    images,
		secondary: secondary,
		textEmb:   textEmb,
		imageEmb:  imageEmb,
		cache:     tenantCache,
		log:       log.WithComponent("ingest"),
	}
}

// Request is one document to ingest.
type Request struct {
	UserID     int64
	SpaceID    *int64
	Title      string
	SourcePath string
	SourceType storage.SourceType
	Content    string
	Metadata   json.RawMessage
}

// Result summarizes one ingested document.
type Result struct {
	DocumentID int64 `json:"document_id"`
	Chunks     int   `json:"chunks"`
	Mirrored   int   `json:"mirrored"`
}

// IngestText chunks and indexes one document's extracted text.
func (p *Pipeline) IngestText(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, domain.InvalidArgument("document content is empty", nil)
	}
	if req.SourceType == "" {
		req.SourceType = storage.SourceTypeText
	}

	chunks := Chunk(req.Content, p.cfg.Chunk)
	if len(chunks) == 0 {
		return nil, domain.InvalidArgument("document produced no chunks", nil)
	}

	var (
		vectors [][]float32
		err     error
	)
	if batcher, ok := p.textEmb.(*embedding.Client); ok {
		vectors, err = batcher.EmbedBatch(ctx, chunks, p.cfg.EmbedBatchSize)
	} else {
		vectors, err = p.textEmb.Embed(ctx, chunks)
	}
	if err != nil {
		return nil, domain.Unavailable("embed chunks", err)
	}

	doc := &storage.Document{
		UserID:     req.UserID,
		SpaceID:    req.SpaceID,
		SourcePath: req.SourcePath,
		SourceType: req.SourceType,
		Title:      req.Title,
		Metadata:   req.Metadata,
	}
	if _, err := p.docs.Insert(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := p.chunks.InsertBatch(ctx, doc.ID, chunks, vectors); err != nil {
		return nil, err
	}

	mirrored := p.mirrorChunks(ctx, doc, chunks, vectors)
	p.bumpRevision(ctx, cache.RevText, req.UserID, req.SpaceID)

	p.log.Info().
		Int64("doc_id", doc.ID).
		Int("chunks", len(chunks)).
		Int("mirrored", mirrored).
		Msg("document ingested")
	return &Result{DocumentID: doc.ID, Chunks: len(chunks), Mirrored: mirrored}, nil
}

// IngestFile reads a file from disk and ingests its extracted text.
func (p *Pipeline) IngestFile(ctx context.Context, path string, userID int64, spaceID *int64, title string) (*Result, error) {
	content, sourceType, err := ExtractFile(path)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = filepath.Base(path)
	}
	return p.IngestText(ctx, Request{
		UserID:     userID,
		SpaceID:    spaceID,
		Title:      title,
		SourcePath: path,
		SourceType: sourceType,
		Content:    content,
	})
}

// DeleteDocument removes a document everywhere: the relational store first,
// then the secondary index best-effort, then both revision bumps so stale
// cache entries stop matching.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID, userID int64, spaceID *int64) error {
	if err := p.docs.Delete(ctx, docID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFound(fmt.Sprintf("document %d not found", docID), err)
		}
		return err
	}
	if p.secondary != nil {
		if err := p.secondary.DeleteDocument(ctx, docID, &userID); err != nil {
			p.log.Warn().Int64("doc_id", docID).Err(err).Msg("secondary delete failed; reindex will repair")
		}
	}
	p.bumpRevision(ctx, cache.RevText, userID, spaceID)
	p.bumpRevision(ctx, cache.RevImage, userID, spaceID)
	return nil
}

// mirrorChunks writes chunks into the secondary index. Failures are logged
// and swallowed; the relational store already holds the truth.
func (p *Pipeline) mirrorChunks(ctx context.Context, doc *storage.Document, chunks []string, vectors [][]float32) int {
	if p.secondary == nil {
		return 0
	}
	n, err := p.secondary.IndexChunks(ctx, opensearch.ChunkBatch{
		UserID:     doc.UserID,
		SpaceID:    doc.SpaceID,
		DocID:      doc.ID,
		Chunks:     chunks,
		Vectors:    vectors,
		FileName:   filepath.Base(doc.SourcePath),
		SourcePath: doc.SourcePath,
		FileType:   string(doc.SourceType),
		CreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339),
		Refresh:    p.cfg.Refresh,
	})
	if err != nil {
		p.log.Warn().Int64("doc_id", doc.ID).Err(err).Msg("secondary mirror failed; reindex will repair")
		return 0
	}
	return n
}

func (p *Pipeline) bumpRevision(ctx context.Context, kind string, userID int64, spaceID *int64) {
	if _, err := p.cache.BumpRevision(ctx, kind, userID, spaceID); err != nil {
		p.log.Debug().Err(err).Str("kind", kind).Msg("revision bump skipped")
	}
}
