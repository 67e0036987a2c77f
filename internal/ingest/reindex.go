package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// reindexConcurrency bounds the number of documents embedded and mirrored
// in parallel during a bulk reindex.
const reindexConcurrency = 4

// imageReindexPage is the page size for streaming image assets.
const imageReindexPage = 200

// ReindexScope selects what to rebuild: one document, one space, or the
// whole tenant.
type ReindexScope struct {
	UserID  int64
	DocID   *int64
	SpaceID *int64
	Force   bool // destroy and recreate the secondary indices first
}

// ReindexReport summarizes one reindex run.
type ReindexReport struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

// Progress receives per-document completion callbacks; nil is allowed.
type Progress func(done, total int)

// Reindex rebuilds the secondary index from the relational store for the
// given scope. Documents are processed concurrently; a failing document is
// counted and skipped rather than aborting the run.
func (p *Pipeline) Reindex(ctx context.Context, scope ReindexScope, progress Progress) (*ReindexReport, error) {
	if p.secondary == nil {
		return nil, domain.Unavailable("no secondary index configured", nil)
	}
	if err := p.secondary.EnsureIndexes(ctx, scope.Force); err != nil {
		return nil, domain.Unavailable("ensure secondary indexes", err)
	}

	docs, err := p.docs.ListForReindex(ctx, scope.UserID, scope.DocID, scope.SpaceID)
	if err != nil {
		return nil, err
	}

	report := &ReindexReport{}
	results := make([]struct {
		chunks int
		failed bool
	}, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexConcurrency)
	done := 0
	for i := range docs {
		i := i
		doc := docs[i]
		g.Go(func() error {
			n, err := p.reindexDocument(gctx, doc)
			if err != nil {
				p.log.Warn().Int64("doc_id", doc.ID).Err(err).Msg("reindex document failed")
				results[i].failed = true
				return nil
			}
			results[i].chunks = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range results {
		done++
		if progress != nil {
			progress(done, len(docs))
		}
		if results[i].failed {
			report.Failed++
			continue
		}
		report.Documents++
		report.Chunks += results[i].chunks
	}

	p.bumpRevision(ctx, cache.RevText, scope.UserID, scope.SpaceID)
	p.log.Info().
		Int("documents", report.Documents).
		Int("chunks", report.Chunks).
		Int("failed", report.Failed).
		Msg("reindex complete")
	return report, nil
}

func (p *Pipeline) reindexDocument(ctx context.Context, doc storage.Document) (int, error) {
	contents, err := p.chunks.ContentsByDocument(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	if len(contents) == 0 {
		return 0, nil
	}
	vectors, err := p.textEmb.Embed(ctx, contents)
	if err != nil {
		return 0, err
	}
	return p.secondary.IndexChunks(ctx, opensearch.ChunkBatch{
		UserID:     doc.UserID,
		SpaceID:    doc.SpaceID,
		DocID:      doc.ID,
		Chunks:     contents,
		Vectors:    vectors,
		FileName:   filepath.Base(doc.SourcePath),
		SourcePath: doc.SourcePath,
		FileType:   string(doc.SourceType),
		CreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339),
		Refresh:    p.cfg.Refresh,
	})
}

// ImageReindexReport summarizes one image reindex run.
type ImageReindexReport struct {
	Images int `json:"images"`
	Failed int `json:"failed"`
}

// ReindexImages mirrors a tenant's image assets into the secondary image
// index, re-embedding captions into the cross-modal space as it goes.
func (p *Pipeline) ReindexImages(ctx context.Context, userID int64, progress Progress) (*ImageReindexReport, error) {
	if p.secondary == nil {
		return nil, domain.Unavailable("no secondary index configured", nil)
	}

	report := &ImageReindexReport{}
	offset := 0
	for {
		assets, err := p.images.ListForReindex(ctx, userID, imageReindexPage, offset)
		if err != nil {
			return nil, err
		}
		if len(assets) == 0 {
			break
		}
		for _, asset := range assets {
			if err := p.reindexImage(ctx, asset); err != nil {
				p.log.Warn().Int64("image_id", asset.ID).Err(err).Msg("reindex image failed")
				report.Failed++
			} else {
				report.Images++
			}
			if progress != nil {
				progress(report.Images+report.Failed, 0)
			}
		}
		offset += len(assets)
	}

	space := (*int64)(nil)
	p.bumpRevision(ctx, cache.RevImage, userID, space)
	p.log.Info().Int("images", report.Images).Int("failed", report.Failed).Msg("image reindex complete")
	return report, nil
}

func (p *Pipeline) reindexImage(ctx context.Context, asset storage.ImageAsset) error {
	var vector []float32
	if asset.Caption != "" && p.imageEmb != nil {
		v, err := p.imageEmb.EmbedSingle(ctx, asset.Caption)
		if err != nil {
			p.log.Debug().Int64("image_id", asset.ID).Err(err).Msg("caption embedding failed; indexing text only")
		} else {
			vector = v
		}
	}

	ocr := ""
	if doc, err := p.docs.Get(ctx, asset.DocumentID, asset.UserID); err == nil && len(doc.Metadata) > 0 {
		var meta map[string]json.RawMessage
		if json.Unmarshal(doc.Metadata, &meta) == nil {
			if raw, ok := meta["image_ocr_text"]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil {
					ocr = s
				}
			}
		}
	}

	return p.secondary.IndexImageAsset(ctx, opensearch.ImageDoc{
		Source: opensearch.ImageSource{
			DocID:         asset.DocumentID,
			ImageID:       asset.ID,
			UserID:        asset.UserID,
			SpaceID:       asset.SpaceID,
			FilePath:      asset.FilePath,
			ThumbnailPath: asset.ThumbnailPath,
			Caption:       asset.Caption,
			OCRText:       ocr,
			Tags:          asset.Tags,
			Width:         asset.Width,
			Height:        asset.Height,
			CreatedAt:     asset.CreatedAt.UTC().Format(time.RFC3339),
		},
		Vector:  vector,
		Refresh: p.cfg.Refresh,
	})
}
