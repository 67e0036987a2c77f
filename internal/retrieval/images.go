package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// ImageQuery is a cross-modal image search request. A reference vector,
// when supplied, wins over the query text. Otherwise the query text is
// embedded into the image space when an image embedder is configured;
// with no embedder the search is textual over captions and OCR text.
type ImageQuery struct {
	Query   string
	Vector  []float32
	TopK    int
	UserID  int64
	SpaceID *int64
	Tags    []string
}

func imageCacheKey(rev int64, q ImageQuery, topK int, withVector bool) string {
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	marker := "novec"
	if withVector {
		marker = "vec"
	}
	return fmt.Sprintf("img:%d:%d:%d:%d:%s:%s:%s",
		rev, q.UserID, sid(q.SpaceID), topK,
		strings.ToLower(strings.TrimSpace(q.Query)),
		strings.Join(tags, ","), marker)
}

// Images searches image assets. The secondary engine is preferred when
// configured; on failure the search falls back to the relational store
// rather than erroring out.
func (e *Engine) Images(ctx context.Context, q ImageQuery) ([]storage.ImageHit, error) {
	topK := e.topK(q.TopK)

	vec := q.Vector
	if len(vec) > 0 {
		// A reference vector always wins; the text is dropped so blended
		// scoring cannot disagree with the reference.
		q.Query = ""
	} else if q.Query != "" && e.imageEmb != nil {
		v, err := e.imageEmb.EmbedSingle(ctx, q.Query)
		if err != nil {
			e.log.Warn().Err(err).Msg("image query embedding failed; searching by text only")
		} else {
			vec = v
		}
	}

	rev := e.cache.GetRevision(ctx, cache.RevImage, q.UserID, q.SpaceID)
	key := imageCacheKey(rev, q, topK, len(vec) > 0)

	var cached []storage.ImageHit
	if e.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	var hits []storage.ImageHit
	if e.useSecondary() {
		raw, err := e.secondary.SearchImages(ctx, opensearch.ImageQuery{
			Vector:  vec,
			Text:    q.Query,
			TopK:    topK,
			UserID:  &q.UserID,
			SpaceID: q.SpaceID,
			Tags:    q.Tags,
		})
		if err != nil {
			e.log.Warn().Err(err).Msg("secondary image search failed; falling back to relational store")
			hits, err = e.imageSearchRelational(ctx, q, vec, topK)
			if err != nil {
				return nil, err
			}
		} else {
			hits = imageHitsFromSecondary(raw)
		}
	} else {
		var err error
		hits, err = e.imageSearchRelational(ctx, q, vec, topK)
		if err != nil {
			return nil, err
		}
	}

	e.cache.SetJSON(ctx, key, hits, 0)
	return hits, nil
}

func (e *Engine) imageSearchRelational(ctx context.Context, q ImageQuery, vec []float32, topK int) ([]storage.ImageHit, error) {
	return e.images.Search(ctx, storage.ImageQuery{
		Vector:  vec,
		Query:   q.Query,
		TopK:    topK,
		UserID:  q.UserID,
		SpaceID: q.SpaceID,
		Tags:    q.Tags,
	})
}

func imageHitsFromSecondary(raw []opensearch.ImageHit) []storage.ImageHit {
	hits := make([]storage.ImageHit, 0, len(raw))
	for _, h := range raw {
		score := h.Score
		hit := storage.ImageHit{
			ImageID:       h.Source.ImageID,
			DocumentID:    h.Source.DocID,
			FilePath:      h.Source.FilePath,
			ThumbnailPath: h.Source.ThumbnailPath,
			Caption:       h.Source.Caption,
			Tags:          h.Source.Tags,
			Width:         h.Source.Width,
			Height:        h.Source.Height,
			Score:         &score,
		}
		if h.Source.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, h.Source.CreatedAt); err == nil {
				hit.CreatedAt = &t
			}
		}
		hits = append(hits, hit)
	}
	return hits
}
