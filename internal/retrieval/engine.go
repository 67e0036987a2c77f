// Package retrieval implements hybrid search over the knowledge base:
// semantic ANN search, lexical full-text search, reciprocal rank fusion
// of the two, and cross-modal image search. Results are cached per
// tenant with revision-scoped keys, so ingest invalidates by bumping a
// counter rather than deleting entries.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/embedding"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/opensearch"
	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/tuning"
)

// rrfK is the reciprocal rank fusion constant. Larger values flatten the
// difference between ranks.
const rrfK = 60.0

// chunkIDStride maps secondary hits onto synthetic chunk ids. Secondary
// documents are addressed by (doc_id, chunk_index) and carry no relational
// chunk id, so one is derived that stays unique while chunk counts stay
// below the stride.
const chunkIDStride = 1_000_000

// Backends selectable at runtime.
const (
	BackendRelational = "relational"
	BackendSecondary  = "secondary"
)

// Config holds engine-level retrieval settings.
type Config struct {
	Backend     string
	DefaultTopK int
	Probes      int
	RagTTL      time.Duration
	LLM         config.LLMConfig
}

// Engine answers retrieval queries against the configured backend.
type Engine struct {
	cfg       Config
	chunks    *storage.ChunkRepository
	images    *storage.ImageRepository
	secondary *opensearch.Client
	textEmb   embedding.Embedder
	imageEmb  embedding.Embedder
	cache     *cache.TenantCache
	tuning    *tuning.Tuning
	log       *observability.Logger
}

// New creates a retrieval engine. The secondary client may be nil when the
// backend is relational.
func New(
	cfg Config,
	chunks *storage.ChunkRepository,
	images *storage.ImageRepository,
	secondary *opensearch.Client,
	textEmb, imageEmb embedding.Embedder,
	tenantCache *cache.TenantCache,
	tun *tuning.Tuning,
	log *observability.Logger,
) *Engine {
	if cfg.Backend == "" {
		cfg.Backend = BackendSecondary
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 25
	}
	return &Engine{
		cfg:       cfg,
		chunks:    chunks,
		images:    images,
		secondary: secondary,
		textEmb:   textEmb,
		imageEmb:  imageEmb,
		cache:     tenantCache,
		tuning:    tun,
		log:       log.WithComponent("retrieval"),
	}
}

// Query is a text retrieval request scoped to one tenant.
type Query struct {
	Query   string
	TopK    int
	Probes  int // relational ANN only; 0 uses the runtime or config default
	UserID  int64
	SpaceID *int64
}

func (e *Engine) topK(requested int) int {
	if requested > 0 {
		return requested
	}
	if e.tuning != nil {
		return e.tuning.DefaultTopK()
	}
	return e.cfg.DefaultTopK
}

func (e *Engine) useSecondary() bool {
	return e.cfg.Backend == BackendSecondary && e.secondary != nil
}

func sid(spaceID *int64) int64 {
	if spaceID == nil {
		return 0
	}
	return *spaceID
}

func textCacheKey(prefix string, rev int64, q Query, topK int) string {
	return fmt.Sprintf("%s:%d:%d:%d:%d:%s",
		prefix, rev, q.UserID, sid(q.SpaceID), topK,
		strings.ToLower(strings.TrimSpace(q.Query)))
}

// secondaryDistance folds a similarity score into a distance-like value so
// downstream heuristics can treat both backends uniformly. Scores above one
// clamp to zero distance; non-positive scores are treated as maximally far.
func secondaryDistance(score float64) float64 {
	if score <= 0 {
		return 1.0
	}
	if score > 1 {
		score = 1
	}
	return 1.0 - score
}

// Semantic runs an ANN search over chunk embeddings.
func (e *Engine) Semantic(ctx context.Context, q Query) ([]storage.ChunkHit, error) {
	topK := e.topK(q.TopK)
	rev := e.cache.GetRevision(ctx, cache.RevText, q.UserID, q.SpaceID)
	key := textCacheKey("sem", rev, q, topK)

	var cached []storage.ChunkHit
	if e.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	if !e.useSecondary() && !e.chunks.StoresEmbeddings() {
		e.log.Warn().Msg("semantic search requested but relational embeddings are disabled; returning no results")
		return nil, nil
	}

	vec, err := e.textEmb.EmbedSingle(ctx, q.Query)
	if err != nil {
		return nil, domain.Unavailable("embed query", err)
	}

	var hits []storage.ChunkHit
	if e.useSecondary() {
		numCandidates := 0
		if e.tuning != nil {
			if n, ok := e.tuning.ANNNumCandidates(); ok {
				numCandidates = n
			}
		}
		raw, err := e.secondary.SearchVector(ctx, opensearch.VectorQuery{
			Query:         q.Query,
			Vector:        vec,
			TopK:          topK,
			UserID:        &q.UserID,
			SpaceID:       q.SpaceID,
			NumCandidates: numCandidates,
		})
		if err != nil {
			return nil, domain.Unavailable("secondary vector search", err)
		}
		hits = chunkHitsFromSecondary(raw, true)
	} else {
		probes := q.Probes
		if probes <= 0 && e.tuning != nil {
			if p, ok := e.tuning.ANNProbes(); ok {
				probes = p
			}
		}
		if probes <= 0 {
			probes = e.cfg.Probes
		}
		hits, err = e.chunks.SemanticSearch(ctx, storage.SemanticQuery{
			Vector:  vec,
			TopK:    topK,
			Probes:  probes,
			UserID:  q.UserID,
			SpaceID: q.SpaceID,
		})
		if err != nil {
			return nil, err
		}
	}

	e.cache.SetJSON(ctx, key, hits, 0)
	return hits, nil
}

// Fulltext runs a lexical search over chunk text.
func (e *Engine) Fulltext(ctx context.Context, q Query) ([]storage.ChunkHit, error) {
	topK := e.topK(q.TopK)
	rev := e.cache.GetRevision(ctx, cache.RevText, q.UserID, q.SpaceID)
	key := textCacheKey("fts", rev, q, topK)

	var cached []storage.ChunkHit
	if e.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	var (
		hits []storage.ChunkHit
		err  error
	)
	if e.useSecondary() {
		raw, err := e.secondary.SearchBM25(ctx, opensearch.TextQuery{
			Query:   q.Query,
			TopK:    topK,
			UserID:  &q.UserID,
			SpaceID: q.SpaceID,
		})
		if err != nil {
			return nil, domain.Unavailable("secondary bm25 search", err)
		}
		hits = chunkHitsFromSecondary(raw, false)
	} else {
		hits, err = e.chunks.FulltextSearch(ctx, storage.FulltextQuery{
			Query:   q.Query,
			TopK:    topK,
			UserID:  q.UserID,
			SpaceID: q.SpaceID,
		})
		if err != nil {
			return nil, err
		}
	}

	e.cache.SetJSON(ctx, key, hits, 0)
	return hits, nil
}

// Hybrid fuses semantic and full-text results with reciprocal rank fusion.
// When a chunk appears in both lists its semantic payload wins, keeping the
// distance signal available for downstream heuristics.
func (e *Engine) Hybrid(ctx context.Context, q Query) ([]storage.ChunkHit, error) {
	topK := e.topK(q.TopK)
	q.TopK = topK

	sem, err := e.Semantic(ctx, q)
	if err != nil {
		return nil, err
	}
	fts, err := e.Fulltext(ctx, q)
	if err != nil {
		return nil, err
	}
	return FuseRRF(sem, fts, topK), nil
}

// FuseRRF merges two ranked lists with reciprocal rank fusion. Ties break
// on ascending chunk id so results are deterministic across runs.
func FuseRRF(sem, fts []storage.ChunkHit, topK int) []storage.ChunkHit {
	scores := make(map[int64]float64)
	payload := make(map[int64]storage.ChunkHit)

	for i, hit := range sem {
		scores[hit.ChunkID] += 1.0 / (rrfK + float64(i+1))
		payload[hit.ChunkID] = hit
	}
	for i, hit := range fts {
		scores[hit.ChunkID] += 1.0 / (rrfK + float64(i+1))
		if _, ok := payload[hit.ChunkID]; !ok {
			payload[hit.ChunkID] = hit
		}
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	if len(ids) > topK {
		ids = ids[:topK]
	}
	out := make([]storage.ChunkHit, 0, len(ids))
	for _, id := range ids {
		out = append(out, payload[id])
	}
	return out
}

// chunkHitsFromSecondary maps engine hits onto the relational hit shape.
// Semantic scores additionally fold into a distance.
func chunkHitsFromSecondary(raw []opensearch.Hit, withDistance bool) []storage.ChunkHit {
	hits := make([]storage.ChunkHit, 0, len(raw))
	for _, h := range raw {
		score := h.Score
		hit := storage.ChunkHit{
			ChunkID:    h.Source.DocID*chunkIDStride + int64(h.Source.ChunkIndex),
			DocumentID: h.Source.DocID,
			ChunkIndex: h.Source.ChunkIndex,
			Content:    h.Source.Text,
			Rank:       &score,
		}
		if withDistance {
			d := secondaryDistance(score)
			hit.Distance = &d
		}
		hits = append(hits, hit)
	}
	return hits
}
