package deepresearch

import (
	"context"
	"math"
	"sort"

	"github.com/spacesai/spaces-engine/internal/storage"
	"github.com/spacesai/spaces-engine/internal/webresearch"
)

func baseScore(hit storage.ChunkHit) float64 {
	if hit.Distance != nil {
		return -*hit.Distance
	}
	if hit.Rank != nil {
		return *hit.Rank
	}
	return 0
}

// rankLocalRefs orders hits by retrieval score plus an optional recency
// boost decayed over the configured half-life, then keeps the top slice
// used for citations.
func (o *Orchestrator) rankLocalRefs(ctx context.Context, hits []storage.ChunkHit) []storage.ChunkHit {
	if len(hits) == 0 {
		return nil
	}
	recency := make(map[int64]float64)
	boost := o.cfg.RecencyBoost
	if boost > 0 && o.docs != nil {
		ids := uniqueDocIDs(hits)
		created, err := o.docs.CreatedAtByIDs(ctx, ids)
		if err != nil {
			o.log.Warn().Err(err).Msg("recency lookup failed")
		} else {
			halfLifeDays := o.cfg.HalfLifeDays
			if halfLifeDays < 1 {
				halfLifeDays = 1
			}
			halfLife := halfLifeDays * 86400
			now := o.now()
			for id, ts := range created {
				age := now.Sub(ts).Seconds()
				if age < 0 {
					age = 0
				}
				recency[id] = math.Exp(-math.Ln2 * age / halfLife)
			}
		}
	}

	ranked := append([]storage.ChunkHit(nil), hits...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si := baseScore(ranked[i]) + boost*recency[ranked[i].DocumentID]
		sj := baseScore(ranked[j]) + boost*recency[ranked[j].DocumentID]
		return si > sj
	})

	limit := o.cfg.LocalTopK
	if limit < 5 {
		limit = 5
	}
	if limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit]
}

// buildReferences assembles the citation payload attached to an answer:
// ranked local chunks with document metadata, then URL and web evidence.
func (o *Orchestrator) buildReferences(ctx context.Context, rankedLocal []storage.ChunkHit, urlContexts []string, webHits []webresearch.WebHit) []Reference {
	var refs []Reference

	meta := make(map[int64]storage.DocumentMeta)
	if len(rankedLocal) > 0 && o.docs != nil {
		m, err := o.docs.MetaByIDs(ctx, uniqueDocIDs(rankedLocal))
		if err != nil {
			o.log.Warn().Err(err).Msg("document metadata lookup failed")
		} else {
			meta = m
		}
	}
	for i, h := range rankedLocal {
		info := meta[h.DocumentID]
		refs = append(refs, Reference{
			Source:     "local",
			DocumentID: h.DocumentID,
			ChunkID:    h.ChunkID,
			ChunkIndex: h.ChunkIndex,
			Title:      info.Title,
			SourcePath: info.SourcePath,
			Excerpt:    h.Content,
			Rank:       i + 1,
		})
	}
	for i, ctxBlock := range urlContexts {
		refs = append(refs, Reference{
			Source:  "url",
			Snippet: truncate(ctxBlock, urlReferenceSnippet),
			Rank:    i + 1,
		})
	}
	webLimit := o.cfg.WebTopK
	if webLimit < 5 {
		webLimit = 5
	}
	if webLimit > len(webHits) {
		webLimit = len(webHits)
	}
	for i, hit := range webHits[:webLimit] {
		refs = append(refs, Reference{
			Source:  "web",
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
			Rank:    i + 1,
		})
	}
	return refs
}

func uniqueDocIDs(hits []storage.ChunkHit) []int64 {
	seen := make(map[int64]struct{}, len(hits))
	var ids []int64
	for _, h := range hits {
		if _, ok := seen[h.DocumentID]; ok {
			continue
		}
		seen[h.DocumentID] = struct{}{}
		ids = append(ids, h.DocumentID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
