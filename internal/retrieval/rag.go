package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spacesai/spaces-engine/internal/llm"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// Retrieval modes accepted by Answer.
const (
	ModeSemantic = "semantic"
	ModeFulltext = "fulltext"
	ModeHybrid   = "hybrid"
)

// RAGQuery is a retrieval-augmented answer request.
type RAGQuery struct {
	Query            string
	Mode             string
	TopK             int
	UserID           int64
	SpaceID          *int64
	ProviderOverride string
}

// RAGResult carries the synthesized answer with its supporting hits.
// UsedLLM is false when the provider declined or failed and the answer is
// the raw retrieval context.
type RAGResult struct {
	Answer  string             `json:"answer"`
	Hits    []storage.ChunkHit `json:"hits"`
	UsedLLM bool               `json:"used_llm"`
}

type ragCacheEntry struct {
	Answer  string `json:"answer"`
	UsedLLM bool   `json:"used_llm"`
}

// Fingerprint identifies the evidence set independent of chunk content, so
// equal hit sets share one cache entry.
func Fingerprint(hits []storage.ChunkHit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, fmt.Sprintf("%d-%d", h.DocumentID, h.ChunkIndex))
	}
	return strings.Join(parts, ":")
}

func ragCacheKey(q RAGQuery, provider string, topK int, hits []storage.ChunkHit, grounding string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(q.Query))))
	h.Write([]byte("|"))
	h.Write([]byte(Fingerprint(hits)))
	h.Write([]byte("|"))
	h.Write([]byte(grounding))
	digest := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("rag:%s:%s:%d:%d:%d:%s", provider, q.Mode, q.UserID, sid(q.SpaceID), topK, digest)
}

// Answer retrieves evidence in the requested mode and synthesizes an answer
// with the configured provider. A failing provider degrades to returning the
// concatenated context, never an error.
func (e *Engine) Answer(ctx context.Context, q RAGQuery) (*RAGResult, error) {
	q.Mode = strings.ToLower(q.Mode)
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 6
	}

	base := Query{Query: q.Query, TopK: topK, UserID: q.UserID, SpaceID: q.SpaceID}
	var (
		hits []storage.ChunkHit
		err  error
	)
	switch q.Mode {
	case ModeSemantic:
		hits, err = e.Semantic(ctx, base)
	case ModeFulltext:
		hits, err = e.Fulltext(ctx, base)
	default:
		q.Mode = ModeHybrid
		hits, err = e.Hybrid(ctx, base)
	}
	if err != nil {
		return nil, err
	}

	contents := make([]string, 0, len(hits))
	for _, h := range hits {
		contents = append(contents, h.Content)
	}
	grounding := strings.Join(contents, "\n\n")

	provider := strings.ToLower(q.ProviderOverride)
	if provider == "" {
		provider = strings.ToLower(e.cfg.LLM.Provider)
	}
	if provider == "" {
		provider = "none"
	}

	key := ragCacheKey(q, provider, topK, hits, grounding)
	var cached ragCacheEntry
	if e.cache.GetJSON(ctx, key, &cached) && cached.Answer != "" {
		return &RAGResult{Answer: cached.Answer, Hits: hits, UsedLLM: cached.UsedLLM}, nil
	}

	client := llm.NewWithProvider(e.cfg.LLM, provider, e.log)
	answer, llmErr := client.Chat(ctx, q.Query, grounding)
	usedLLM := llmErr == nil && answer != ""
	if !usedLLM {
		if llmErr != nil {
			e.log.Debug().Err(llmErr).Str("provider", provider).Msg("llm declined; answering with raw context")
		}
		answer = grounding
	}

	if e.cfg.RagTTL > 0 {
		e.cache.SetJSON(ctx, key, ragCacheEntry{Answer: answer, UsedLLM: usedLLM}, e.cfg.RagTTL)
	}
	return &RAGResult{Answer: answer, Hits: hits, UsedLLM: usedLLM}, nil
}
