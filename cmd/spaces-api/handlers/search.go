package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// SearchHandler serves chunk retrieval queries.
type SearchHandler struct {
	engine *retrieval.Engine
	docs   *storage.DocumentRepository
	log    *observability.Logger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(engine *retrieval.Engine, docs *storage.DocumentRepository, log *observability.Logger) *SearchHandler {
	return &SearchHandler{engine: engine, docs: docs, log: log}
}

type searchRequest struct {
	Query       string `json:"query"`
	Mode        string `json:"mode"`
	TopK        int    `json:"top_k"`
	SpaceID     *int64 `json:"space_id"`
	LLMProvider string `json:"llm_provider"`
}

type hitDTO struct {
	ChunkID    int64    `json:"chunk_id"`
	DocumentID int64    `json:"document_id"`
	ChunkIndex int      `json:"chunk_index"`
	Content    string   `json:"content"`
	Distance   *float64 `json:"distance"`
	Rank       *float64 `json:"rank"`
	FileName   string   `json:"file_name,omitempty"`
	FileType   string   `json:"file_type,omitempty"`
	Title      string   `json:"title,omitempty"`
}

type referenceDTO struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	ChunkID  int64  `json:"chunk_id"`
	Href     string `json:"href"`
}

type searchResponse struct {
	Mode       string         `json:"mode"`
	Hits       []hitDTO       `json:"hits"`
	Answer     *string        `json:"answer,omitempty"`
	UsedLLM    *bool          `json:"used_llm,omitempty"`
	References []referenceDTO `json:"references,omitempty"`
}

// Query handles POST /api/search.
func (h *SearchHandler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, h.log, domain.InvalidArgument("query is required", nil))
		return
	}
	spaceID := req.SpaceID
	if spaceID == nil {
		spaceID = middleware.SpaceID(ctx)
	}

	mode := strings.ToLower(req.Mode)
	base := retrieval.Query{Query: req.Query, TopK: req.TopK, UserID: userID, SpaceID: spaceID}

	var (
		hits    []storage.ChunkHit
		answer  *string
		usedLLM *bool
		err     error
	)
	switch mode {
	case retrieval.ModeSemantic:
		hits, err = h.engine.Semantic(ctx, base)
	case retrieval.ModeFulltext:
		hits, err = h.engine.Fulltext(ctx, base)
	case "rag":
		var res *retrieval.RAGResult
		res, err = h.engine.Answer(ctx, retrieval.RAGQuery{
			Query:            req.Query,
			Mode:             retrieval.ModeHybrid,
			TopK:             req.TopK,
			UserID:           userID,
			SpaceID:          spaceID,
			ProviderOverride: req.LLMProvider,
		})
		if err == nil {
			hits = res.Hits
			answer = &res.Answer
			usedLLM = &res.UsedLLM
		}
	default:
		mode = retrieval.ModeHybrid
		hits, err = h.engine.Hybrid(ctx, base)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	resp := searchResponse{
		Mode:    mode,
		Hits:    h.enrichHits(ctx, hits),
		Answer:  answer,
		UsedLLM: usedLLM,
	}
	if answer != nil {
		limit := len(resp.Hits)
		if limit > 5 {
			limit = 5
		}
		for _, e := range resp.Hits[:limit] {
			name := e.FileName
			if name == "" {
				name = e.Title
			}
			resp.References = append(resp.References, referenceDTO{
				FileName: name,
				FileType: e.FileType,
				ChunkID:  e.ChunkID,
				Href:     "#chunk-" + itoa64(e.ChunkID),
			})
		}
	}
	writeJSON(w, h.log, http.StatusOK, resp)
}

// enrichHits attaches document metadata. Lookup failures degrade to bare
// hits rather than failing the search.
func (h *SearchHandler) enrichHits(ctx context.Context, hits []storage.ChunkHit) []hitDTO {
	out := make([]hitDTO, 0, len(hits))
	var meta map[int64]storage.DocumentMeta
	if len(hits) > 0 && h.docs != nil {
		ids := make([]int64, 0, len(hits))
		seen := make(map[int64]struct{})
		for _, hit := range hits {
			if _, ok := seen[hit.DocumentID]; !ok {
				seen[hit.DocumentID] = struct{}{}
				ids = append(ids, hit.DocumentID)
			}
		}
		m, err := h.docs.MetaByIDs(ctx, ids)
		if err != nil {
			h.log.Warn().Err(err).Msg("document metadata lookup failed")
		} else {
			meta = m
		}
	}
	for _, hit := range hits {
		dto := hitDTO{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			ChunkIndex: hit.ChunkIndex,
			Content:    hit.Content,
			Distance:   hit.Distance,
			Rank:       hit.Rank,
		}
		if info, ok := meta[hit.DocumentID]; ok {
			if info.SourcePath != "" {
				dto.FileName = filepath.Base(info.SourcePath)
			}
			dto.FileType = string(info.SourceType)
			dto.Title = info.Title
		}
		out = append(out, dto)
	}
	return out
}
