package handlers

import (
	"net/http"
	"time"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/retrieval"
)

// ImagesHandler serves cross-modal image search.
type ImagesHandler struct {
	engine *retrieval.Engine
	log    *observability.Logger
}

// NewImagesHandler creates an image search handler.
func NewImagesHandler(engine *retrieval.Engine, log *observability.Logger) *ImagesHandler {
	return &ImagesHandler{engine: engine, log: log}
}

type imageSearchRequest struct {
	Query   string    `json:"query"`
	Vector  []float32 `json:"vector"`
	Tags    []string  `json:"tags"`
	TopK    int       `json:"top_k"`
	SpaceID *int64    `json:"space_id"`
}

type imageResultDTO struct {
	Rank          int      `json:"rank"`
	DocID         int64    `json:"doc_id"`
	ImageID       int64    `json:"image_id"`
	FilePath      string   `json:"file_path"`
	ThumbnailPath string   `json:"thumbnail_path"`
	Caption       string   `json:"caption"`
	Tags          []string `json:"tags"`
	Score         *float64 `json:"score"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

type imageSearchResponse struct {
	Results []imageResultDTO `json:"results"`
	Count   int              `json:"count"`
}

// Search handles POST /api/image-search.
func (h *ImagesHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req imageSearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Query == "" && len(req.Vector) == 0 && len(req.Tags) == 0 {
		writeError(w, h.log, domain.InvalidArgument("query, vector or tags required", nil))
		return
	}
	spaceID := req.SpaceID
	if spaceID == nil {
		spaceID = middleware.SpaceID(ctx)
	}

	hits, err := h.engine.Images(ctx, retrieval.ImageQuery{
		Query:   req.Query,
		Vector:  req.Vector,
		TopK:    req.TopK,
		UserID:  userID,
		SpaceID: spaceID,
		Tags:    req.Tags,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	results := make([]imageResultDTO, 0, len(hits))
	for i, hit := range hits {
		dto := imageResultDTO{
			Rank:          i + 1,
			DocID:         hit.DocumentID,
			ImageID:       hit.ImageID,
			FilePath:      hit.FilePath,
			ThumbnailPath: hit.ThumbnailPath,
			Caption:       hit.Caption,
			Tags:          hit.Tags,
			Score:         hit.Score,
			Width:         hit.Width,
			Height:        hit.Height,
		}
		if hit.CreatedAt != nil {
			dto.CreatedAt = hit.CreatedAt.Format(time.RFC3339)
		}
		results = append(results, dto)
	}
	writeJSON(w, h.log, http.StatusOK, imageSearchResponse{Results: results, Count: len(results)})
}
