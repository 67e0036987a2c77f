package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/tuning"
)

// AdminHandler serves ingestion, reindexing, runtime tuning, and health.
type AdminHandler struct {
	pipeline    *ingest.Pipeline
	tuning      *tuning.Tuning
	tenantCache *cache.TenantCache
	searchCfg   config.SearchConfig
	secondary   config.SecondaryConfig
	log         *observability.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(pipeline *ingest.Pipeline, tun *tuning.Tuning, tenantCache *cache.TenantCache, searchCfg config.SearchConfig, secondary config.SecondaryConfig, log *observability.Logger) *AdminHandler {
	return &AdminHandler{
		pipeline:    pipeline,
		tuning:      tun,
		tenantCache: tenantCache,
		searchCfg:   searchCfg,
		secondary:   secondary,
		log:         log,
	}
}

type ingestRequest struct {
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	SpaceID  *int64          `json:"space_id"`
	Metadata json.RawMessage `json:"metadata"`
}

// IngestDocument handles POST /api/documents.
func (h *AdminHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	spaceID := req.SpaceID
	if spaceID == nil {
		spaceID = middleware.SpaceID(ctx)
	}

	res, err := h.pipeline.IngestText(ctx, ingest.Request{
		UserID:   userID,
		SpaceID:  spaceID,
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"document_id": res.DocumentID,
		"chunks":      res.Chunks,
		"mirrored":    res.Mirrored,
	})
}

// DeleteDocument handles DELETE /api/documents/{documentID}.
func (h *AdminHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	docID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil || docID <= 0 {
		writeError(w, h.log, domain.InvalidArgument("invalid document id", err))
		return
	}

	if err := h.pipeline.DeleteDocument(ctx, docID, userID, middleware.SpaceID(ctx)); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"status": "deleted"})
}

type reindexRequest struct {
	DocID   *int64 `json:"doc_id"`
	SpaceID *int64 `json:"space_id"`
	All     bool   `json:"all"`
	Force   bool   `json:"force"`
}

// Reindex handles POST /api/admin/reindex.
func (h *AdminHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req reindexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.DocID == nil && req.SpaceID == nil && !req.All {
		writeError(w, h.log, domain.InvalidArgument("doc_id, space_id or all required", nil))
		return
	}

	report, err := h.pipeline.Reindex(ctx, ingest.ReindexScope{
		UserID:  userID,
		DocID:   req.DocID,
		SpaceID: req.SpaceID,
		Force:   req.Force,
	}, nil)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"reindexed_documents": report.Documents,
		"reindexed_chunks":    report.Chunks,
		"failed":              report.Failed,
	})
}

type runtimeConfigResponse struct {
	Backend     string                 `json:"backend"`
	DefaultTopK int                    `json:"default_top_k"`
	ANNProbes   int                    `json:"ann_probes"`
	Secondary   runtimeConfigSecondary `json:"secondary"`
}

type runtimeConfigSecondary struct {
	Engine        string `json:"engine"`
	NumCandidates int    `json:"num_candidates"`
	Distance      string `json:"distance"`
}

// GetRuntimeConfig handles GET /api/admin/runtime-config.
func (h *AdminHandler) GetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.tuning.Snapshot()
	writeJSON(w, h.log, http.StatusOK, runtimeConfigResponse{
		Backend:     h.searchCfg.Backend,
		DefaultTopK: snap.DefaultTopK,
		ANNProbes:   snap.ANNProbes,
		Secondary: runtimeConfigSecondary{
			Engine:        h.secondary.Engine,
			NumCandidates: snap.ANNNumCandidates,
			Distance:      h.secondary.Distance,
		},
	})
}

type runtimeConfigUpdate struct {
	DefaultTopK   *int `json:"default_top_k"`
	ANNProbes     *int `json:"ann_probes"`
	NumCandidates *int `json:"num_candidates"`
}

// SetRuntimeConfig handles POST /api/admin/runtime-config. Partial
// updates; each knob is bounds-checked by the tuning package.
func (h *AdminHandler) SetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var req runtimeConfigUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	if req.DefaultTopK != nil {
		if err := h.tuning.SetDefaultTopK(*req.DefaultTopK); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	if req.ANNProbes != nil {
		if err := h.tuning.SetANNProbes(*req.ANNProbes); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	if req.NumCandidates != nil {
		if err := h.tuning.SetANNNumCandidates(*req.NumCandidates); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	h.GetRuntimeConfig(w, r)
}

// Health handles GET /health. The service reports degraded when the
// tenant cache is cooling down or disconnected.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var cacheStatus interface{}
	if h.tenantCache != nil {
		cs := h.tenantCache.Status()
		cacheStatus = cs
		if cs.State == "cooldown" || (cs.Enabled && !cs.Connected) {
			status = "degraded"
		}
	}
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"status":  status,
		"service": "spaces-engine",
		"cache":   cacheStatus,
	})
}
