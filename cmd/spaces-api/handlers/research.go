package handlers

import (
	"net/http"
	"strings"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/deepresearch"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/observability"
)

// ResearchHandler serves Deep Research conversations.
type ResearchHandler struct {
	orchestrator *deepresearch.Orchestrator
	log          *observability.Logger
}

// NewResearchHandler creates a research handler.
func NewResearchHandler(orchestrator *deepresearch.Orchestrator, log *observability.Logger) *ResearchHandler {
	return &ResearchHandler{orchestrator: orchestrator, log: log}
}

type researchStartRequest struct {
	SpaceID *int64 `json:"space_id"`
}

// Start handles POST /api/deep-research/start.
func (h *ResearchHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req researchStartRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	spaceID := req.SpaceID
	if spaceID == nil {
		spaceID = middleware.SpaceID(ctx)
	}

	cid, err := h.orchestrator.StartConversation(ctx, userID, spaceID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"conversation_id": cid})
}

type researchAskRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	LLMProvider    string   `json:"llm_provider"`
	ForceWeb       bool     `json:"force_web"`
	URLs           []string `json:"urls"`
	SpaceID        *int64   `json:"space_id"`
}

// Ask handles POST /api/deep-research/ask.
func (h *ResearchHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req researchAskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, h.log, domain.InvalidArgument("conversation_id is required", nil))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, h.log, domain.InvalidArgument("message is required", nil))
		return
	}
	spaceID := req.SpaceID
	if spaceID == nil {
		spaceID = middleware.SpaceID(ctx)
	}

	res, err := h.orchestrator.Ask(ctx, deepresearch.AskRequest{
		UserID:           userID,
		SpaceID:          spaceID,
		ConversationID:   req.ConversationID,
		Message:          req.Message,
		ProviderOverride: req.LLMProvider,
		ForceWeb:         req.ForceWeb,
		URLs:             req.URLs,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, res)
}
