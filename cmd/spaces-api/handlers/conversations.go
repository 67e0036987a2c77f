package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/domain"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// ConversationsHandler serves conversation history and notebook entries.
type ConversationsHandler struct {
	repo *storage.ConversationRepository
	log  *observability.Logger
}

// NewConversationsHandler creates a conversations handler.
func NewConversationsHandler(repo *storage.ConversationRepository, log *observability.Logger) *ConversationsHandler {
	return &ConversationsHandler{repo: repo, log: log}
}

// List handles GET /api/conversations.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	summaries, err := h.repo.List(ctx, userID, middleware.SpaceID(ctx))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]interface{}{"conversations": summaries})
}

// Detail handles GET /api/conversations/{conversationID}.
func (h *ConversationsHandler) Detail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	detail, err := h.repo.Detail(ctx, userID, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, detail)
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

// UpdateTitle handles POST /api/conversations/{conversationID}/title.
func (h *ConversationsHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req updateTitleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, h.log, domain.InvalidArgument("title is required", nil))
		return
	}

	if err := h.repo.UpdateTitle(ctx, userID, chi.URLParam(r, "conversationID"), req.Title); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"status": "ok"})
}

type notebookAddRequest struct {
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Source  json.RawMessage `json:"source"`
}

// AddNotebookEntry handles POST /api/conversations/{conversationID}/notebook.
func (h *ConversationsHandler) AddNotebookEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	var req notebookAddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, h.log, domain.InvalidArgument("content is required", nil))
		return
	}

	entry, err := h.repo.AddNotebookEntry(ctx, userID, chi.URLParam(r, "conversationID"), req.Title, req.Content, req.Source)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, entry)
}

// DeleteNotebookEntry handles DELETE /api/notebook/{entryID}.
func (h *ConversationsHandler) DeleteNotebookEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.UserID(ctx)
	if !ok {
		writeError(w, h.log, domain.Unauthorized("missing identity", nil))
		return
	}

	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil || entryID <= 0 {
		writeError(w, h.log, domain.InvalidArgument("invalid entry id", err))
		return
	}

	if err := h.repo.DeleteNotebookEntry(ctx, userID, entryID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"status": "deleted"})
}
