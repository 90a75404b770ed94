// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/sentiment-chat/internal/middleware"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/internal/service"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// History handles GET /api/v1/chat/history
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	summaries, err := h.service.History(ctx, userID, queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, h.logger, err, "conversation.history")
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

// Get handles GET /api/v1/chat/conversation/{id}
// Supports ?limit=N&offset=M for paging through messages.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, err := h.service.Detail(ctx, userID, conversationID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, h.logger, err, "conversation.detail")
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// Rename handles PATCH /api/v1/chat/conversation/{id}/rename
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.RenameConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Rename(ctx, userID, conversationID, req.Title)
	if err != nil {
		writeServiceError(w, h.logger, err, "conversation.rename")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/chat/conversation/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, userID, conversationID); err != nil {
		writeServiceError(w, h.logger, err, "conversation.delete")
		return
	}

	writeJSON(w, http.StatusOK, model.DeleteResponse{
		Success: true,
		Message: "Conversation deleted successfully",
	})
}

// DeleteAll handles DELETE /api/v1/chat/conversations
func (h *ConversationHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	count, err := h.service.DeleteAll(ctx, userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "conversation.delete_all")
		return
	}

	writeJSON(w, http.StatusOK, model.DeleteResponse{
		Success:      true,
		Message:      "All conversations deleted successfully",
		DeletedCount: &count,
	})
}

// Models handles GET /api/v1/chat/models
func (h *ConversationHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Models(r.Context()))
}

// Methods handles GET /api/v1/chat/methods
func (h *ConversationHandler) Methods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"methods": h.service.SentimentMethods(r.Context()),
	})
}
