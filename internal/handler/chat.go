package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/middleware"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/internal/service"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

// ChatHandler handles the streaming chat endpoint.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		logger: log,
	}
}

// Stream handles POST /api/v1/chat/stream
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = middleware.GetUserID(ctx)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if err := h.chat.StreamChat(ctx, &req, sse); err != nil {
		if !sse.Started() {
			writeServiceError(w, h.logger, err, "chat.stream")
			return
		}
		h.logger.Debug("chat stream ended with error",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
	}
}
