package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sparkchat/spark-chat/backend/internal/middleware"
	chatservice "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	"github.com/sparkchat/spark-chat/backend/internal/service/relay"
	"github.com/sparkchat/spark-chat/backend/pkg/utils"
)

// Handler exposes the streaming send-message endpoint.
type Handler struct {
	relaySvc *relay.Service
	logger   *zap.SugaredLogger
}

// New creates the stream handler.
func New(relaySvc *relay.Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{relaySvc: relaySvc, logger: logger}
}

type sendPayload struct {
	Message string `json:"message"`
	ModelID string `json:"modelId"`
	ChatID  string `json:"chatId"`
}

// HandleSendMessage runs the relay for one user message. Errors
// surfacing here are pre-stream by contract; once streaming has begun
// the relay reports failures in-band and returns nil.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload sendPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.relaySvc.SendMessage(r.Context(), w, relay.SendRequest{
		UserID:  identity.UserID,
		Message: payload.Message,
		ModelID: payload.ModelID,
		ChatID:  payload.ChatID,
	})

	switch {
	case err == nil:
		return
	case errors.Is(err, relay.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, "message must not be empty")
	case errors.Is(err, chatservice.ErrModelNotFound):
		utils.RespondError(w, http.StatusNotFound, "model not found or disabled")
	case errors.Is(err, relay.ErrStreamingUnsupported):
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
	default:
		h.logger.Errorw("send message failed", "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
	}
}
