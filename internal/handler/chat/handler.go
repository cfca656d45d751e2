package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sparkchat/spark-chat/backend/internal/middleware"
	chatservice "github.com/sparkchat/spark-chat/backend/internal/service/chat"
	"github.com/sparkchat/spark-chat/backend/pkg/utils"
)

// Handler 聊天会话与历史记录的HTTP处理器
type Handler struct {
	chatSvc *chatservice.Service
	logger  *zap.SugaredLogger
}

// New 创建聊天处理器
func New(chatSvc *chatservice.Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{chatSvc: chatSvc, logger: logger}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/sessions", h.handleListSessions)
	r.Get("/chat/history", h.handleHistory)
	r.Post("/chat/session/new", h.handleNewSession)
	r.Patch("/chat/session/{chatID}", h.handleUpdateSession)
	r.Delete("/chat/session/{chatID}", h.handleDeleteSession)
	r.Delete("/chat/message/{messageID}", h.handleDeleteMessage)
	r.Get("/chat/models/available", h.handleAvailableModels)
}

// handleListSessions 获取会话列表
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sessions, err := h.chatSvc.ListSessions(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Errorw("failed to list sessions", "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleHistory 获取聊天历史；带 chatId 时返回单个会话
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	chatID := r.URL.Query().Get("chatId")
	if chatID != "" {
		messages, err := h.chatSvc.SessionHistory(r.Context(), identity.UserID, chatID)
		if err != nil {
			h.logger.Errorw("failed to load history", "chatId", chatID, "err", err)
			utils.RespondError(w, http.StatusInternalServerError, "server error")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"chatId":   chatID,
			"messages": messages,
		})
		return
	}

	grouped, err := h.chatSvc.FullHistory(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Errorw("failed to load history", "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"chats": grouped})
}

// handleNewSession 创建新会话
func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload struct {
		Title   string `json:"title"`
		ModelID string `json:"modelId"`
	}
	// 空请求体也允许
	_ = json.NewDecoder(r.Body).Decode(&payload)

	session, err := h.chatSvc.CreateSession(r.Context(), identity.UserID, payload.Title, payload.ModelID)
	if err != nil {
		h.logger.Errorw("failed to create session", "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chatId":  session.ID,
	})
}

// handleUpdateSession 更新会话标题或置顶状态
func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var payload struct {
		Title    *string `json:"title"`
		IsPinned *bool   `json:"isPinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Title == nil && payload.IsPinned == nil {
		utils.RespondError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	chatID := chi.URLParam(r, "chatID")
	err := h.chatSvc.UpdateSession(r.Context(), identity.UserID, chatID, payload.Title, payload.IsPinned)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Errorw("failed to update session", "chatId", chatID, "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteSession 删除会话（级联删除其消息）
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	chatID := chi.URLParam(r, "chatID")
	err := h.chatSvc.DeleteSession(r.Context(), identity.UserID, chatID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Errorw("failed to delete session", "chatId", chatID, "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteMessage 删除单条消息
func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	messageID := chi.URLParam(r, "messageID")
	if err := h.chatSvc.DeleteMessage(r.Context(), identity.UserID, messageID); err != nil {
		h.logger.Errorw("failed to delete message", "messageId", messageID, "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleAvailableModels 获取可用的品牌与模型列表
func (h *Handler) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	brands, err := h.chatSvc.AvailableBrands(r.Context())
	if err != nil {
		h.logger.Errorw("failed to list models", "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"brands": brands})
}
