package handlers

import (
	"net/http"
	"strconv"

	"manabi-backend/internal/middleware"
	"manabi-backend/internal/models"
	"manabi-backend/internal/services"
)

const (
	defaultMessagePage = 50
	maxMessagePage     = 200
)

type ConversationHandler struct {
	chat          *services.ChatService
	conversations *services.ConversationService
	sheets        *services.SheetService
}

func NewConversationHandler(chat *services.ChatService, conversations *services.ConversationService, sheets *services.SheetService) *ConversationHandler {
	return &ConversationHandler{chat: chat, conversations: conversations, sheets: sheets}
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conv, err := h.conversations.Create(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.chat.SendMessage(r.Context(), middleware.GetUserID(r.Context()), convID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	limit := defaultMessagePage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMessagePage {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Invalid limit", map[string]string{"limit": "Must be between 1 and 200"}, r))
			return
		}
		limit = n
	}

	msgs, err := h.conversations.Messages(r.Context(), middleware.GetUserID(r.Context()), convID, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.conversations.Delete(r.Context(), middleware.GetUserID(r.Context()), convID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

func (h *ConversationHandler) Sheet(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	sheet, err := h.sheets.Generate(r.Context(), middleware.GetUserID(r.Context()), convID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}
