package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/service"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
)

type ChatHandler struct {
	chatService  *service.ChatService
	groupService *service.GroupService
	log          *zap.Logger
}

func NewChatHandler(chatService *service.ChatService, groupService *service.GroupService, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chatService: chatService, groupService: groupService, log: log}
}

func (h *ChatHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		UserID string `json:"userId" validate:"required"`
	}
	if !decode(w, r, &input) {
		return
	}

	t, err := h.chatService.OpenDirect(r.Context(), userID, input.UserID)
	if err != nil {
		writeServiceError(w, h.log, "open direct chat", err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *ChatHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input service.CreateGroupInput
	if !decode(w, r, &input) {
		return
	}

	t, err := h.groupService.CreateGroup(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, h.log, "create group", err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	threads, err := h.chatService.ListThreads(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, "list chats", err)
		return
	}

	writeJSON(w, http.StatusOK, threads)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input service.SendMessageInput
	if !decode(w, r, &input) {
		return
	}

	msg, err := h.chatService.SendMessage(r.Context(), userID, r.PathValue("id"), input)
	if err != nil {
		writeServiceError(w, h.log, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	before, ok := queryInt64(r, "before")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "Invalid before cursor")
		return
	}
	limit, ok := queryInt64(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "Invalid limit")
		return
	}

	resp, err := h.chatService.ListMessages(r.Context(), userID, r.PathValue("id"), service.ListMessagesInput{
		Before:   before,
		BeforeID: r.URL.Query().Get("before_id"),
		Limit:    int(limit),
	})
	if err != nil {
		writeServiceError(w, h.log, "list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		At int64 `json:"at"`
	}
	if !decode(w, r, &input) {
		return
	}

	if err := h.chatService.MarkRead(r.Context(), userID, r.PathValue("id"), input.At); err != nil {
		writeServiceError(w, h.log, "mark read", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) Typing(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ids, err := h.chatService.Typing(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, "list typing", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"userIds": ids})
}

type flagInput struct {
	Pinned *bool `json:"pinned"`
	Muted  *bool `json:"muted"`
}

// UpdateFlags sets the caller's pinned and muted flags for a chat.
func (h *ChatHandler) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	threadID := r.PathValue("id")

	var input flagInput
	if !decode(w, r, &input) {
		return
	}

	if input.Pinned != nil {
		if err := h.chatService.SetPinned(r.Context(), userID, threadID, *input.Pinned); err != nil {
			writeServiceError(w, h.log, "pin chat", err)
			return
		}
	}
	if input.Muted != nil {
		if err := h.chatService.SetMuted(r.Context(), userID, threadID, *input.Muted); err != nil {
			writeServiceError(w, h.log, "mute chat", err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		Text string `json:"text" validate:"required,max=4000"`
	}
	if !decode(w, r, &input) {
		return
	}

	msg, err := h.chatService.EditMessage(r.Context(), userID, r.PathValue("id"), input.Text)
	if err != nil {
		writeServiceError(w, h.log, "edit message", err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.chatService.DeleteMessage(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "delete message", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) ToggleSaved(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	saved, err := h.chatService.ToggleSaved(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, "toggle saved", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"saved": saved})
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		UserID string `json:"userId" validate:"required"`
	}
	if !decode(w, r, &input) {
		return
	}

	if err := h.groupService.AddMember(r.Context(), userID, r.PathValue("id"), input.UserID); err != nil {
		writeServiceError(w, h.log, "add member", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.groupService.RemoveMember(r.Context(), userID, r.PathValue("id"), r.PathValue("uid")); err != nil {
		writeServiceError(w, h.log, "remove member", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		Role string `json:"role" validate:"required"`
	}
	if !decode(w, r, &input) {
		return
	}

	if err := h.groupService.SetRole(r.Context(), userID, r.PathValue("id"), r.PathValue("uid"), input.Role); err != nil {
		writeServiceError(w, h.log, "set role", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		UserID string `json:"userId" validate:"required"`
	}
	if !decode(w, r, &input) {
		return
	}

	if err := h.groupService.TransferOwnership(r.Context(), userID, r.PathValue("id"), input.UserID); err != nil {
		writeServiceError(w, h.log, "transfer ownership", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.groupService.Leave(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "leave chat", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
