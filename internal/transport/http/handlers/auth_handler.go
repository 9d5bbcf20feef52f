package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/service"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
)

type AuthHandler struct {
	userService *service.UserService
	log         *zap.Logger
}

func NewAuthHandler(userService *service.UserService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{userService: userService, log: log}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterInput
	if !decode(w, r, &input) {
		return
	}

	resp, err := h.userService.Register(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.log, "register", err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input service.LoginInput
	if !decode(w, r, &input) {
		return
	}

	resp, err := h.userService.Login(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.log, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Profile returns another user's profile as the caller may see it.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	p, err := h.userService.VisibleProfile(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, "get profile", err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input service.UpdateProfileInput
	if !decode(w, r, &input) {
		return
	}

	u, err := h.userService.UpdateProfile(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, h.log, "update profile", err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *AuthHandler) UpdatePrivacy(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input domain.Privacy
	if !decode(w, r, &input) {
		return
	}

	u, err := h.userService.UpdatePrivacy(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, h.log, "update privacy", err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (h *AuthHandler) Block(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.userService.Block(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "block user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.userService.Unblock(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "unblock user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.userService.DeleteUser(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "delete user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
