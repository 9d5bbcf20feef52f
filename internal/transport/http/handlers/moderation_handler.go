package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/service"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
	"github.com/vedran77/pulse/pkg/validator"
)

type ModerationHandler struct {
	moderationService *service.ModerationService
	log               *zap.Logger
}

func NewModerationHandler(moderationService *service.ModerationService, log *zap.Logger) *ModerationHandler {
	return &ModerationHandler{moderationService: moderationService, log: log}
}

func (h *ModerationHandler) IssueSanction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var body struct {
		UserID          string `json:"userId"`
		Kind            string `json:"kind"`
		Reason          string `json:"reason"`
		DurationMinutes int64  `json:"durationMinutes"`
	}
	if !decode(w, r, &body) {
		return
	}
	input := service.IssueSanctionInput{
		UserID:   body.UserID,
		Kind:     body.Kind,
		Reason:   body.Reason,
		Duration: time.Duration(body.DurationMinutes) * time.Minute,
	}
	if errs := validator.Struct(input); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	sc, err := h.moderationService.IssueSanction(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, h.log, "issue sanction", err)
		return
	}

	writeJSON(w, http.StatusCreated, sc)
}

func (h *ModerationHandler) LiftSanction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.moderationService.LiftSanction(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, h.log, "lift sanction", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ModerationHandler) FileReport(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input service.FileReportInput
	if !decode(w, r, &input) {
		return
	}

	rep, err := h.moderationService.FileReport(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, h.log, "file report", err)
		return
	}

	writeJSON(w, http.StatusCreated, rep)
}

func (h *ModerationHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	reports, err := h.moderationService.ListReports(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, h.log, "list reports", err)
		return
	}

	writeJSON(w, http.StatusOK, reports)
}

func (h *ModerationHandler) ResolveReport(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		Status string `json:"status" validate:"required,oneof=resolved dismissed"`
	}
	if !decode(w, r, &input) {
		return
	}

	if err := h.moderationService.ResolveReport(r.Context(), userID, r.PathValue("id"), input.Status); err != nil {
		writeServiceError(w, h.log, "resolve report", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ModerationHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.moderationService.ModerateDeleteMessage(r.Context(), userID, r.PathValue("id"), r.URL.Query().Get("reason")); err != nil {
		writeServiceError(w, h.log, "moderate message", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
