package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/store"
	"github.com/vedran77/pulse/pkg/validator"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":   "VALIDATION_ERROR",
			"fields": errs,
		},
	})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return false
	}
	if errs := validator.Struct(dst); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return false
	}
	return true
}

var statusByCode = map[string]int{
	domain.ErrUserNotFound.Code:     http.StatusNotFound,
	domain.ErrThreadNotFound.Code:   http.StatusNotFound,
	domain.ErrMessageNotFound.Code:  http.StatusNotFound,
	domain.ErrReportNotFound.Code:   http.StatusNotFound,
	domain.ErrSanctionNotFound.Code: http.StatusNotFound,
	domain.ErrNotMember.Code:        http.StatusForbidden,
	domain.ErrForbidden.Code:        http.StatusForbidden,
	domain.ErrNotAuthor.Code:        http.StatusForbidden,
	domain.ErrBlocked.Code:          http.StatusForbidden,
	domain.ErrSanctioned.Code:       http.StatusForbidden,
	domain.ErrReservedUser.Code:     http.StatusForbidden,
	domain.ErrAlreadyMember.Code:    http.StatusConflict,
	domain.ErrUsernameTaken.Code:    http.StatusConflict,
	domain.ErrEmailTaken.Code:       http.StatusConflict,
	domain.ErrInvalidCreds.Code:     http.StatusUnauthorized,
	domain.ErrRateLimited.Code:      http.StatusTooManyRequests,
}

// writeServiceError maps a service failure onto a response. Business-rule
// violations keep their code; store failures are logged.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		status, ok := statusByCode[verr.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		writeError(w, status, verr.Code, verr.Message)
		return
	}

	switch {
	case errors.Is(err, repository.ErrConflictAbort):
		log.Warn(op, zap.Error(err))
		writeError(w, http.StatusConflict, "CONFLICT", "Please retry")
	case errors.Is(err, repository.ErrBackendUnavailable), errors.Is(err, store.ErrClosed):
		log.Warn(op, zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Service temporarily unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "CANCELLED", "Request cancelled")
	default:
		log.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
	}
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, name string) (int64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
