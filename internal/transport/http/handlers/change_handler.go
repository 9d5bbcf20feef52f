package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/store"
)

type ChangeHandler struct {
	store *store.Store
	log   *zap.Logger
}

func NewChangeHandler(st *store.Store, log *zap.Logger) *ChangeHandler {
	return &ChangeHandler{store: st, log: log}
}

// Changes reports the current change marker and whether it moved past
// ?since=. Clients refetch when changed is true.
func (h *ChangeHandler) Changes(w http.ResponseWriter, r *http.Request) {
	since, ok := queryInt64(r, "since")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_MARKER", "Invalid since marker")
		return
	}

	marker, err := h.store.ChangeMarker(r.Context())
	if err != nil {
		writeServiceError(w, h.log, "change marker", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"marker":  marker,
		"changed": marker > since,
	})
}
