package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/relay"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
)

type SignalHandler struct {
	relay *relay.Relay
	log   *zap.Logger
}

func NewSignalHandler(r *relay.Relay, log *zap.Logger) *SignalHandler {
	return &SignalHandler{relay: r, log: log}
}

// Send queues one call signal from the caller to another member of a chat.
func (h *SignalHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input relay.SendInput
	if !decode(w, r, &input) {
		return
	}
	input.FromUserID = userID

	sig, err := h.relay.Send(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.log, "send signal", err)
		return
	}

	writeJSON(w, http.StatusCreated, sig)
}

// Pull drains the caller's pending signals.
func (h *SignalHandler) Pull(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	signals, err := h.relay.Pull(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, "pull signals", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}
