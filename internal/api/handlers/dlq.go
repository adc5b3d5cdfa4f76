package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/commandmesh/platform/internal/api/validation"
	"github.com/commandmesh/platform/internal/command"
	"github.com/commandmesh/platform/pkg/logger"
	"github.com/commandmesh/platform/pkg/metrics"
	"go.uber.org/zap"
)

// DLQHandler serves the dead-letter admin operation: resubmitting a
// command that exceeded its retry budget or failed non-retryably.
type DLQHandler struct {
	*Handler
	bus *command.Bus
}

func NewDLQHandler(bus *command.Bus, log *logger.Logger, m *metrics.Metrics) *DLQHandler {
	return &DLQHandler{Handler: NewHandler(log, m), bus: bus}
}

// Requeue handles POST /dlq/requeue.
func (h *DLQHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	// Behind the validation middleware the body has already been decoded
	// into the context; decode it here only when the handler runs bare.
	req, ok := r.Context().Value(validation.ValidatedKey).(*validation.RequeueRequest)
	if !ok {
		req = &validation.RequeueRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			h.respondError(w, http.StatusBadRequest, "commandId is required")
			return
		}
	}
	if req.CommandID == "" {
		h.respondError(w, http.StatusBadRequest, "commandId is required")
		return
	}

	if err := h.bus.Requeue(r.Context(), req.CommandID); err != nil {
		h.log.Error("dlq requeue failed", zap.String("commandId", req.CommandID), zap.Error(err))
		h.respondError(w, http.StatusBadRequest, "command is not requeueable")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"commandId": req.CommandID, "status": "PENDING"})
}
