package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/commandmesh/platform/internal/command"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/commandmesh/platform/pkg/logger"
	"github.com/commandmesh/platform/pkg/metrics"
	"go.uber.org/zap"
)

// CommandHandler serves the command ingress and status-lookup endpoints.
type CommandHandler struct {
	*Handler
	bus    *command.Bus
	store  *command.Store
}

func NewCommandHandler(bus *command.Bus, store *command.Store, log *logger.Logger, m *metrics.Metrics) *CommandHandler {
	return &CommandHandler{
		Handler: NewHandler(log, m),
		bus:     bus,
		store:   store,
	}
}

// submitResponse is returned on successful intake.
type submitResponse struct {
	CommandID string `json:"commandId"`
}

// Submit handles POST /commands/{Name}. The idempotency key is a
// required header; business key is optional. On success it writes
// X-Command-Id and returns 202.
func (h *CommandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "Name")
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	businessKey := r.Header.Get("Business-Key")
	correlationID := r.Header.Get("X-Correlation-Id")

	var payload json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	commandID, err := h.bus.Submit(r.Context(), name, idemKey, businessKey, correlationID, payload, nil)
	if err != nil {
		if errors.Is(err, command.ErrDuplicateIdempotencyKey) {
			h.respondError(w, http.StatusConflict, "idempotency key already used")
			return
		}
		h.log.Error("command submit failed", zap.String("name", name), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	w.Header().Set("X-Command-Id", commandID)
	h.respondJSON(w, http.StatusAccepted, submitResponse{CommandID: commandID})
}

// statusResponse is returned by GET /commands/{id}.
type statusResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

// Status handles GET /commands/{id}.
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "command not found")
			return
		}
		h.log.Error("command lookup failed", zap.String("id", id), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load command")
		return
	}

	h.respondJSON(w, http.StatusOK, statusResponse{
		Status:  string(row.Status),
		Name:    row.Name,
		Retries: row.Retries,
		Error:   row.Error,
	})
}
