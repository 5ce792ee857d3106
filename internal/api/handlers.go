package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/command"
	"github.com/example/order-saga/internal/deadletter"
	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/publisher"
	"github.com/example/order-saga/internal/query"
	"github.com/example/order-saga/internal/saga"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
	deadLetters  *deadletter.Handler
	logger       zerolog.Logger
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler, deadLetters *deadletter.Handler, logger zerolog.Logger) *Handlers {
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
		deadLetters:  deadLetters,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Order Handlers

// CreateOrder accepts the order and returns before payment completes
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.CreateOrder
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted, err := h.cmdHandler.CreateOrder(r.Context(), cmd)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/orders/"+accepted.OrderID)
	respondJSON(w, http.StatusAccepted, accepted)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.queryHandler.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Saga Handlers

func (h *Handlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	view, err := h.queryHandler.GetSaga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Helper functions

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidCommand),
		errors.Is(err, deadletter.ErrInvalidStatus),
		errors.Is(err, errInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, saga.ErrSagaNotFound),
		errors.Is(err, deadletter.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrOrderExists),
		errors.Is(err, saga.ErrSagaExists),
		errors.Is(err, saga.ErrInvalidTransition),
		errors.Is(err, saga.ErrStaleSaga),
		errors.Is(err, store.ErrConcurrencyConflict),
		errors.Is(err, deadletter.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, publisher.ErrPublishUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

var errInvalidLimit = errors.New("limit must be a positive integer")

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
