package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/order-saga/internal/api/middleware"
	"github.com/example/order-saga/internal/command"
	"github.com/example/order-saga/internal/deadletter"
)

type compensateRequest struct {
	Reason string `json:"reason"`
}

type reprocessResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// ListSagas returns sagas that have not finished, oldest first
func (h *Handlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	views, err := h.queryHandler.ListInProgress(r.Context(), limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) CompensateSaga(w http.ResponseWriter, r *http.Request) {
	var req compensateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	orderID := chi.URLParam(r, "id")
	if err := h.cmdHandler.CompensateSaga(r.Context(), command.CompensateSaga{OrderID: orderID, Reason: req.Reason}); err != nil {
		h.respondErr(w, r, err)
		return
	}

	h.logger.Info().Str("order_id", orderID).Str("operator", middleware.GetSubject(r.Context())).Msg("saga compensated by operator")
	view, err := h.queryHandler.GetSaga(r.Context(), orderID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Dead Letter Handlers

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	var status deadletter.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := deadletter.ParseStatus(raw)
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		status = parsed
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	records, err := h.deadLetters.List(r.Context(), status, limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []*deadletter.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deadLetters.Stats(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) ReprocessDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	outcome, err := h.deadLetters.ReprocessEvent(r.Context(), eventID)
	if err != nil {
		// a failed replay is recorded on the record and reported as a conflict
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Warn().Err(err).Str("event_id", eventID).Msg("replay failed")
			respondError(w, http.StatusConflict, "replay failed: "+err.Error())
			return
		}
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reprocessResponse{EventID: eventID, Outcome: outcome.String()})
}

func (h *Handlers) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	if err := h.deadLetters.MarkResolved(r.Context(), eventID); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.logger.Info().Str("event_id", eventID).Str("operator", middleware.GetSubject(r.Context())).Msg("dead letter resolved by operator")
	w.WriteHeader(http.StatusNoContent)
}
