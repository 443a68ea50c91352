package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bus-tracker/internal/common/auth"
	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type TripHandler struct {
	store TripStatusStore
	trips Trips
}

func NewTripHandler(store TripStatusStore, trips Trips) *TripHandler {
	return &TripHandler{store: store, trips: trips}
}

type tripControlRequest struct {
	Reason string `json:"reason"`
}

type tripControlResponse struct {
	TripID string           `json:"trip_id"`
	Status model.TripStatus `json:"status"`
	Reason string           `json:"reason"`
}

func (h *TripHandler) CompleteTrip(w http.ResponseWriter, r *http.Request) {
	h.endTrip(w, r, model.TripCompleted)
}

func (h *TripHandler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	h.endTrip(w, r, model.TripCancelled)
}

func (h *TripHandler) endTrip(w http.ResponseWriter, r *http.Request, status model.TripStatus) {
	tripID := chi.URLParam(r, "trip_id")
	action := "trip_" + strings.ToLower(string(status))
	requestID := middleware.GetReqID(r.Context())
	admin := "unknown"
	if claims := auth.FromContext(r); claims != nil {
		admin = claims.UserID
	}

	var req tripControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn(action, "Invalid request body", requestID, tripID, err.Error())
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = map[model.TripStatus]string{
			model.TripCompleted: "completed",
			model.TripCancelled: "cancelled",
		}[status]
	}

	ctx := r.Context()
	if err := h.store.UpdateStatus(ctx, tripID, status); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "trip not found or already ended", http.StatusNotFound)
			return
		}
		logger.Error(action, "Failed to update trip status", requestID, tripID, err.Error())
		http.Error(w, "failed to update trip", http.StatusInternalServerError)
		return
	}

	// The status is stored; a live channel that misses this still closes via
	// the broker or its idle timer.
	if err := h.trips.CloseTrip(context.WithoutCancel(ctx), tripID, req.Reason); err != nil {
		logger.Warn(action, "Trip channel not closed", requestID, tripID, err.Error())
	}

	logger.Info(action, "Trip ended by admin "+admin+": "+req.Reason, requestID, tripID)
	writeJSON(w, http.StatusOK, tripControlResponse{TripID: tripID, Status: status, Reason: req.Reason})
}

type HealthHandler struct {
	db    Pinger
	trips Trips
	conns interface{ Count() int }
}

func NewHealthHandler(db Pinger, trips Trips, conns interface{ Count() int }) *HealthHandler {
	return &HealthHandler{db: db, trips: trips, conns: conns}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"trips":       h.trips.Len(),
		"connections": h.conns.Count(),
	}
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write_response", "Failed to encode response", "", "", err.Error())
	}
}
