package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/channel"
	"bus-tracker/internal/tracking/delay"

	"github.com/go-chi/chi/v5/middleware"
)

type TripLister interface {
	ActiveTrips(ctx context.Context) []channel.Stats
}

type Counter interface {
	Count() int
}

type AdminHandler struct {
	trips TripLister
	conns Counter
	now   func() time.Time
}

func NewAdminHandler(trips TripLister, conns Counter) *AdminHandler {
	return &AdminHandler{trips: trips, conns: conns, now: time.Now}
}

type SystemOverview struct {
	Timestamp   time.Time `json:"timestamp"`
	ActiveTrips int       `json:"active_trips"`
	Publishing  int       `json:"publishing_trips"`
	Connections int       `json:"connections"`
	Subscribers int       `json:"subscribers"`
	Delayed     int       `json:"delayed_trips"`
	OffRoute    int       `json:"off_route_trips"`
}

type ActiveTrip struct {
	TripID        string   `json:"trip_id"`
	Subscribers   int      `json:"subscribers"`
	Publishing    bool     `json:"publishing"`
	Closed        bool     `json:"closed"`
	SpeedKmh      *float64 `json:"speed_kmh"`
	SampleCount   int      `json:"sample_count"`
	NextStop      int      `json:"next_stop_index"`
	DelaySeverity string   `json:"delay_severity"`
	OffRoute      bool     `json:"off_route"`
}

type ActiveTripsResponse struct {
	Trips      []ActiveTrip `json:"trips"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// delayed holds for medium severity and above.
func delayed(severity string) bool {
	return delay.Severity(severity).Rank() >= delay.SeverityMedium.Rank()
}

func (h *AdminHandler) GetSystemOverview(w http.ResponseWriter, r *http.Request) {
	const action = "get_system_overview"
	requestID := middleware.GetReqID(r.Context())

	trips := h.trips.ActiveTrips(r.Context())
	overview := SystemOverview{
		Timestamp:   h.now().UTC(),
		ActiveTrips: len(trips),
		Connections: h.conns.Count(),
	}
	for _, t := range trips {
		overview.Subscribers += t.Subscribers
		if t.Publisher != "" {
			overview.Publishing++
		}
		if delayed(t.Severity) {
			overview.Delayed++
		}
		if t.OffRoute {
			overview.OffRoute++
		}
	}

	writeJSON(w, http.StatusOK, overview)
	logger.Debug(action, "System overview retrieved", requestID, "")
}

func (h *AdminHandler) GetActiveTrips(w http.ResponseWriter, r *http.Request) {
	const action = "get_active_trips"
	requestID := middleware.GetReqID(r.Context())

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	all := h.trips.ActiveTrips(r.Context())
	resp := ActiveTripsResponse{
		Trips:      []ActiveTrip{},
		TotalCount: len(all),
		Page:       page,
		PageSize:   pageSize,
	}
	start := (page - 1) * pageSize
	if start < len(all) {
		end := min(start+pageSize, len(all))
		for _, t := range all[start:end] {
			resp.Trips = append(resp.Trips, ActiveTrip{
				TripID:        t.TripID,
				Subscribers:   t.Subscribers,
				Publishing:    t.Publisher != "",
				Closed:        t.Closed,
				SpeedKmh:      t.Estimate.SmoothedKmh,
				SampleCount:   t.Estimate.SampleCount,
				NextStop:      t.NextStop,
				DelaySeverity: t.Severity,
				OffRoute:      t.OffRoute,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
	logger.Debug(action, "Active trips retrieved", requestID, "")
}
