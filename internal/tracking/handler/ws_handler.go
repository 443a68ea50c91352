package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bus-tracker/internal/common/logger"
	commonws "bus-tracker/internal/common/websocket"
	"bus-tracker/internal/tracking/channel"
	"bus-tracker/internal/tracking/gate"
	"bus-tracker/internal/tracking/model"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const opTimeout = 5 * time.Second

type TrackingHandler struct {
	gate     Authenticator
	access   AccessChecker
	trips    Trips
	hub      *commonws.Hub
	metrics  ConnRecorder
	upgrader websocket.Upgrader
	buffer   int
	now      func() time.Time
}

func NewTrackingHandler(g Authenticator, access AccessChecker, trips Trips, hub *commonws.Hub, metrics ConnRecorder, buffer int) *TrackingHandler {
	return &TrackingHandler{
		gate:    g,
		access:  access,
		trips:   trips,
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer: buffer,
		now:    time.Now,
	}
}

// ServeWS authenticates before upgrading, so a refused client gets a plain
// HTTP error and never holds a websocket.
func (h *TrackingHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	identity, err := h.gate.Authenticate(r.Context(), gate.CredentialFromRequest(r))
	if err != nil {
		reason := gate.ReasonOf(err)
		if reason == "" {
			reason = gate.ReasonUnavailable
		}
		logger.Warn("ws_auth_refused", "Connection refused: "+string(reason), requestID, "", err.Error())
		http.Error(w, string(reason), reason.HTTPStatus())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Warn("ws_upgrade_failed", "WebSocket upgrade failed", requestID, "", err.Error())
		return
	}

	c := &connection{
		client:    commonws.NewClient(uuid.NewString(), ws, h.buffer),
		identity:  identity,
		h:         h,
		canView:   make(map[string]bool),
		canPub:    make(map[string]bool),
		joined:    make(map[string]struct{}),
		published: make(map[string]struct{}),
	}
	h.hub.AddClient(c.client)
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	logger.Info("ws_connected", string(identity.Role)+" "+identity.UserID+" connected as "+c.ID(), requestID, "")

	go c.client.WritePump()
	if err := c.client.ReadPump(c.handle); err != nil {
		logger.Warn("ws_read_failed", "Connection dropped", c.ID(), "", err.Error())
	}
	c.cleanup()
}

// connection is one authenticated socket. handle runs on the read goroutine
// only, so the maps need no lock; Deliver may be called from trip channels.
type connection struct {
	client   *commonws.Client
	identity model.Identity
	h        *TrackingHandler

	canView   map[string]bool
	canPub    map[string]bool
	joined    map[string]struct{}
	published map[string]struct{}
}

func (c *connection) ID() string               { return c.client.ID }
func (c *connection) Identity() model.Identity { return c.identity }

// Deliver closes the socket when the client cannot keep up; it reconnects and
// gets a fresh snapshot instead of a gap.
func (c *connection) Deliver(msg []byte) bool {
	if c.client.Deliver(msg) {
		return true
	}
	c.client.Close()
	return false
}

func (c *connection) reply(ev model.Event) {
	c.Deliver(model.MustEncode(ev))
}

func (c *connection) fail(code, msg, tripID string) {
	c.reply(model.ErrorEvent{Code: code, Message: msg, TripID: tripID})
}

func (c *connection) handle(raw []byte) {
	msg, err := model.DecodeInbound(raw)
	if err != nil {
		code := model.CodeMalformed
		if errors.Is(err, model.ErrUnknownMessage) {
			code = model.CodeUnknownMessage
		}
		logger.Debug("ws_message_rejected", err.Error(), c.ID(), "")
		c.fail(code, err.Error(), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch m := msg.(type) {
	case model.JoinTrip:
		c.join(ctx, m)
	case model.LeaveTrip:
		c.leave(ctx, m)
	case model.PositionUpdate:
		c.publish(ctx, m)
	}
}

func (c *connection) join(ctx context.Context, m model.JoinTrip) {
	ok, err := c.allowed(ctx, c.canView, m.TripID, c.h.access.CanView)
	if err != nil {
		c.fail(model.CodeUnavailable, "authorization unavailable", m.TripID)
		return
	}
	if !ok {
		logger.Warn("ws_join_forbidden", "Not authorized to view trip", c.ID(), m.TripID, string(c.identity.Role))
		c.fail(model.CodeForbidden, "not authorized to view this trip", m.TripID)
		return
	}
	if err := c.h.trips.Subscribe(ctx, m.TripID, c); err != nil {
		c.failTrip(err, m.TripID)
		return
	}
	c.joined[m.TripID] = struct{}{}
}

func (c *connection) leave(ctx context.Context, m model.LeaveTrip) {
	if _, ok := c.joined[m.TripID]; ok {
		if err := c.h.trips.Unsubscribe(ctx, m.TripID, c.ID()); err != nil {
			c.failTrip(err, m.TripID)
			return
		}
		delete(c.joined, m.TripID)
	}
	c.reply(model.LeftEvent{TripID: m.TripID})
}

func (c *connection) publish(ctx context.Context, m model.PositionUpdate) {
	ok, err := c.allowed(ctx, c.canPub, m.TripID, c.h.access.CanPublish)
	if err != nil {
		c.fail(model.CodeUnavailable, "authorization unavailable", m.TripID)
		return
	}
	if !ok {
		logger.Warn("ws_publish_forbidden", "Not the assigned driver", c.ID(), m.TripID, string(c.identity.Role))
		c.fail(model.CodeForbidden, "not the assigned driver of this trip", m.TripID)
		return
	}
	if err := c.h.trips.Ingest(ctx, c, m, c.h.now()); err != nil {
		c.failTrip(err, m.TripID)
		return
	}
	c.published[m.TripID] = struct{}{}
}

// allowed caches positive answers for the life of the connection.
func (c *connection) allowed(ctx context.Context, cache map[string]bool, tripID string,
	check func(context.Context, model.Identity, string) (bool, error)) (bool, error) {
	if cache[tripID] {
		return true, nil
	}
	ok, err := check(ctx, c.identity, tripID)
	if err != nil {
		logger.Error("trip_access_failed", "Trip access lookup failed", c.ID(), tripID, err.Error())
		return false, err
	}
	if ok {
		cache[tripID] = true
	}
	return ok, nil
}

func (c *connection) failTrip(err error, tripID string) {
	code := model.CodeUnavailable
	switch {
	case errors.Is(err, channel.ErrTripClosed):
		code = model.CodeTripClosed
	case errors.Is(err, channel.ErrPublisherConflict):
		code = model.CodePublisherConflict
	case errors.Is(err, channel.ErrForbidden):
		code = model.CodeForbidden
	case errors.Is(err, model.ErrInvalidPosition):
		code = model.CodeInvalidPosition
	case errors.Is(err, channel.ErrRegistryClosed):
		code = model.CodeServerShutdown
	}
	if code == model.CodeUnavailable {
		logger.Error("trip_operation_failed", "Trip operation failed", c.ID(), tripID, err.Error())
	} else {
		logger.Warn("trip_operation_refused", code, c.ID(), tripID, err.Error())
	}
	c.fail(code, err.Error(), tripID)
}

func (c *connection) cleanup() {
	trips := make([]string, 0, len(c.joined)+len(c.published))
	for id := range c.joined {
		trips = append(trips, id)
	}
	for id := range c.published {
		if _, dup := c.joined[id]; !dup {
			trips = append(trips, id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	c.h.trips.Disconnect(ctx, c.ID(), trips)

	c.client.Close()
	c.h.hub.RemoveClient(c.ID())
	if c.h.metrics != nil {
		c.h.metrics.ConnectionClosed()
	}
	logger.Info("ws_disconnected", "Connection closed", c.ID(), "")
}
