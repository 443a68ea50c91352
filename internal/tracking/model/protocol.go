package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"bus-tracker/internal/tracking/eta"
	"bus-tracker/internal/tracking/geo"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrInvalidPosition  = errors.New("invalid position")
)

// InboundKind enumerates what a client may send.
type InboundKind string

const (
	KindJoinTrip       InboundKind = "join_trip"
	KindLeaveTrip      InboundKind = "leave_trip"
	KindPositionUpdate InboundKind = "position_update"
)

// Inbound is implemented only by the message types in this file, so a type
// switch over it is exhaustive.
type Inbound interface {
	Kind() InboundKind
	Trip() string
	inbound()
}

type JoinTrip struct {
	TripID string `json:"tripId"`
}

type LeaveTrip struct {
	TripID string `json:"tripId"`
}

type PositionUpdate struct {
	TripID  string   `json:"tripId"`
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Speed   *float64 `json:"speed,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

func (JoinTrip) Kind() InboundKind       { return KindJoinTrip }
func (LeaveTrip) Kind() InboundKind      { return KindLeaveTrip }
func (PositionUpdate) Kind() InboundKind { return KindPositionUpdate }

func (m JoinTrip) Trip() string       { return m.TripID }
func (m LeaveTrip) Trip() string      { return m.TripID }
func (m PositionUpdate) Trip() string { return m.TripID }

func (JoinTrip) inbound()       {}
func (LeaveTrip) inbound()      {}
func (PositionUpdate) inbound() {}

// MaxSpeedHintKmh bounds the device-reported speed. Hints between the
// tracker's plausibility limit and this bound pass validation but are never
// shown to subscribers.
const MaxSpeedHintKmh = 1000.0

// Validate enforces coordinate ranges before a sample reaches a tracker.
func (m PositionUpdate) Validate() error {
	if !geo.ValidCoordinates(m.Lat, m.Lng) {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidPosition, m.Lat, m.Lng)
	}
	if m.Speed != nil {
		if v := *m.Speed; math.IsNaN(v) || v < 0 || v > MaxSpeedHintKmh {
			return fmt.Errorf("%w: speed=%v", ErrInvalidPosition, v)
		}
	}
	if m.Heading != nil {
		if v := *m.Heading; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: heading=%v", ErrInvalidPosition, v)
		}
	}
	return nil
}

type inboundEnvelope struct {
	Type    InboundKind `json:"type"`
	TripID  string      `json:"tripId"`
	Lat     *float64    `json:"lat"`
	Lng     *float64    `json:"lng"`
	Speed   *float64    `json:"speed"`
	Heading *float64    `json:"heading"`
}

// DecodeInbound parses one client frame. Position updates missing lat or lng
// are malformed; range checks are left to Validate.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case KindJoinTrip, KindLeaveTrip, KindPositionUpdate:
		if env.TripID == "" {
			return nil, fmt.Errorf("%w: tripId required", ErrMalformedMessage)
		}
	}

	switch env.Type {
	case KindJoinTrip:
		return JoinTrip{TripID: env.TripID}, nil
	case KindLeaveTrip:
		return LeaveTrip{TripID: env.TripID}, nil
	case KindPositionUpdate:
		if env.Lat == nil || env.Lng == nil {
			return nil, fmt.Errorf("%w: lat and lng required", ErrMalformedMessage)
		}
		return PositionUpdate{
			TripID:  env.TripID,
			Lat:     *env.Lat,
			Lng:     *env.Lng,
			Speed:   env.Speed,
			Heading: env.Heading,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// EventKind enumerates what the server sends.
type EventKind string

const (
	EventPosition      EventKind = "position"
	EventETA           EventKind = "eta"
	EventStopProximity EventKind = "stop_proximity"
	EventStopArrived   EventKind = "stop_arrived"
	EventDelay         EventKind = "delay"
	EventOffRoute      EventKind = "off_route"
	EventTripClosed    EventKind = "trip_closed"
	EventJoined        EventKind = "joined"
	EventLeft          EventKind = "left"
	EventError         EventKind = "error"
)

type Event interface {
	Kind() EventKind
	event()
}

type PositionEvent struct {
	TripID         string   `json:"tripId"`
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	Speed          float64  `json:"speed"`
	Heading        float64  `json:"heading"`
	TimestampISO   string   `json:"timestampIso"`
	OffRouteMeters *float64 `json:"offRouteMeters,omitempty"`
}

type ETAEvent struct {
	TripID   string `json:"tripId"`
	StopID   string `json:"stopId"`
	StopName string `json:"stopName"`
	eta.Result
}

type StopProximityEvent struct {
	TripID         string `json:"tripId"`
	StopID         string `json:"stopId"`
	StopName       string `json:"stopName"`
	DistanceMeters int    `json:"distanceMeters"`
	EtaMinutes     int    `json:"etaMinutes"`
}

type StopArrivedEvent struct {
	TripID       string `json:"tripId"`
	StopID       string `json:"stopId"`
	StopName     string `json:"stopName"`
	TimestampISO string `json:"timestampIso"`
}

type DelayEvent struct {
	TripID       string `json:"tripId"`
	StopID       string `json:"stopId,omitempty"`
	DelayMinutes int    `json:"delayMinutes"`
	Severity     string `json:"severity"`
}

type OffRouteEvent struct {
	TripID         string `json:"tripId"`
	OffRoute       bool   `json:"offRoute"`
	DistanceMeters int    `json:"distanceMeters"`
}

type TripClosedEvent struct {
	TripID string `json:"tripId"`
	Reason string `json:"reason"`
}

type JoinedEvent struct {
	TripID string `json:"tripId"`
}

type LeftEvent struct {
	TripID string `json:"tripId"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TripID  string `json:"tripId,omitempty"`
}

func (PositionEvent) Kind() EventKind      { return EventPosition }
func (ETAEvent) Kind() EventKind           { return EventETA }
func (StopProximityEvent) Kind() EventKind { return EventStopProximity }
func (StopArrivedEvent) Kind() EventKind   { return EventStopArrived }
func (DelayEvent) Kind() EventKind         { return EventDelay }
func (OffRouteEvent) Kind() EventKind      { return EventOffRoute }
func (TripClosedEvent) Kind() EventKind    { return EventTripClosed }
func (JoinedEvent) Kind() EventKind        { return EventJoined }
func (LeftEvent) Kind() EventKind          { return EventLeft }
func (ErrorEvent) Kind() EventKind         { return EventError }

func (PositionEvent) event()      {}
func (ETAEvent) event()           {}
func (StopProximityEvent) event() {}
func (StopArrivedEvent) event()   {}
func (DelayEvent) event()         {}
func (OffRouteEvent) event()      {}
func (TripClosedEvent) event()    {}
func (JoinedEvent) event()        {}
func (LeftEvent) event()          {}
func (ErrorEvent) event()         {}

// Error codes carried by ErrorEvent.
const (
	CodeMalformed         = "malformed_message"
	CodeUnknownMessage    = "unknown_message"
	CodeInvalidPosition   = "invalid_position"
	CodeForbidden         = "forbidden"
	CodeTripClosed        = "trip_closed"
	CodePublisherConflict = "publisher_conflict"
	CodeUnavailable       = "unavailable"
	CodeServerShutdown    = "server_shutdown"
)

// Encode renders e as a JSON object whose "type" field is e.Kind().
func Encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"type":%q`, e.Kind())
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// MustEncode is for events built from plain values that cannot fail to
// marshal.
func MustEncode(e Event) []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeEvent is the client-side inverse of Encode.
func DecodeEvent(raw []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var ev Event
	var err error
	switch head.Type {
	case EventPosition:
		ev, err = decodeAs[PositionEvent](raw)
	case EventETA:
		ev, err = decodeAs[ETAEvent](raw)
	case EventStopProximity:
		ev, err = decodeAs[StopProximityEvent](raw)
	case EventStopArrived:
		ev, err = decodeAs[StopArrivedEvent](raw)
	case EventDelay:
		ev, err = decodeAs[DelayEvent](raw)
	case EventOffRoute:
		ev, err = decodeAs[OffRouteEvent](raw)
	case EventTripClosed:
		ev, err = decodeAs[TripClosedEvent](raw)
	case EventJoined:
		ev, err = decodeAs[JoinedEvent](raw)
	case EventLeft:
		ev, err = decodeAs[LeftEvent](raw)
	case EventError:
		ev, err = decodeAs[ErrorEvent](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return ev, nil
}

func decodeAs[T Event](raw []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
