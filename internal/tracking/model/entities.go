package model

import "errors"

// ErrNotFound is returned by collaborator lookups for unknown ids.
var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDriver Role = "DRIVER"
	RoleParent Role = "PARENT"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDriver, RoleParent:
		return true
	}
	return false
}

type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserInactive UserStatus = "INACTIVE"
	UserBanned   UserStatus = "BANNED"
)

type User struct {
	ID     string     `json:"id"`
	Role   Role       `json:"role"`
	Status UserStatus `json:"status"`
}

func (u User) Enabled() bool { return u.Status == UserActive }

// Identity is attached to a connection once, at connect time, and never
// changes afterwards.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type TripStatus string

const (
	TripScheduled  TripStatus = "SCHEDULED"
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

func (s TripStatus) Ended() bool {
	return s == TripCompleted || s == TripCancelled
}

type Stop struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Sequence      int     `json:"sequence"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	DwellSeconds  int     `json:"dwellSeconds"`
	ScheduledTime string  `json:"scheduledTime"` // "HH:MM" or a full timestamp
}

// TripPlan is the read-only route and schedule of one trip, ordered by stop
// sequence. Shape is an encoded polyline and may be empty.
type TripPlan struct {
	TripID   string     `json:"tripId"`
	RouteID  string     `json:"routeId"`
	DriverID string     `json:"driverId"`
	Status   TripStatus `json:"status"`
	Shape    string     `json:"shape"`
	Stops    []Stop     `json:"stops"`
}
