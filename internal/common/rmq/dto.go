package rmq

import "time"

// TripStatusMessage is published on trip_topic with routing key
// trip.status.<trip_id> by whatever schedules and finishes trips.
type TripStatusMessage struct {
	TripID    string    `json:"trip_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
