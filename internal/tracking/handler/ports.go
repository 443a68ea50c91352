package handler

import (
	"context"
	"time"

	"bus-tracker/internal/tracking/channel"
	"bus-tracker/internal/tracking/model"
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (model.Identity, error)
}

type AccessChecker interface {
	CanView(ctx context.Context, id model.Identity, tripID string) (bool, error)
	CanPublish(ctx context.Context, id model.Identity, tripID string) (bool, error)
}

// Trips is the trip registry as seen by connections.
type Trips interface {
	Subscribe(ctx context.Context, tripID string, sub channel.Subscriber) error
	Unsubscribe(ctx context.Context, tripID, subscriberID string) error
	Ingest(ctx context.Context, pub channel.Subscriber, update model.PositionUpdate, receivedAt time.Time) error
	Disconnect(ctx context.Context, connID string, tripIDs []string)
	CloseTrip(ctx context.Context, tripID, reason string) error
	Len() int
}

type TripStatusStore interface {
	UpdateStatus(ctx context.Context, tripID string, status model.TripStatus) error
}

type ConnRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

type Pinger interface {
	Ping(ctx context.Context) error
}
