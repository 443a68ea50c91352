package rmq

import (
	"context"
	"time"

	"bus-tracker/internal/tracking/model"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AlertKinds are the events worth a broker message; positions and etas stay
// on the websocket and NATS.
var AlertKinds = []model.EventKind{
	model.EventDelay,
	model.EventStopArrived,
	model.EventTripClosed,
	model.EventOffRoute,
}

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EventPublisher sends encoded events to a topic exchange with routing key
// trip.<kind>.<trip_id>.
type EventPublisher struct {
	ch       channelPublisher
	exchange string
	now      func() time.Time
}

func NewEventPublisher(c *Client) *EventPublisher {
	return &EventPublisher{ch: c.Channel, exchange: c.Exchange, now: time.Now}
}

func RoutingKey(tripID string, kind model.EventKind) string {
	return "trip." + string(kind) + "." + tripID
}

func (p *EventPublisher) Publish(ctx context.Context, tripID string, kind model.EventKind, payload []byte) error {
	return p.ch.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(tripID, kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    p.now(),
			Type:         string(kind),
			Headers:      amqp.Table{"trip_id": tripID},
			Body:         payload,
		},
	)
}
