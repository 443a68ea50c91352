package rmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bus-tracker/internal/common/logger"
	commonrmq "bus-tracker/internal/common/rmq"
	"bus-tracker/internal/tracking/model"
)

// TripCloser is the registry operation a status message maps to.
type TripCloser interface {
	CloseTrip(ctx context.Context, tripID, reason string) error
}

// ConsumeTripStatus binds queueName to trip.status.* and hands every message
// to handle until the channel closes or ctx is done.
func (c *Client) ConsumeTripStatus(ctx context.Context, queueName string, handle func(context.Context, []byte) error) error {
	ch := c.Channel

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "trip.status.*", c.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	logger.Info("rmq_consumer_started", "Consuming trip status updates", queueName, "")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.Warn("rmq_consumer_stopped", "Delivery channel closed", queueName, "", "")
					return
				}
				if err := handle(ctx, d.Body); err != nil {
					logger.Warn("rmq_message_failed", "Trip status not applied", queueName, "", err.Error())
					// malformed messages are not worth redelivering
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()
	return nil
}

// TripStatusHandler closes live trips on COMPLETED or CANCELLED and ignores
// other statuses.
func TripStatusHandler(closer TripCloser) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		var msg commonrmq.TripStatusMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("decode trip status: %w", err)
		}
		if msg.TripID == "" {
			return fmt.Errorf("decode trip status: trip_id required")
		}

		status := model.TripStatus(strings.ToUpper(msg.Status))
		if !status.Ended() {
			logger.Debug("trip_status_ignored", "Status "+msg.Status+" does not end the trip", "", msg.TripID)
			return nil
		}
		reason := msg.Reason
		if reason == "" {
			reason = strings.ToLower(string(status))
		}
		logger.Info("trip_status_received", "Closing trip: "+reason, "", msg.TripID)
		return closer.CloseTrip(ctx, msg.TripID, reason)
	}
}
