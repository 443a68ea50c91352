package rmq

import (
	"fmt"

	commonrmq "bus-tracker/internal/common/rmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client owns one AMQP channel on a shared connection, bound to a topic
// exchange.
type Client struct {
	Channel  *amqp.Channel
	Exchange string
}

func NewClient(conn *amqp.Connection, exchange string) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := commonrmq.DeclareTopic(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Client{Channel: ch, Exchange: exchange}, nil
}

func (c *Client) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	return nil
}
