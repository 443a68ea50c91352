package rmq

import (
	"fmt"
	"math"
	"time"

	"bus-tracker/internal/common/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TripTopic       = "trip_topic"  // trip lifecycle, consumed
	TripEventsTopic = "trip_events" // tracking events, published
)

type RabbitMQ struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
	URL  string

	attempts int
}

func URL(host string, port int, user, password string) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", user, password, host, port)
}

func NewRabbitMQ(host string, port int, user, password string) (*RabbitMQ, error) {
	rmq := &RabbitMQ{URL: URL(host, port, user, password), attempts: 5}
	if err := rmq.connect(); err != nil {
		return nil, err
	}
	return rmq, nil
}

func (r *RabbitMQ) connect() error {
	var conn *amqp.Connection
	var err error

	for i := 1; i <= r.attempts; i++ {
		conn, err = amqp.Dial(r.URL)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return fmt.Errorf("failed to open channel: %w", chErr)
			}
			r.Conn = conn
			r.Chan = ch
			logger.Info("rmq_connected", "Connected to RabbitMQ", "", "")
			return nil
		}

		logger.Warn("rmq_connect_retry", fmt.Sprintf("RabbitMQ connect attempt %d failed", i), "", "", err.Error())
		if i < r.attempts {
			time.Sleep(backoff(i))
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
}

// backoff doubles from two seconds and caps at thirty.
func backoff(attempt int) time.Duration {
	d := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// DeclareTopic declares a durable topic exchange.
func DeclareTopic(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

func (r *RabbitMQ) Close() {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
	r.Conn, r.Chan = nil, nil
	logger.Info("rmq_closed", "RabbitMQ connection closed", "", "")
}
