// Package natsbus publishes trip events on NATS subjects of the form
// <prefix>.<tripId>.<kind>.
package natsbus

import (
	"context"
	"strings"

	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/model"

	"github.com/nats-io/nats.go"
)

const DefaultPrefix = "bus"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	nc     Conn
	prefix string
}

// Connect dials url with reconnect logging.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			logger.Warn("nats_disconnected", "NATS connection lost", "", "", msg)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "NATS reconnected to "+nc.ConnectedUrl(), "", "")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats_closed", "NATS connection closed", "", "")
		}),
	)
}

func NewPublisher(nc Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: subjectToken(prefix)}
}

func (p *Publisher) Subject(tripID string, kind model.EventKind) string {
	return p.prefix + "." + subjectToken(tripID) + "." + subjectToken(string(kind))
}

// Publish sends payload as is. NATS core publish is fire-and-forget, ctx is
// only checked up front.
func (p *Publisher) Publish(ctx context.Context, tripID string, kind model.EventKind, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(tripID, kind), payload)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, wildcards or dots
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
