package rmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"bus-tracker/internal/tracking/model"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCall struct{ tripID, reason string }

type fakeCloser struct {
	calls []closeCall
	err   error
}

func (f *fakeCloser) CloseTrip(_ context.Context, tripID, reason string) error {
	f.calls = append(f.calls, closeCall{tripID, reason})
	return f.err
}

func TestTripStatusHandler(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []closeCall
		err  bool
	}{
		{"completed", `{"trip_id":"t1","status":"COMPLETED"}`, []closeCall{{"t1", "completed"}}, false},
		{"cancelled with reason", `{"trip_id":"t1","status":"cancelled","reason":"snow day"}`, []closeCall{{"t1", "snow day"}}, false},
		{"in progress ignored", `{"trip_id":"t1","status":"IN_PROGRESS"}`, nil, false},
		{"missing trip", `{"status":"COMPLETED"}`, nil, true},
		{"garbage", `not json`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closer := &fakeCloser{}
			err := TripStatusHandler(closer)(context.Background(), []byte(tt.body))
			if tt.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, closer.calls)
		})
	}
}

func TestTripStatusHandlerPropagatesCloseError(t *testing.T) {
	closer := &fakeCloser{err: errors.New("registry is shut down")}
	err := TripStatusHandler(closer)(context.Background(), []byte(`{"trip_id":"t1","status":"COMPLETED"}`))
	assert.Error(t, err)
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestEventPublisher(t *testing.T) {
	ch := &fakeChannel{}
	at := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	p := &EventPublisher{ch: ch, exchange: "trip_events", now: func() time.Time { return at }}

	require.NoError(t, p.Publish(context.Background(), "t1", model.EventDelay, []byte(`{"type":"delay"}`)))

	assert.Equal(t, "trip_events", ch.exchange)
	assert.Equal(t, "trip.delay.t1", ch.key)
	assert.Equal(t, "delay", ch.msg.Type)
	assert.Equal(t, at, ch.msg.Timestamp)
	assert.Equal(t, "t1", ch.msg.Headers["trip_id"])
	assert.JSONEq(t, `{"type":"delay"}`, string(ch.msg.Body))
}
