// Package channel runs one session per active trip. Every trip owns a single
// goroutine that applies its commands in arrival order, so a trip's speed
// tracker is never touched concurrently and trips never share state.
package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/model"
	"bus-tracker/internal/tracking/speed"
)

var (
	ErrTripClosed        = errors.New("trip is closed")
	ErrPublisherConflict = errors.New("trip already has a live publisher")
	ErrForbidden         = errors.New("operation not allowed for this identity")
	ErrRegistryClosed    = errors.New("registry is shut down")

	// errReleased means the channel exited between lookup and use; callers
	// retry against a fresh channel.
	errReleased = errors.New("channel released")
)

// Subscriber is one connection as seen by a trip channel. Deliver must not
// block; returning false removes the subscriber from fan-out.
type Subscriber interface {
	ID() string
	Identity() model.Identity
	Deliver(msg []byte) bool
}

type PlanSource interface {
	LoadPlan(ctx context.Context, tripID string) (model.TripPlan, error)
}

// Sink receives a copy of broadcast events for brokers. Forward must not
// block.
type Sink interface {
	Forward(tripID string, kind model.EventKind, payload []byte)
}

type Recorder interface {
	TripOpened()
	TripReleased()
	SubscriberAdded()
	SubscriberRemoved()
	SampleAccepted()
	SampleRejected(reason string)
	EventBroadcast(kind string)
	SlowSubscriberDropped()
	IngestObserve(d time.Duration)
}

type Options struct {
	Speed            speed.Options
	FallbackSpeedKmh float64
	DelayThreshold   int
	Location         *time.Location

	StopProximityM float64
	StopArrivalM   float64
	OffRouteM      float64

	CloseGrace  time.Duration
	IdleGrace   time.Duration
	PlanTimeout time.Duration
	InboxSize   int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.StopProximityM <= 0 {
		o.StopProximityM = 300
	}
	if o.StopArrivalM <= 0 {
		o.StopArrivalM = 40
	}
	if o.OffRouteM <= 0 {
		o.OffRouteM = 150
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 10 * time.Second
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 5 * time.Minute
	}
	if o.PlanTimeout <= 0 {
		o.PlanTimeout = 5 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry is the arena of live trip channels keyed by trip id. Channels are
// created on first subscribe or publish and remove themselves when they exit.
type Registry struct {
	opts    Options
	plans   PlanSource
	sink    Sink
	metrics Recorder

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(plans PlanSource, sink Sink, metrics Recorder, opts Options) *Registry {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Registry{
		opts:     opts.withDefaults(),
		plans:    plans,
		sink:     sink,
		metrics:  metrics,
		channels: make(map[string]*Channel),
		quit:     make(chan struct{}),
	}
}

func (r *Registry) getOrCreate(tripID string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if ch, ok := r.channels[tripID]; ok {
		return ch, nil
	}
	ch := newChannel(tripID, r)
	r.channels[tripID] = ch
	r.metrics.TripOpened()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch.run()
	}()
	logger.Info("trip_channel_opened", "Trip channel created", "", tripID)
	return ch, nil
}

func (r *Registry) lookup(tripID string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[tripID]
}

// release is called by a channel's goroutine on its way out.
func (r *Registry) release(ch *Channel) {
	r.mu.Lock()
	if cur, ok := r.channels[ch.tripID]; ok && cur == ch {
		delete(r.channels, ch.tripID)
	}
	r.mu.Unlock()
	r.metrics.TripReleased()
	logger.Info("trip_channel_released", "Trip channel released", "", ch.tripID)
}

// withChannel runs op on the trip's channel, creating it when create is set.
// A channel that exits mid-call is replaced once.
func (r *Registry) withChannel(ctx context.Context, tripID string, create bool, op func(*Channel) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		var ch *Channel
		if create {
			var err error
			if ch, err = r.getOrCreate(tripID); err != nil {
				return err
			}
		} else if ch = r.lookup(tripID); ch == nil {
			return nil
		}

		err := op(ch)
		if !errors.Is(err, errReleased) {
			return err
		}
		if !create {
			return nil
		}
	}
	return ErrTripClosed
}

// Subscribe adds sub to the trip's fan-out. The subscriber first receives a
// joined event, then the latest position and eta of the trip if any.
func (r *Registry) Subscribe(ctx context.Context, tripID string, sub Subscriber) error {
	return r.withChannel(ctx, tripID, true, func(ch *Channel) error {
		return ch.do(ctx, func() error { return ch.subscribe(sub) })
	})
}

func (r *Registry) Unsubscribe(ctx context.Context, tripID, subscriberID string) error {
	return r.withChannel(ctx, tripID, false, func(ch *Channel) error {
		return ch.do(ctx, func() error {
			ch.unsubscribe(subscriberID)
			return nil
		})
	})
}

// Ingest applies one position update from pub, which becomes the trip's
// publisher if there is none. Implausible samples are dropped without error.
func (r *Registry) Ingest(ctx context.Context, pub Subscriber, update model.PositionUpdate, receivedAt time.Time) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return r.withChannel(ctx, update.TripID, true, func(ch *Channel) error {
		return ch.do(ctx, func() error { return ch.ingest(pub, update, receivedAt) })
	})
}

// Disconnect drops a connection from the given trips: it stops receiving
// events and gives up publishing rights.
func (r *Registry) Disconnect(ctx context.Context, connID string, tripIDs []string) {
	for _, tripID := range tripIDs {
		err := r.withChannel(ctx, tripID, false, func(ch *Channel) error {
			return ch.do(ctx, func() error {
				ch.unsubscribe(connID)
				ch.releasePublisher(connID)
				return nil
			})
		})
		if err != nil {
			logger.Warn("trip_disconnect_failed", "Failed to detach connection", connID, tripID, err.Error())
		}
	}
}

// CloseTrip marks a trip complete or cancelled. Subscribers are told why,
// ingestion stops and the channel is released after the close grace period.
// Unknown trips are a no-op.
func (r *Registry) CloseTrip(ctx context.Context, tripID, reason string) error {
	return r.withChannel(ctx, tripID, false, func(ch *Channel) error {
		return ch.do(ctx, func() error {
			ch.close(reason)
			return nil
		})
	})
}

type Stats struct {
	TripID      string
	Subscribers int
	Publisher   string
	Closed      bool
	Estimate    speed.Estimate
	NextStop    int
	Severity    string
	OffRoute    bool
}

// Stats reports a live trip's state without creating a channel.
func (r *Registry) Stats(ctx context.Context, tripID string) (Stats, bool) {
	var st Stats
	found := false
	_ = r.withChannel(ctx, tripID, false, func(ch *Channel) error {
		return ch.do(ctx, func() error {
			st = ch.stats()
			found = true
			return nil
		})
	})
	return st, found
}

// ActiveTrips reports every live trip ordered by trip id.
func (r *Registry) ActiveTrips(ctx context.Context) []Stats {
	r.mu.Lock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.Stats(ctx, id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Shutdown stops every channel and waits for them, or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) TripOpened()                 {}
func (nopRecorder) TripReleased()               {}
func (nopRecorder) SubscriberAdded()            {}
func (nopRecorder) SubscriberRemoved()          {}
func (nopRecorder) SampleAccepted()             {}
func (nopRecorder) SampleRejected(string)       {}
func (nopRecorder) EventBroadcast(string)       {}
func (nopRecorder) SlowSubscriberDropped()      {}
func (nopRecorder) IngestObserve(time.Duration) {}
