package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"bus-tracker/internal/tracking/geo"
	"bus-tracker/internal/tracking/model"
	"bus-tracker/internal/tracking/speed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

type fakeSub struct {
	id    string
	ident model.Identity
	ch    chan []byte
}

func newSub(id string, role model.Role, buffer int) *fakeSub {
	return &fakeSub{id: id, ident: model.Identity{UserID: "u-" + id, Role: role}, ch: make(chan []byte, buffer)}
}

func (s *fakeSub) ID() string               { return s.id }
func (s *fakeSub) Identity() model.Identity { return s.ident }
func (s *fakeSub) Deliver(msg []byte) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// drain returns the events queued so far.
func (s *fakeSub) drain(t *testing.T) []model.Event {
	t.Helper()
	var out []model.Event
	for {
		select {
		case raw := <-s.ch:
			ev, err := model.DecodeEvent(raw)
			require.NoError(t, err)
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []model.Event) []model.EventKind {
	out := make([]model.EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

type fakePlans struct {
	plans map[string]model.TripPlan
	err   error
}

func (f *fakePlans) LoadPlan(_ context.Context, tripID string) (model.TripPlan, error) {
	if f.err != nil {
		return model.TripPlan{}, f.err
	}
	p, ok := f.plans[tripID]
	if !ok {
		return model.TripPlan{}, model.ErrNotFound
	}
	return p, nil
}

type fakeSink struct {
	mu    sync.Mutex
	kinds []model.EventKind
}

func (f *fakeSink) Forward(_ string, kind model.EventKind, _ []byte) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
}

func (f *fakeSink) seen() []model.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EventKind(nil), f.kinds...)
}

func testOptions() Options {
	return Options{
		Speed:            speed.DefaultOptions(),
		FallbackSpeedKmh: 25,
		DelayThreshold:   5,
		Location:         time.UTC,
		CloseGrace:       50 * time.Millisecond,
		IdleGrace:        time.Minute,
		Now:              func() time.Time { return t0 },
	}
}

func newTestRegistry(t *testing.T, plans PlanSource, sink Sink, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(plans, sink, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func pos(trip string, lat, lng float64) model.PositionUpdate {
	return model.PositionUpdate{TripID: trip, Lat: lat, Lng: lng}
}

func TestSubscribeSendsJoined(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	sub := newSub("p1", model.RoleParent, 8)

	require.NoError(t, r.Subscribe(context.Background(), "trip-1", sub))

	evs := sub.drain(t)
	require.Len(t, evs, 1)
	assert.Equal(t, model.JoinedEvent{TripID: "trip-1"}, evs[0])
	assert.Equal(t, 1, r.Len())
}

func TestPositionFanOut(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRegistry(t, nil, sink, testOptions())
	ctx := context.Background()
	a := newSub("a", model.RoleParent, 8)
	b := newSub("b", model.RoleAdmin, 8)
	driver := newSub("d", model.RoleDriver, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", a))
	require.NoError(t, r.Subscribe(ctx, "trip-1", b))
	a.drain(t)
	b.drain(t)

	heading := 45.0
	upd := pos("trip-1", 10, 20)
	upd.Heading = &heading
	require.NoError(t, r.Ingest(ctx, driver, upd, t0))

	for _, s := range []*fakeSub{a, b} {
		evs := s.drain(t)
		require.Len(t, evs, 1)
		pe, ok := evs[0].(model.PositionEvent)
		require.True(t, ok)
		assert.Equal(t, "trip-1", pe.TripID)
		assert.Equal(t, 10.0, pe.Lat)
		assert.Equal(t, 45.0, pe.Heading)
		assert.Equal(t, t0.Format(time.RFC3339), pe.TimestampISO)
		assert.Nil(t, pe.OffRouteMeters)
	}
	assert.Empty(t, driver.drain(t), "publisher is not a subscriber")
	assert.Equal(t, []model.EventKind{model.EventPosition}, sink.seen())
}

func TestPublisherExclusive(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	first := newSub("d1", model.RoleDriver, 8)
	second := newSub("d2", model.RoleDriver, 8)

	require.NoError(t, r.Ingest(ctx, first, pos("trip-1", 10, 20), t0))
	err := r.Ingest(ctx, second, pos("trip-1", 10.001, 20), t0.Add(10*time.Second))
	assert.ErrorIs(t, err, ErrPublisherConflict)
	require.NoError(t, r.Ingest(ctx, first, pos("trip-1", 10.001, 20), t0.Add(10*time.Second)))

	st, ok := r.Stats(ctx, "trip-1")
	require.True(t, ok)
	assert.Equal(t, "d1", st.Publisher)
	assert.Equal(t, 2, st.Estimate.SampleCount)

	// Once the first publisher disconnects the trip can be taken over.
	r.Disconnect(ctx, "d1", []string{"trip-1"})
	require.NoError(t, r.Ingest(ctx, second, pos("trip-1", 10.002, 20), t0.Add(20*time.Second)))
	st, _ = r.Stats(ctx, "trip-1")
	assert.Equal(t, "d2", st.Publisher)
}

func TestIngestForbidden(t *testing.T) {
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", DriverID: "u-assigned", Status: model.TripInProgress},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())
	ctx := context.Background()

	err := r.Ingest(ctx, newSub("p", model.RoleParent, 1), pos("trip-1", 10, 20), t0)
	assert.ErrorIs(t, err, ErrForbidden)

	err = r.Ingest(ctx, newSub("other", model.RoleDriver, 1), pos("trip-1", 10, 20), t0)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, r.Ingest(ctx, newSub("assigned", model.RoleDriver, 1), pos("trip-1", 10, 20), t0))
}

func TestIngestValidatesBeforeChannel(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())

	err := r.Ingest(context.Background(), newSub("d", model.RoleDriver, 1), pos("trip-1", 91, 0), t0)
	assert.ErrorIs(t, err, model.ErrInvalidPosition)
	assert.Zero(t, r.Len())
}

func TestOversizedSpeedHint(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 8)
	driver := newSub("d", model.RoleDriver, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	huge := 1.7e308
	upd := pos("trip-1", 41, 2)
	upd.Speed = &huge
	assert.ErrorIs(t, r.Ingest(ctx, driver, upd, t0), model.ErrInvalidPosition)

	// Passes validation but exceeds what the tracker accepts.
	fast := 500.0
	upd.Speed = &fast
	require.NoError(t, r.Ingest(ctx, driver, upd, t0))

	evs := sub.drain(t)
	require.Len(t, evs, 1)
	pe, ok := evs[0].(model.PositionEvent)
	require.True(t, ok)
	assert.Zero(t, pe.Speed)

	st, ok := r.Stats(ctx, "trip-1")
	require.True(t, ok)
	assert.Equal(t, "d", st.Publisher)
}

func TestUnencodableEventIsDropped(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	ch := r.lookup("trip-1")
	require.NotNil(t, ch)
	var frame []byte
	require.NoError(t, ch.do(ctx, func() error {
		frame = ch.broadcast(model.PositionEvent{TripID: "trip-1", Lat: math.NaN()})
		return nil
	}))
	assert.Nil(t, frame)
	assert.Empty(t, sub.drain(t))

	// The channel keeps serving after the failed frame.
	require.NoError(t, r.Ingest(ctx, newSub("d", model.RoleDriver, 1), pos("trip-1", 10, 20), t0))
	assert.Equal(t, []model.EventKind{model.EventPosition}, kinds(sub.drain(t)))
}

func TestRejectedSampleIsSilent(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 8)
	driver := newSub("d", model.RoleDriver, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	sub.drain(t)

	// ~11 km in 10 s
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.1, 20), t0.Add(10*time.Second)))

	assert.Empty(t, sub.drain(t))
	st, _ := r.Stats(ctx, "trip-1")
	assert.Equal(t, 1, st.Estimate.SampleCount)
}

func TestSlowSubscriberDropped(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	fast := newSub("fast", model.RoleParent, 16)
	slow := newSub("slow", model.RoleParent, 1) // filled by the joined event
	driver := newSub("d", model.RoleDriver, 1)
	require.NoError(t, r.Subscribe(ctx, "trip-1", fast))
	require.NoError(t, r.Subscribe(ctx, "trip-1", slow))

	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.001, 20), t0.Add(10*time.Second)))

	st, ok := r.Stats(ctx, "trip-1")
	require.True(t, ok)
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, []model.EventKind{model.EventJoined, model.EventPosition, model.EventPosition}, kinds(fast.drain(t)))
}

func TestLateJoinerGetsLatestState(t *testing.T) {
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", Stops: []model.Stop{{ID: "s1", Name: "School", Lat: 10.05, Lng: 20}}},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())
	ctx := context.Background()
	driver := newSub("d", model.RoleDriver, 1)
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.001, 20), t0.Add(10*time.Second)))

	late := newSub("late", model.RoleParent, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", late))

	evs := late.drain(t)
	require.Equal(t, []model.EventKind{model.EventJoined, model.EventPosition, model.EventETA}, kinds(evs))
	assert.Equal(t, 10.001, evs[1].(model.PositionEvent).Lat)
	assert.Equal(t, "s1", evs[2].(model.ETAEvent).StopID)
}

func TestStopProgression(t *testing.T) {
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", Stops: []model.Stop{
			{ID: "s1", Name: "Maple", Sequence: 1, Lat: 10.002, Lng: 20},
			{ID: "s2", Name: "School", Sequence: 2, Lat: 10.02, Lng: 20},
		}},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 32)
	driver := newSub("d", model.RoleDriver, 1)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	// ~222 m short of s1
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	evs := sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventPosition, model.EventETA, model.EventStopProximity}, kinds(evs))
	prox := evs[2].(model.StopProximityEvent)
	assert.Equal(t, "s1", prox.StopID)
	assert.InDelta(t, 222, prox.DistanceMeters, 2)

	// Still near s1: proximity is not repeated.
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.001, 20), t0.Add(10*time.Second)))
	assert.Equal(t, []model.EventKind{model.EventPosition, model.EventETA}, kinds(sub.drain(t)))

	// At s1: arrival, then the eta moves on to s2.
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.002, 20), t0.Add(20*time.Second)))
	evs = sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventPosition, model.EventStopArrived, model.EventETA}, kinds(evs))
	assert.Equal(t, "s1", evs[1].(model.StopArrivedEvent).StopID)
	assert.Equal(t, "s2", evs[2].(model.ETAEvent).StopID)

	st, _ := r.Stats(ctx, "trip-1")
	assert.Equal(t, 1, st.NextStop)
}

func TestDelayEmittedOnBandChange(t *testing.T) {
	// 5 km at the 25 km/h fallback plus dwell is 13 minutes; due at 07:55 that
	// is 18 minutes late.
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", Stops: []model.Stop{
			{ID: "s1", Name: "School", Lat: 10 + 5000/111195.0, Lng: 20, ScheduledTime: "07:55"},
		}},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 32)
	driver := newSub("d", model.RoleDriver, 1)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	evs := sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventPosition, model.EventETA, model.EventDelay}, kinds(evs))
	eta := evs[1].(model.ETAEvent)
	assert.Equal(t, 13, eta.EtaMinutes)
	d := evs[2].(model.DelayEvent)
	assert.Equal(t, 18, d.DelayMinutes)
	assert.Equal(t, "critical", d.Severity)

	// Slower progress keeps the band; nothing new is announced.
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.0001, 20), t0.Add(10*time.Second)))
	assert.NotContains(t, kinds(sub.drain(t)), model.EventDelay)

	st, _ := r.Stats(ctx, "trip-1")
	assert.Equal(t, "critical", st.Severity)
}

func TestOffRouteTransitions(t *testing.T) {
	// Straight north-south shape along lng 20.
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", Shape: geo.EncodePolyline([]geo.Point{{Lat: 10, Lng: 20}, {Lat: 10.1, Lng: 20}})},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 32)
	driver := newSub("d", model.RoleDriver, 1)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.01, 20), t0))
	evs := sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventPosition}, kinds(evs))
	require.NotNil(t, evs[0].(model.PositionEvent).OffRouteMeters)
	assert.Zero(t, *evs[0].(model.PositionEvent).OffRouteMeters)

	// ~219 m east of the line
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.01, 20.002), t0.Add(10*time.Second)))
	evs = sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventOffRoute, model.EventPosition}, kinds(evs))
	assert.True(t, evs[0].(model.OffRouteEvent).OffRoute)

	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10.011, 20), t0.Add(20*time.Second)))
	evs = sub.drain(t)
	require.Equal(t, []model.EventKind{model.EventOffRoute, model.EventPosition}, kinds(evs))
	assert.False(t, evs[0].(model.OffRouteEvent).OffRoute)
}

func TestCloseTrip(t *testing.T) {
	opts := testOptions()
	opts.CloseGrace = 300 * time.Millisecond
	r := newTestRegistry(t, nil, nil, opts)
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 8)
	driver := newSub("d", model.RoleDriver, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	require.NoError(t, r.Ingest(ctx, driver, pos("trip-1", 10, 20), t0))
	sub.drain(t)

	require.NoError(t, r.CloseTrip(ctx, "trip-1", "completed"))

	want := model.TripClosedEvent{TripID: "trip-1", Reason: "completed"}
	assert.Equal(t, []model.Event{want}, sub.drain(t))
	assert.Equal(t, []model.Event{want}, driver.drain(t))

	assert.ErrorIs(t, r.Ingest(ctx, driver, pos("trip-1", 10.001, 20), t0.Add(10*time.Second)), ErrTripClosed)
	assert.ErrorIs(t, r.Subscribe(ctx, "trip-1", newSub("late", model.RoleParent, 8)), ErrTripClosed)

	st, ok := r.Stats(ctx, "trip-1")
	if ok {
		assert.True(t, st.Closed)
		assert.Nil(t, st.Estimate.SmoothedKmh)
		assert.Zero(t, st.Estimate.SampleCount)
	}

	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseUnknownTripIsNoop(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	require.NoError(t, r.CloseTrip(context.Background(), "nope", "cancelled"))
	assert.Zero(t, r.Len())
}

func TestEndedTripRefusesSubscribers(t *testing.T) {
	plans := &fakePlans{plans: map[string]model.TripPlan{
		"trip-1": {TripID: "trip-1", Status: model.TripCompleted},
	}}
	r := newTestRegistry(t, plans, nil, testOptions())

	err := r.Subscribe(context.Background(), "trip-1", newSub("p", model.RoleParent, 8))
	assert.ErrorIs(t, err, ErrTripClosed)
}

func TestPlanFailureStillStreamsPositions(t *testing.T) {
	r := newTestRegistry(t, &fakePlans{err: errors.New("db down")}, nil, testOptions())
	ctx := context.Background()
	sub := newSub("p", model.RoleParent, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	sub.drain(t)

	require.NoError(t, r.Ingest(ctx, newSub("d", model.RoleDriver, 1), pos("trip-1", 10, 20), t0))
	assert.Equal(t, []model.EventKind{model.EventPosition}, kinds(sub.drain(t)))
}

func TestIdleChannelReleased(t *testing.T) {
	opts := testOptions()
	opts.IdleGrace = 30 * time.Millisecond
	r := newTestRegistry(t, nil, nil, opts)
	ctx := context.Background()

	sub := newSub("p", model.RoleParent, 8)
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, r.Len(), "attached subscriber keeps the channel alive")

	require.NoError(t, r.Unsubscribe(ctx, "trip-1", "p"))
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)

	// A new join gets a fresh channel.
	require.NoError(t, r.Subscribe(ctx, "trip-1", sub))
	assert.Equal(t, 1, r.Len())
}

func TestTripsAreIsolated(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	const trips = 8
	const samples = 20

	track := func(i int) []model.PositionUpdate {
		trip := fmt.Sprintf("trip-%d", i)
		step := 0.0002 * float64(i+1) // 22 m to 178 m per 10 s
		out := make([]model.PositionUpdate, samples)
		for k := range out {
			out[k] = pos(trip, 10+step*float64(k), 20+float64(i)*0.1)
		}
		return out
	}

	var wg sync.WaitGroup
	for i := 0; i < trips; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			driver := newSub(fmt.Sprintf("d%d", i), model.RoleDriver, 1)
			for k, upd := range track(i) {
				assert.NoError(t, r.Ingest(ctx, driver, upd, t0.Add(time.Duration(k)*10*time.Second)))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < trips; i++ {
		ref := speed.NewTracker(speed.DefaultOptions())
		for k, upd := range track(i) {
			ref.Update(speed.Sample{Lat: upd.Lat, Lng: upd.Lng, ObservedAt: t0.Add(time.Duration(k) * 10 * time.Second)})
		}
		want := ref.Snapshot()

		st, ok := r.Stats(ctx, fmt.Sprintf("trip-%d", i))
		require.True(t, ok)
		require.NotNil(t, st.Estimate.SmoothedKmh)
		assert.Equal(t, want.SampleCount, st.Estimate.SampleCount)
		assert.InDelta(t, *want.SmoothedKmh, *st.Estimate.SmoothedKmh, 1e-9)
	}
}

func TestShutdownStopsRegistry(t *testing.T) {
	r := NewRegistry(nil, nil, nil, testOptions())
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "trip-1", newSub("p", model.RoleParent, 8)))
	require.NoError(t, r.Subscribe(ctx, "trip-2", newSub("q", model.RoleParent, 8)))

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(sctx))

	assert.Zero(t, r.Len())
	assert.ErrorIs(t, r.Subscribe(ctx, "trip-3", newSub("x", model.RoleParent, 8)), ErrRegistryClosed)
}

func TestActiveTrips(t *testing.T) {
	r := newTestRegistry(t, nil, nil, testOptions())
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "trip-b", newSub("p", model.RoleParent, 8)))
	require.NoError(t, r.Ingest(ctx, newSub("d", model.RoleDriver, 1), pos("trip-a", 10, 20), t0))

	trips := r.ActiveTrips(ctx)
	require.Len(t, trips, 2)
	assert.Equal(t, "trip-a", trips[0].TripID)
	assert.Equal(t, "d", trips[0].Publisher)
	assert.Equal(t, "trip-b", trips[1].TripID)
	assert.Equal(t, 1, trips[1].Subscribers)
}
