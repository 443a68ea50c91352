package channel

import (
	"context"
	"fmt"
	"math"
	"time"

	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/delay"
	"bus-tracker/internal/tracking/eta"
	"bus-tracker/internal/tracking/geo"
	"bus-tracker/internal/tracking/model"
	"bus-tracker/internal/tracking/speed"
)

// Channel is the session of one trip. All fields below inbox are owned by the
// run goroutine; other goroutines reach them only through do.
type Channel struct {
	tripID string
	reg    *Registry
	inbox  chan func()
	done   chan struct{}

	plan       model.TripPlan
	route      []geo.Point
	tracker    *speed.Tracker
	estimator  eta.Estimator
	detector   *delay.Detector
	subs       map[string]Subscriber
	publisher  Subscriber
	closed     bool
	nextStop   int
	nearStop   map[int]bool
	severity   delay.Severity
	offRoute   bool
	lastFrames [][]byte // latest position and eta, replayed to late joiners

	idle     *time.Timer
	idleC    <-chan time.Time
	releaseC <-chan time.Time
}

func newChannel(tripID string, reg *Registry) *Channel {
	opts := reg.opts
	det := delay.NewDetector(opts.DelayThreshold, opts.Location)
	det.Now = opts.Now
	return &Channel{
		tripID:    tripID,
		reg:       reg,
		inbox:     make(chan func(), opts.InboxSize),
		done:      make(chan struct{}),
		tracker:   speed.NewTracker(opts.Speed),
		estimator: eta.NewEstimator(opts.FallbackSpeedKmh),
		detector:  det,
		subs:      make(map[string]Subscriber),
		nearStop:  make(map[int]bool),
		severity:  delay.SeverityLow,
	}
}

// do runs fn on the channel goroutine and waits for its result.
func (c *Channel) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- func() { reply <- fn() }:
	case <-c.done:
		return errReleased
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return errReleased
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run() {
	defer func() {
		c.stopIdle()
		c.dropAllSubscribers()
		c.reg.release(c)
		close(c.done)
	}()

	c.loadPlan()
	c.armIdle()

	for {
		select {
		case fn := <-c.inbox:
			fn()
			if !c.closed {
				c.armIdle()
			}
		case <-c.idleC:
			c.idleC = nil
			if c.empty() {
				logger.Info("trip_channel_idle", "No publisher or subscribers within grace period", "", c.tripID)
				c.tracker.Reset()
				return
			}
		case <-c.releaseC:
			return
		case <-c.reg.quit:
			return
		}
	}
}

func (c *Channel) loadPlan() {
	if c.reg.plans == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.reg.opts.PlanTimeout)
	defer cancel()

	plan, err := c.reg.plans.LoadPlan(ctx, c.tripID)
	if err != nil {
		// Positions still flow; only stop-based events are unavailable.
		logger.Warn("trip_plan_load_failed", "Trip plan unavailable, ETA disabled", "", c.tripID, err.Error())
		return
	}
	c.plan = plan
	c.route = geo.DecodePolyline(plan.Shape)
	if plan.Shape != "" && len(c.route) == 0 {
		logger.Warn("trip_shape_invalid", "Route shape could not be decoded", "", c.tripID, "")
	}
	if plan.Status.Ended() {
		c.closed = true
		c.releaseC = time.After(c.reg.opts.CloseGrace)
	}
}

func (c *Channel) empty() bool {
	return c.publisher == nil && len(c.subs) == 0
}

// armIdle starts the idle countdown when nobody is attached and cancels it
// otherwise.
func (c *Channel) armIdle() {
	if !c.empty() {
		c.stopIdle()
		return
	}
	if c.idleC != nil {
		return
	}
	c.idle = time.NewTimer(c.reg.opts.IdleGrace)
	c.idleC = c.idle.C
}

func (c *Channel) stopIdle() {
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = nil
	c.idleC = nil
}

func (c *Channel) subscribe(sub Subscriber) error {
	if c.closed {
		return ErrTripClosed
	}
	if _, ok := c.subs[sub.ID()]; !ok {
		c.subs[sub.ID()] = sub
		c.reg.metrics.SubscriberAdded()
	}
	logger.Info("ws_trip_joined", fmt.Sprintf("%s %s joined", sub.Identity().Role, sub.Identity().UserID), sub.ID(), c.tripID)

	if !sub.Deliver(model.MustEncode(model.JoinedEvent{TripID: c.tripID})) {
		c.drop(sub.ID())
		return nil
	}
	for _, frame := range c.lastFrames {
		if !sub.Deliver(frame) {
			c.drop(sub.ID())
			return nil
		}
	}
	return nil
}

func (c *Channel) unsubscribe(id string) {
	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		c.reg.metrics.SubscriberRemoved()
		logger.Info("ws_trip_left", "Subscriber left", id, c.tripID)
	}
}

func (c *Channel) releasePublisher(id string) {
	if c.publisher != nil && c.publisher.ID() == id {
		c.publisher = nil
		logger.Info("trip_publisher_released", "Driver feed detached", id, c.tripID)
	}
}

// drop removes a subscriber that could not keep up.
func (c *Channel) drop(id string) {
	if _, ok := c.subs[id]; !ok {
		return
	}
	delete(c.subs, id)
	c.reg.metrics.SubscriberRemoved()
	c.reg.metrics.SlowSubscriberDropped()
	logger.Warn("subscriber_dropped", "Subscriber buffer full, removed from fan-out", id, c.tripID, "")
}

func (c *Channel) dropAllSubscribers() {
	for id := range c.subs {
		delete(c.subs, id)
		c.reg.metrics.SubscriberRemoved()
	}
}

func (c *Channel) ingest(pub Subscriber, update model.PositionUpdate, receivedAt time.Time) error {
	if c.closed {
		return ErrTripClosed
	}
	id := pub.Identity()
	if id.Role != model.RoleDriver {
		return ErrForbidden
	}
	if c.plan.DriverID != "" && c.plan.DriverID != id.UserID {
		return ErrForbidden
	}
	switch {
	case c.publisher == nil:
		c.publisher = pub
		logger.Info("trip_publisher_attached", "Driver feed attached", pub.ID(), c.tripID)
	case c.publisher.ID() != pub.ID():
		return ErrPublisherConflict
	}

	start := time.Now()
	defer func() { c.reg.metrics.IngestObserve(time.Since(start)) }()

	prev, _, hadPrev := c.tracker.LastFix()
	res := c.tracker.Update(speed.Sample{
		Lat:         update.Lat,
		Lng:         update.Lng,
		SpeedHint:   update.Speed,
		HeadingHint: update.Heading,
		ObservedAt:  receivedAt,
	})
	if !res.Accepted() {
		c.reg.metrics.SampleRejected(string(res.Rejected))
		logger.Debug("position_rejected", string(res.Rejected), pub.ID(), c.tripID)
		return nil
	}
	c.reg.metrics.SampleAccepted()

	pos := geo.Point{Lat: update.Lat, Lng: update.Lng}
	c.lastFrames = c.lastFrames[:0]

	pe := model.PositionEvent{
		TripID:       c.tripID,
		Lat:          update.Lat,
		Lng:          update.Lng,
		Speed:        outboundSpeed(res.Estimate, update.Speed, c.maxSpeedKmh()),
		Heading:      outboundHeading(update.Heading, prev, pos, hadPrev),
		TimestampISO: receivedAt.UTC().Format(time.RFC3339),
	}
	if len(c.route) > 0 {
		d := geo.MinDistanceToPolyline(pos, c.route)
		rounded := math.Round(d)
		pe.OffRouteMeters = &rounded
		if off := d > c.reg.opts.OffRouteM; off != c.offRoute {
			c.offRoute = off
			c.broadcast(model.OffRouteEvent{TripID: c.tripID, OffRoute: off, DistanceMeters: int(rounded)})
		}
	}
	c.remember(c.broadcast(pe))

	c.advanceStops(pos, receivedAt)
	return nil
}

// advanceStops marks reached stops and emits eta, proximity and delay events
// for the next one.
func (c *Channel) advanceStops(pos geo.Point, at time.Time) {
	stops := c.plan.Stops
	for c.nextStop < len(stops) {
		s := stops[c.nextStop]
		if geo.DistanceMeters(pos.Lat, pos.Lng, s.Lat, s.Lng) > c.reg.opts.StopArrivalM {
			break
		}
		c.broadcast(model.StopArrivedEvent{
			TripID:       c.tripID,
			StopID:       s.ID,
			StopName:     s.Name,
			TimestampISO: at.UTC().Format(time.RFC3339),
		})
		c.nextStop++
	}
	if c.nextStop >= len(stops) {
		return
	}

	s := stops[c.nextStop]
	res := c.estimator.Compute(pos, eta.StopTarget{Lat: s.Lat, Lng: s.Lng, DwellSeconds: s.DwellSeconds}, c.tracker)
	c.remember(c.broadcast(model.ETAEvent{
		TripID:   c.tripID,
		StopID:   s.ID,
		StopName: s.Name,
		Result:   res,
	}))

	if float64(res.DistanceMeters) < c.reg.opts.StopProximityM && !c.nearStop[c.nextStop] {
		c.nearStop[c.nextStop] = true
		c.broadcast(model.StopProximityEvent{
			TripID:         c.tripID,
			StopID:         s.ID,
			StopName:       s.Name,
			DistanceMeters: res.DistanceMeters,
			EtaMinutes:     res.EtaMinutes,
		})
	}

	if s.ScheduledTime == "" {
		return
	}
	d, err := c.detector.Evaluate(s.ScheduledTime, res.EtaMinutes)
	if err != nil {
		logger.Debug("delay_skipped", err.Error(), "", c.tripID)
		return
	}
	if d.Severity != c.severity {
		c.severity = d.Severity
		c.broadcast(model.DelayEvent{
			TripID:       c.tripID,
			StopID:       s.ID,
			DelayMinutes: d.DelayMinutes,
			Severity:     string(d.Severity),
		})
	}
}

// close stops ingestion, tells everyone attached why, and schedules release.
func (c *Channel) close(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.stopIdle()

	frame := c.broadcast(model.TripClosedEvent{TripID: c.tripID, Reason: reason})
	if c.publisher != nil {
		if _, subscribed := c.subs[c.publisher.ID()]; !subscribed && frame != nil {
			c.publisher.Deliver(frame)
		}
		c.publisher = nil
	}

	c.tracker.Reset()
	c.lastFrames = nil
	c.releaseC = time.After(c.reg.opts.CloseGrace)
	logger.Info("trip_closed", "Trip closed: "+reason, "", c.tripID)
}

// broadcast encodes ev once and queues it on every subscriber. It returns the
// encoded frame, or nil when ev could not be encoded.
func (c *Channel) broadcast(ev model.Event) []byte {
	frame, err := model.Encode(ev)
	if err != nil {
		logger.Error("event_encode_failed", "Dropped event that could not be encoded", "", c.tripID, err.Error())
		return nil
	}
	for id, sub := range c.subs {
		if !sub.Deliver(frame) {
			c.drop(id)
		}
	}
	c.reg.metrics.EventBroadcast(string(ev.Kind()))
	if c.reg.sink != nil {
		c.reg.sink.Forward(c.tripID, ev.Kind(), frame)
	}
	return frame
}

func (c *Channel) remember(frame []byte) {
	if frame != nil {
		c.lastFrames = append(c.lastFrames, frame)
	}
}

func (c *Channel) stats() Stats {
	st := Stats{
		TripID:      c.tripID,
		Subscribers: len(c.subs),
		Closed:      c.closed,
		Estimate:    c.tracker.Snapshot(),
		NextStop:    c.nextStop,
		Severity:    string(c.severity),
		OffRoute:    c.offRoute,
	}
	if c.publisher != nil {
		st.Publisher = c.publisher.ID()
	}
	return st
}

// outboundSpeed prefers the smoothed estimate and falls back to the device
// hint only while it is within maxKmh.
func outboundSpeed(est speed.Estimate, hint *float64, maxKmh float64) float64 {
	v := 0.0
	switch {
	case est.SmoothedKmh != nil:
		v = *est.SmoothedKmh
	case hint != nil && *hint >= 0 && *hint <= maxKmh:
		v = *hint
	}
	return math.Round(v*10) / 10
}

func (c *Channel) maxSpeedKmh() float64 {
	if m := c.reg.opts.Speed.MaxSpeedKmh; m > 0 {
		return m
	}
	return speed.DefaultMaxSpeedKmh
}

func outboundHeading(hint *float64, prev, cur geo.Point, hadPrev bool) float64 {
	if hint != nil {
		return math.Mod(math.Mod(*hint, 360)+360, 360)
	}
	if !hadPrev {
		return 0
	}
	return math.Round(geo.Bearing(prev, cur)*10) / 10
}
