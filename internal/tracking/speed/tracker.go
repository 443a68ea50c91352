// Package speed turns successive GPS fixes of one trip into an
// exponentially smoothed speed, discarding fixes that cannot be real.
package speed

import (
	"math"
	"time"

	"bus-tracker/internal/tracking/geo"
)

const (
	DefaultAlpha       = 0.2
	DefaultMinInterval = time.Second
	DefaultMaxInterval = 60 * time.Second
	DefaultMaxSpeedKmh = 150.0

	stableSamples = 3
)

type State int

const (
	Uninitialized State = iota
	Warming
	Stable
)

func (s State) String() string {
	switch s {
	case Warming:
		return "warming"
	case Stable:
		return "stable"
	default:
		return "uninitialized"
	}
}

// RejectReason is empty for accepted samples.
type RejectReason string

const (
	RejectInvalidCoordinates RejectReason = "invalid_coordinates"
	RejectTooSoon            RejectReason = "too_soon"
	RejectStale              RejectReason = "stale"
	RejectImplausibleSpeed   RejectReason = "implausible_speed"
)

// Sample is one raw fix. Hints come from the device and are optional.
type Sample struct {
	Lat         float64
	Lng         float64
	SpeedHint   *float64 // km/h
	HeadingHint *float64 // degrees
	ObservedAt  time.Time
}

// Estimate is the tracker's externally visible state. Nil speeds mean
// "not known yet".
type Estimate struct {
	SmoothedKmh      *float64 `json:"smoothed_speed_kmh"`
	InstantaneousKmh *float64 `json:"instantaneous_speed_kmh"`
	SampleCount      int      `json:"sample_count"`
}

type Result struct {
	Estimate Estimate
	// Instantaneous is nil for the first sample and for rejected ones.
	Instantaneous *float64
	Rejected      RejectReason
}

func (r Result) Accepted() bool { return r.Rejected == "" }

type Options struct {
	Alpha       float64
	MinInterval time.Duration
	MaxInterval time.Duration
	MaxSpeedKmh float64
}

func DefaultOptions() Options {
	return Options{
		Alpha:       DefaultAlpha,
		MinInterval: DefaultMinInterval,
		MaxInterval: DefaultMaxInterval,
		MaxSpeedKmh: DefaultMaxSpeedKmh,
	}
}

// Tracker belongs to exactly one trip. It is not safe for concurrent use;
// the owning trip channel serializes calls.
type Tracker struct {
	opts Options

	hasLast bool
	last    geo.Point
	lastAt  time.Time

	smoothed      float64
	hasSmoothed   bool
	instantaneous float64
	hasInstant    bool
	count         int
}

func NewTracker(opts Options) *Tracker {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.MaxSpeedKmh <= 0 {
		opts.MaxSpeedKmh = def.MaxSpeedKmh
	}
	return &Tracker{opts: opts}
}

func (t *Tracker) Update(s Sample) Result {
	pos := geo.Point{Lat: s.Lat, Lng: s.Lng}
	if !pos.Valid() {
		return t.reject(RejectInvalidCoordinates)
	}

	if !t.hasLast {
		t.anchor(pos, s.ObservedAt)
		if s.SpeedHint != nil && *s.SpeedHint >= 0 && *s.SpeedHint <= t.opts.MaxSpeedKmh {
			t.smoothed = *s.SpeedHint
			t.hasSmoothed = true
		}
		t.count = 1
		return Result{Estimate: t.Snapshot()}
	}

	elapsed := s.ObservedAt.Sub(t.lastAt)
	if elapsed < t.opts.MinInterval {
		return t.reject(RejectTooSoon)
	}
	if elapsed > t.opts.MaxInterval {
		// The sample is rejected and the estimate is left untouched, but the
		// anchor moves: measured against the old fix every later sample would
		// be stale too, and a tracker that lost signal could never recover.
		t.anchor(pos, s.ObservedAt)
		return t.reject(RejectStale)
	}

	kmh := geo.Distance(t.last, pos) / elapsed.Seconds() * 3.6
	if kmh < 0 || kmh > t.opts.MaxSpeedKmh || math.IsNaN(kmh) {
		return t.reject(RejectImplausibleSpeed)
	}

	if t.hasSmoothed {
		t.smoothed = kmh*t.opts.Alpha + t.smoothed*(1-t.opts.Alpha)
	} else {
		t.smoothed = kmh
		t.hasSmoothed = true
	}
	t.instantaneous = kmh
	t.hasInstant = true
	t.count++
	t.anchor(pos, s.ObservedAt)

	inst := kmh
	return Result{Estimate: t.Snapshot(), Instantaneous: &inst}
}

func (t *Tracker) anchor(p geo.Point, at time.Time) {
	t.last = p
	t.lastAt = at
	t.hasLast = true
}

func (t *Tracker) reject(reason RejectReason) Result {
	return Result{Estimate: t.Snapshot(), Rejected: reason}
}

func (t *Tracker) Snapshot() Estimate {
	e := Estimate{SampleCount: t.count}
	if t.hasSmoothed {
		v := t.smoothed
		e.SmoothedKmh = &v
	}
	if t.hasInstant {
		v := t.instantaneous
		e.InstantaneousKmh = &v
	}
	return e
}

// Smoothed returns the smoothed speed and whether one exists yet.
func (t *Tracker) Smoothed() (float64, bool) {
	return t.smoothed, t.hasSmoothed
}

func (t *Tracker) State() State {
	switch {
	case t.count == 0:
		return Uninitialized
	case t.count < stableSamples:
		return Warming
	default:
		return Stable
	}
}

func (t *Tracker) IsStable() bool { return t.count >= stableSamples }

// LastFix returns the most recently accepted position.
func (t *Tracker) LastFix() (geo.Point, time.Time, bool) {
	return t.last, t.lastAt, t.hasLast
}

// Reset clears everything; used only when the trip ends.
func (t *Tracker) Reset() {
	*t = Tracker{opts: t.opts}
}
