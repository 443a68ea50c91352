package eta

import (
	"math"

	"bus-tracker/internal/tracking/geo"
)

const (
	DefaultFallbackSpeedKmh = 25.0
	DefaultDwellSeconds     = 30
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// StopTarget is a snapshot of the next stop. A zero DwellSeconds means the
// schedule did not say and DefaultDwellSeconds applies.
type StopTarget struct {
	Lat          float64
	Lng          float64
	DwellSeconds int
}

type Result struct {
	EtaMinutes     int        `json:"etaMinutes"`
	EtaSeconds     int        `json:"etaSeconds"`
	DistanceMeters int        `json:"distanceMeters"`
	SpeedKmh       float64    `json:"speedKmh"`
	Confidence     Confidence `json:"confidence"`
}

// SpeedSource is what the estimator needs from a speed tracker.
type SpeedSource interface {
	Smoothed() (float64, bool)
	IsStable() bool
}

type Estimator struct {
	FallbackSpeedKmh float64
}

func NewEstimator(fallbackKmh float64) Estimator {
	if fallbackKmh <= 0 {
		fallbackKmh = DefaultFallbackSpeedKmh
	}
	return Estimator{FallbackSpeedKmh: fallbackKmh}
}

// Compute projects arrival at stop. src may be nil. Times are rounded up so
// an arrival is never advertised sooner than estimated.
func (e Estimator) Compute(current geo.Point, stop StopTarget, src SpeedSource) Result {
	fallback := e.FallbackSpeedKmh
	if fallback <= 0 {
		fallback = DefaultFallbackSpeedKmh
	}

	distance := geo.DistanceMeters(current.Lat, current.Lng, stop.Lat, stop.Lng)

	speed := fallback
	confidence := ConfidenceLow
	if src != nil {
		if smoothed, ok := src.Smoothed(); ok {
			if smoothed > 0 {
				speed = smoothed
			}
			if src.IsStable() {
				confidence = ConfidenceHigh
			} else {
				confidence = ConfidenceMedium
			}
		}
	}

	dwell := stop.DwellSeconds
	if dwell <= 0 {
		dwell = DefaultDwellSeconds
	}

	travel := distance / 1000 / speed * 3600
	total := travel + float64(dwell)

	return Result{
		EtaMinutes:     ceil(total / 60),
		EtaSeconds:     ceil(total),
		DistanceMeters: int(math.Round(distance)),
		SpeedKmh:       math.Round(speed*10) / 10,
		Confidence:     confidence,
	}
}

// Compute uses the default fallback speed.
func Compute(current geo.Point, stop StopTarget, src SpeedSource) Result {
	return NewEstimator(DefaultFallbackSpeedKmh).Compute(current, stop, src)
}

// ceil ignores float noise below a nanosecond so 750.0000000001 s stays 750.
func ceil(v float64) int {
	return int(math.Ceil(v - 1e-9))
}
