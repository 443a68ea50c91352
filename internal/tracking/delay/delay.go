// Package delay compares a projected arrival with the schedule. It keeps no
// history; deciding when a change is worth announcing is the caller's job.
package delay

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const DefaultThresholdMinutes = 5

type Severity string

const (
	SeverityEarly    Severity = "early"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from early (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityEarly:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

var ErrBadScheduledTime = errors.New("unparseable scheduled time")

type Result struct {
	IsDelayed       bool      `json:"isDelayed"`
	DelayMinutes    int       `json:"delayMinutes"`
	Severity        Severity  `json:"severity"`
	Scheduled       time.Time `json:"scheduled"`
	ExpectedArrival time.Time `json:"expectedArrival"`
}

type Detector struct {
	ThresholdMinutes int
	Location         *time.Location
	Now              func() time.Time
}

func NewDetector(thresholdMinutes int, loc *time.Location) *Detector {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultThresholdMinutes
	}
	if loc == nil {
		loc = time.Local
	}
	return &Detector{ThresholdMinutes: thresholdMinutes, Location: loc, Now: time.Now}
}

// Evaluate accepts either "HH:MM" (today, in the detector's location) or a
// full timestamp.
func (d *Detector) Evaluate(scheduled string, etaMinutes int) (Result, error) {
	now := d.Now().In(d.Location)
	at, err := ParseScheduled(scheduled, now)
	if err != nil {
		return Result{}, err
	}
	return EvaluateAt(now, at, etaMinutes, d.ThresholdMinutes), nil
}

// EvaluateAt is the pure form of Evaluate.
func EvaluateAt(now, scheduled time.Time, etaMinutes, thresholdMinutes int) Result {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultThresholdMinutes
	}
	expected := now.Add(time.Duration(etaMinutes) * time.Minute)
	delayMin := int(math.Round(expected.Sub(scheduled).Minutes()))

	return Result{
		IsDelayed:       delayMin >= thresholdMinutes,
		DelayMinutes:    delayMin,
		Severity:        Classify(delayMin, thresholdMinutes),
		Scheduled:       scheduled,
		ExpectedArrival: expected,
	}
}

func Classify(delayMinutes, thresholdMinutes int) Severity {
	switch {
	case delayMinutes < 0:
		return SeverityEarly
	case delayMinutes < thresholdMinutes:
		return SeverityLow
	case delayMinutes < 10:
		return SeverityMedium
	case delayMinutes < 15:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseScheduled resolves s against now's date and location.
func ParseScheduled(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadScheduledTime
	}

	for _, layout := range []string{"15:04", "15:04:05"} {
		if clock, err := time.Parse(layout, s); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(),
				clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location()), nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadScheduledTime, s)
}
