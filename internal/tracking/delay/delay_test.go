package delay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var madrid = mustLoad("Europe/Madrid")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func detectorAt(now time.Time) *Detector {
	d := NewDetector(5, now.Location())
	d.Now = func() time.Time { return now }
	return d
}

func TestTwelveMinutesLateIsHigh(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 30, 0, 0, madrid)
	res, err := detectorAt(now).Evaluate("07:30", 12)
	require.NoError(t, err)

	assert.Equal(t, 12, res.DelayMinutes)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.True(t, res.IsDelayed)
	assert.Equal(t, time.Date(2026, 3, 2, 7, 42, 0, 0, madrid), res.ExpectedArrival)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		delay, threshold int
		want             Severity
	}{
		{-1, 5, SeverityEarly},
		{-30, 5, SeverityEarly},
		{0, 5, SeverityLow},
		{4, 5, SeverityLow},
		{5, 5, SeverityMedium},
		{9, 5, SeverityMedium},
		{10, 5, SeverityHigh},
		{14, 5, SeverityHigh},
		{15, 5, SeverityCritical},
		{90, 5, SeverityCritical},
		{8, 3, SeverityMedium},
		{11, 12, SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.delay, tt.threshold), "delay=%d threshold=%d", tt.delay, tt.threshold)
	}
}

func TestEvaluateAtRoundsAndFlags(t *testing.T) {
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	early := EvaluateAt(scheduled.Add(-20*time.Minute), scheduled, 10, 5)
	assert.Equal(t, -10, early.DelayMinutes)
	assert.Equal(t, SeverityEarly, early.Severity)
	assert.False(t, early.IsDelayed)

	// 4m31s late rounds to 5 and crosses the threshold
	late := EvaluateAt(scheduled.Add(31*time.Second), scheduled, 4, 5)
	assert.Equal(t, 5, late.DelayMinutes)
	assert.True(t, late.IsDelayed)

	defaulted := EvaluateAt(scheduled, scheduled, 5, 0)
	assert.True(t, defaulted.IsDelayed)
}

func TestParseScheduled(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, madrid)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"07:30", time.Date(2026, 3, 2, 7, 30, 0, 0, madrid)},
		{" 07:30:15 ", time.Date(2026, 3, 2, 7, 30, 15, 0, madrid)},
		{"2026-03-02T07:30:00Z", time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)},
		{"2026-03-02 07:45:00", time.Date(2026, 3, 2, 7, 45, 0, 0, madrid)},
	}
	for _, tt := range tests {
		got, err := ParseScheduled(tt.in, now)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%q: got %v want %v", tt.in, got, tt.want)
	}

	for _, bad := range []string{"", "7.30", "25:00", "tomorrow"} {
		_, err := ParseScheduled(bad, now)
		assert.ErrorIs(t, err, ErrBadScheduledTime, bad)
	}
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityEarly.Rank(), SeverityLow.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Equal(t, -1, Severity("bogus").Rank())
}
