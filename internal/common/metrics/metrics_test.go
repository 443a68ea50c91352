package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.TripOpened()
	c.TripOpened()
	c.TripReleased()
	c.SampleRejected("too_fast")
	c.SampleRejected("too_fast")
	c.EventBroadcast("position")
	c.IngestObserve(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveTrips))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SamplesRejected.WithLabelValues("too_fast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsBroadcast.WithLabelValues("position")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TripOpened()
		c.SampleAccepted()
		c.GateFailed("expired_credential")
		c.RelayDrop("nats")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.GateFailed("unknown_user")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tracking_gate_failures_total{reason="unknown_user"} 1`)
}
