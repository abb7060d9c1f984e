package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObservePreflight(false, "input_too_short", 5*time.Millisecond)
	c.ObservePreflight(false, "input_too_short", 5*time.Millisecond)
	c.ObserveCheck("input_length", 1, "input_too_short", time.Millisecond)
	c.IncAbuseEvent("warning")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.preflightTotal.WithLabelValues("failed", "input_too_short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkTotal.WithLabelValues("input_length", "1", "input_too_short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.abuseEvents.WithLabelValues("warning")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ObservePreflight(true, "", time.Second)
	c.ObserveCheck("x", 1, "", time.Second)
	c.IncCheckError("x", "fail_open")
	c.IncAbuseEvent("timeout")
	c.SetBreakerState("moderation", 2)
	c.ObserveHTTP("GET", "/healthz", 200, time.Second)
}
