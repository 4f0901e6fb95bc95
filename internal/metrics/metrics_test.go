package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionStartFailed()
		m.SessionEnded(nil)
		m.Turn("reply")
		m.BargeIn()
		m.Transition("listening", "processing")
		m.ObserveAdapter("generate", time.Second, nil)
		m.SegmentDropped()
		m.EventDropped()
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	score := 72
	m.SessionEnded(&score)
	m.ObserveAdapter("recognize", 300*time.Millisecond, nil)
	m.ObserveAdapter("recognize", time.Second, errors.New("timeout"))
	m.BargeIn()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("scored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterRequests.WithLabelValues("recognize", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bargeIns))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Turn("presence")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `callcoach_turns_total{outcome="presence"} 1`)
}
