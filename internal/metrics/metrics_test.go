// ABOUTME: Tests for gateway Prometheus collectors
// ABOUTME: Checks counter values and the exposition served by Handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RequestFinished("ok")
	m.RequestFinished("ok")
	m.RequestFinished("cancelled")
	m.ToolInvoked("success", 20*time.Millisecond)
	m.ToolInvoked("timeout", time.Second)
	m.AdapterRestarted("discord")
	m.HookExecuted("success")
	m.FramesUndelivered(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restarts.WithLabelValues("discord")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.undelivered))
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.TrackConnectedNodes(func() int { return 2 })
	m.TrackQueueDepth(func() int { return 5 })
	m.RequestFinished("ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "clara_connected_nodes 2")
	assert.Contains(t, text, "clara_router_queue_depth 5")
	assert.Contains(t, text, `clara_requests_total{status="ok"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestFinished("ok")
		m.ToolInvoked("success", time.Millisecond)
		m.AdapterRestarted("x")
		m.HookExecuted("error")
		m.FramesUndelivered(1)
		m.TrackConnectedNodes(func() int { return 0 })
	})
}
