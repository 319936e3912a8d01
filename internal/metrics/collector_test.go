package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_SameSeriesReturnsSameCounter(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "help", Label("channel", "web"))
	b := c.Counter("x_total", "help", Label("channel", "web"))
	other := c.Counter("x_total", "help", Label("channel", "cli"))

	a.Inc()
	b.Add(2)
	other.Inc()

	assert.Same(t, a, b)
	assert.Equal(t, int64(3), a.Value())
	assert.Equal(t, int64(1), other.Value())
}

func TestGauge_IncDecSet(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("inflight", "help", "")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(10)
	assert.Equal(t, int64(10), g.Value())
}

func TestHistogram_BucketsAndInf(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat", "help", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(30)

	out := c.Render()
	assert.Contains(t, out, `lat_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `lat_bucket{le="1"} 2`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "lat_count 3")
	assert.Equal(t, int64(3), h.Count())
}

func TestLabel_Escapes(t *testing.T) {
	assert.Equal(t, `channel="a\"b\\c\nd"`, Label("channel", "a\"b\\c\nd"))
}

func TestHandler_RendersExposition(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("echobot_messages_received_total", "Inbound", Label("channel", "web")).Add(4)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE echobot_messages_received_total counter")
	assert.Contains(t, body, `echobot_messages_received_total{channel="web"} 4`)
	assert.Contains(t, body, "echobot_uptime_seconds")
}
