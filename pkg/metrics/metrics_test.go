package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCacheCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RemoteReadBytes.Add(4096)
	m.CacheRequests.WithLabelValues("read_data").Inc()

	assert.Equal(t, float64(4096), testutil.ToFloat64(m.RemoteReadBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheRequests.WithLabelValues("read_data")))
}

func TestGaugeFuncLookup(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	_, ok := GaugeValue(registry, LiveWorkerGauge)
	assert.False(t, ok)

	live := 3.0
	require.NoError(t, m.RegisterGaugeFunc(LiveWorkerGauge, "live workers", func() float64 { return live }))

	v, ok := GaugeValue(registry, LiveWorkerGauge)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	live = 1
	v, _ = GaugeValue(registry, LiveWorkerGauge)
	assert.Equal(t, 1.0, v)
}

func TestCloseUnregisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	require.NoError(t, m.RegisterGaugeFunc(LiveWorkerGauge, "live workers", func() float64 { return 1 }))

	require.NoError(t, m.Close())

	_, ok := GaugeValue(registry, LiveWorkerGauge)
	assert.False(t, ok)

	// a second instance can register the same names again
	m2 := New(registry)
	assert.NoError(t, m2.RegisterGaugeFunc(LiveWorkerGauge, "live workers", func() float64 { return 2 }))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(nil)
	m.Heartbeats.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bookkeeper_heartbeats_total 1"))
}
