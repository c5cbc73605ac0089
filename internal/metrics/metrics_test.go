package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	m.RequestsTotal.WithLabelValues("SystemInfo").Inc()
	m.RequestsTotal.WithLabelValues("SystemInfo").Inc()
	m.CyclesTotal.WithLabelValues("complete").Inc()
	m.InvertersOnline.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("SystemInfo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("complete")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InvertersOnline))

	// registering twice on the same registry panics
	assert.Panics(t, func() { NewEngineMetrics(reg) })
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewEngineMetrics(reg)
	m.TimeoutsTotal.WithLabelValues("RealTimeData").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `apsecu_response_timeouts_total{service="RealTimeData"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
