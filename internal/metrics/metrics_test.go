package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func TestCounters(t *testing.T) {
	before := value(t, remoteCalls.WithLabelValues("register", "ok"))
	ObserveRemote("register", "ok")
	assert.Equal(t, before+1, value(t, remoteCalls.WithLabelValues("register", "ok")))

	SetActivationState(3)
	assert.Equal(t, 3.0, value(t, activationState))

	SetDriver("GV1", 7.2)
	assert.Equal(t, 7.2, value(t, driverValue.WithLabelValues("GV1")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Delete("/api/params/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/metrics", Handler().ServeHTTP)

	before := value(t, requestCounter.WithLabelValues("/api/params/{name}", "DELETE", "204"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/params/email", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, before+1, value(t, requestCounter.WithLabelValues("/api/params/{name}", "DELETE", "204")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "phinbridge_http_requests_total")
}
