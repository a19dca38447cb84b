// Package metrics exposes prometheus collectors for the bridge.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phinbridge_remote_calls_total",
			Help: "Calls to the pHin service by operation and result kind.",
		},
		[]string{"op", "result"},
	)

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phinbridge_polls_total",
			Help: "Reading polls by result.",
		},
		[]string{"result"},
	)

	activationState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phinbridge_activation_state",
			Help: "Activation state: 0 awaiting email, 1 awaiting verification setup, 2 awaiting activation code, 3 authorized.",
		},
	)

	driverValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phinbridge_driver_value",
			Help: "Last published driver value.",
		},
		[]string{"driver"},
	)

	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phinbridge_restarts_total",
			Help: "Controller restarts by reason.",
		},
		[]string{"reason"},
	)

	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phinbridge_http_requests_total",
			Help: "Control API requests by route, method, and status.",
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(remoteCalls, polls, activationState, driverValue, restarts, requestCounter)
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemote counts one remote call. result is "ok" or an error kind.
func ObserveRemote(op, result string) {
	remoteCalls.WithLabelValues(op, result).Inc()
}

// ObservePoll counts one reading poll.
func ObservePoll(result string) {
	polls.WithLabelValues(result).Inc()
}

// SetActivationState records the current activation state.
func SetActivationState(state int) {
	activationState.Set(float64(state))
}

// SetDriver records a published driver value.
func SetDriver(key string, value float64) {
	driverValue.WithLabelValues(key).Set(value)
}

// ObserveRestart counts one restart.
func ObserveRestart(reason string) {
	restarts.WithLabelValues(reason).Inc()
}

// Middleware counts control API requests by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		requestCounter.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
