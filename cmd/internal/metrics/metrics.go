package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_api_requests_total",
		Help: "Total number of API requests sent, by outcome status.",
	}, []string{"method", "route", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triptask_api_request_duration_seconds",
		Help:    "Histogram of API request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	sessionLoginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_session_login_total",
		Help: "Login attempts by result.",
	}, []string{"result"})

	sessionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_session_refresh_total",
		Help: "Token refreshes by result.",
	}, []string{"result"})

	sessionLogoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_session_logout_total",
		Help: "Logouts by reason.",
	}, []string{"reason"})

	realtimeConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_realtime_connects_total",
		Help: "Realtime connection attempts by result.",
	}, []string{"result"})

	realtimeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_realtime_events_total",
		Help: "Realtime events received by type.",
	}, []string{"type"})

	bookingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triptask_booking_events_total",
		Help: "Booking realtime events by merge outcome.",
	}, []string{"outcome"})
)

// Recorder adapts the package collectors to the observer interfaces of the
// transport, session, realtime and booking packages.
type Recorder struct{}

func (Recorder) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	apiRequestsTotal.WithLabelValues(method, route, label).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (Recorder) ObserveLogin(result string)   { sessionLoginTotal.WithLabelValues(result).Inc() }
func (Recorder) ObserveRefresh(result string) { sessionRefreshTotal.WithLabelValues(result).Inc() }
func (Recorder) ObserveLogout(reason string)  { sessionLogoutTotal.WithLabelValues(reason).Inc() }

func (Recorder) ObserveConnect(result string) { realtimeConnectsTotal.WithLabelValues(result).Inc() }
func (Recorder) ObserveEvent(typ string)      { realtimeEventsTotal.WithLabelValues(typ).Inc() }

func (Recorder) ObserveBookingEvent(outcome string) {
	bookingEventsTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
