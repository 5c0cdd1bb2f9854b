package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	var r Recorder

	before := testutil.ToFloat64(sessionRefreshTotal.WithLabelValues("ok"))
	r.ObserveRefresh("ok")
	r.ObserveRefresh("ok")
	if got := testutil.ToFloat64(sessionRefreshTotal.WithLabelValues("ok")) - before; got != 2 {
		t.Fatalf("refresh ok delta=%v want 2", got)
	}

	before = testutil.ToFloat64(apiRequestsTotal.WithLabelValues("GET", "/tasks/{id}", "error"))
	r.ObserveRequest("GET", "/tasks/{id}", 0, time.Millisecond)
	if got := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("GET", "/tasks/{id}", "error")) - before; got != 1 {
		t.Fatalf("network error delta=%v want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	var r Recorder
	r.ObserveBookingEvent("applied")
	r.ObserveConnect("ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"triptask_booking_events_total", "triptask_realtime_connects_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
