package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDeliverableCreated("Marketing", "scan")
	c.RecordDeliverableCreated("Marketing", "scan")
	c.RecordTransition("done")
	c.RecordPermissionDenied("deliverable.delete")
	c.RecordOverdue(3)
	c.RecordLogin(false)

	if got := testutil.ToFloat64(c.created.WithLabelValues("Marketing", "scan")); got != 2 {
		t.Fatalf("created = %v", got)
	}
	if got := testutil.ToFloat64(c.overdue); got != 3 {
		t.Fatalf("overdue = %v", got)
	}
	if got := testutil.ToFloat64(c.logins.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failed logins = %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHTTPRequest(http.MethodGet, http.StatusOK, 15*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), `deliverline_http_requests_total{method="GET",status_code="200"} 1`) {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordTransition("done")
}
