package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/towerctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordAppointmentBuilt("tower-a")
	RecordDelivery("tower-a", OutcomeAccepted, 24*time.Millisecond)
	RecordTowerStatus("tower-a", "reachable", 0)
	SetPending("tower-a", 3)
	RecordAbandoned("tower-a", 2)

	if got := testutil.ToFloat64(pendingAppointments.WithLabelValues("tower-a")); got != 3 {
		t.Fatalf("pending gauge=%v", got)
	}
	if got := testutil.ToFloat64(abandonedAppointments.WithLabelValues("tower-a")); got != 2 {
		t.Fatalf("abandoned counter=%v", got)
	}
}

func TestRequestMetricsUseRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestMetricsMiddleware(), RequestLogger(Component("test")))
	r.GET("/towers/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/towers/:id", "204"))
	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/towers/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/towers/:id", "204"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests under the route template, got %v", after-before)
	}
}
