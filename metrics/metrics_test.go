package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsExposed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	m.Transition("approve", "ok")
	m.Transition("approve", "ok")
	m.SyncFailed()
	m.SyncPending(3)

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping/:id", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/42", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`checkout_loan_transitions_total{event="approve",result="ok"} 2`,
		`checkout_device_sync_failures_total 1`,
		`checkout_device_sync_pending 3`,
		`route="/ping/:id"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
