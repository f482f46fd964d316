package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveResume(t *testing.T) {
	before := testutil.ToFloat64(resumes.WithLabelValues("catch-up"))
	ObserveResume("catch-up")
	if got := testutil.ToFloat64(resumes.WithLabelValues("catch-up")); got != before+1 {
		t.Fatalf("unexpected resume count: %v", got)
	}
}

func TestGenerationGauge(t *testing.T) {
	before := testutil.ToFloat64(activeGenerations)
	GenerationStarted()
	GenerationStarted()
	GenerationFinished()
	if got := testutil.ToFloat64(activeGenerations); got != before+1 {
		t.Fatalf("unexpected gauge: %v", got)
	}
	GenerationFinished()
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveHTTPRequest("chat", http.MethodPost, http.StatusOK, 150*time.Millisecond)
	ObserveApproval(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`chainpilot_http_requests_total{code="200",handler="chat",method="POST"}`,
		`chainpilot_approval_decisions_total{decision="approved"}`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metric %q missing from output", want)
		}
	}
}
