// Package metrics exposes ChainPilot's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainpilot"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)

	httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		},
		[]string{"handler", "method"},
	)

	turns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by admission outcome",
		},
		[]string{"outcome"},
	)

	activeGenerations = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_generations",
			Help:      "Generations currently running",
		},
	)

	framesRelayed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_relayed_total",
			Help:      "Frames published to the stream broker",
		},
	)

	resumes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resumes_total",
			Help:      "Resume requests by outcome",
		},
		[]string{"mode"},
	)

	approvals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Tool approval decisions",
		},
		[]string{"decision"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTurn counts a submitted turn. outcome is "admitted" or the rejection code.
func ObserveTurn(outcome string) {
	turns.WithLabelValues(outcome).Inc()
}

// GenerationStarted increments the active generation gauge.
func GenerationStarted() { activeGenerations.Inc() }

// GenerationFinished decrements the active generation gauge.
func GenerationFinished() { activeGenerations.Dec() }

// FrameRelayed counts one frame handed to the broker.
func FrameRelayed() { framesRelayed.Inc() }

// ObserveResume counts a resume request by mode (live, catch-up, empty, not-found).
func ObserveResume(mode string) {
	resumes.WithLabelValues(mode).Inc()
}

// ObserveApproval counts an approval decision.
func ObserveApproval(approved bool) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	approvals.WithLabelValues(decision).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
