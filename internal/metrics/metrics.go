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
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routeops_builds_total",
		Help: "Finished builds by instance and final status.",
	}, []string{"instance", "status"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routeops_build_duration_seconds",
		Help:    "Wall time of whole builds.",
		Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
	}, []string{"instance"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routeops_stage_duration_seconds",
		Help:    "Wall time of individual pipeline stages.",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"stage", "result"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "routeops_build_queue_depth",
		Help: "Running plus waiting builds per instance.",
	}, []string{"instance"})

	cutoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routeops_cutovers_total",
		Help: "Rolling restarts by profile and result.",
	}, []string{"profile", "result"})

	instanceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "routeops_instance_healthy",
		Help: "1 when the last health check of the instance passed.",
	}, []string{"instance"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routeops_http_requests_total",
		Help: "HTTP requests served by the status API.",
	}, []string{"method", "path", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routeops_http_request_duration_seconds",
		Help:    "Latency of status API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// ObserveBuild records a finished build.
func ObserveBuild(instance, status string, d time.Duration) {
	buildsTotal.WithLabelValues(instance, status).Inc()
	buildDuration.WithLabelValues(instance).Observe(d.Seconds())
}

// ObserveStage records one pipeline stage.
func ObserveStage(stage string, ok bool, d time.Duration) {
	stageDuration.WithLabelValues(stage, result(ok)).Observe(d.Seconds())
}

// SetQueueDepth sets the pending build count for an instance.
func SetQueueDepth(instance string, n int) {
	queueDepth.WithLabelValues(instance).Set(float64(n))
}

// ObserveCutover records a rolling restart outcome.
func ObserveCutover(profile string, ok bool) {
	cutoversTotal.WithLabelValues(profile, result(ok)).Inc()
}

// SetInstanceHealthy records the latest health check result.
func SetInstanceHealthy(instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	instanceUp.WithLabelValues(instance).Set(v)
}

// ObserveHTTP records one API request.
func ObserveHTTP(method, path string, code int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
