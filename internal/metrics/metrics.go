// Package metrics holds the process-wide Prometheus collectors.
//
// Labels are kept low-cardinality: route templates instead of raw URLs,
// fixed result/op vocabularies, no user ids.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upscalerbot"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Status is left out of the histogram to keep its cardinality low.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	upscaleResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upscale_results_total",
			Help:      "Upscale requests by outcome (ok, provider_error, error, bad_request).",
		},
		[]string{"result"},
	)

	broadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast delivery attempts by outcome (sent, failed, deactivated).",
		},
		[]string{"result"},
	)

	broadcastJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_jobs_total",
			Help:      "Completed broadcast jobs.",
		},
	)

	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operations_total",
			Help:      "Registry operations by op and result (ok, error).",
		},
		[]string{"op", "result"},
	)

	chatUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_updates_total",
			Help:      "Inbound chat events by routed tag.",
		},
		[]string{"tag"},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight,
		upscaleResults,
		broadcastDeliveries, broadcastJobs,
		registryOps,
		chatUpdates,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }

// Gin returns a middleware that instruments requests.
// The path label is the registered route, falling back to the raw path when none matched.
func Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func UpscaleResult(result string) { upscaleResults.WithLabelValues(result).Inc() }

func BroadcastDelivery(result string) { broadcastDeliveries.WithLabelValues(result).Inc() }

func BroadcastJobDone() { broadcastJobs.Inc() }

// RegistryOp counts one registry call.
func RegistryOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	registryOps.WithLabelValues(op, result).Inc()
}

func ChatUpdate(tag string) { chatUpdates.WithLabelValues(tag).Inc() }
