package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Label values are registered routes, never raw URLs, so identity and
// contact ids cannot grow the series count.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Control API requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// Streams are excluded; their duration is the client's session length.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Control API request latency. Sends and profile pushes wait on relays.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Control API requests being served, streams excluded.",
		},
	)

	httpStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_open_streams",
			Help: "Open notification streams.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Control API response sizes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"method", "route"},
	)

	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"route"},
	)
)

// unmatchedRoute labels requests that matched no route.
const unmatchedRoute = "unmatched"

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpStreams, httpRespSize, httpRateLimited)
}

func routeLabel(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return unmatchedRoute
}

// Metrics instruments requests with Prometheus. Routes in streams count
// toward http_open_streams instead of the latency and in-flight series.
func Metrics(streams ...string) gin.HandlerFunc {
	isStream := stringSet(streams)
	return func(c *gin.Context) {
		route := routeLabel(c)
		method := c.Request.Method

		if _, ok := isStream[route]; ok {
			httpStreams.Inc()
			defer httpStreams.Dec()
			c.Next()
			httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		// -1 when no body was written.
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
