package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "inferd"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time until the handler returned, including the whole stream.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"route", "method", "code"})

	// Generation latency as a client sees it: the first NDJSON line, or the
	// single JSON body.
	firstByteSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "first_byte_seconds",
		Help:      "Time from request arrival to the first body byte.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"route"})

	responseBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "response_bytes_total",
		Help:      "Body bytes written, by route.",
	}, []string{"route"})

	inflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Requests currently being served.",
	}, []string{"method"})

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "backpressure_total",
		Help:      "Requests rejected with 429, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, firstByteSeconds, responseBytes, inflight, backpressureTotal)
}

// responseRecorder remembers the status code, the body size and when the
// first body byte went out. Flush stays reachable for NDJSON streams.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	written   int64
	firstByte time.Time
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.firstByte.IsZero() && len(p) > 0 {
		rr.firstByte = time.Now()
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// MetricsMiddleware instruments requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		g := inflight.WithLabelValues(r.Method)
		g.Inc()
		defer g.Dec()

		next.ServeHTTP(rr, r)

		// chi fills in the pattern while routing, so read it afterwards.
		route := routeLabel(r)
		code := strconv.Itoa(rr.status)
		requestsTotal.WithLabelValues(route, r.Method, code).Inc()
		requestSeconds.WithLabelValues(route, r.Method, code).Observe(time.Since(start).Seconds())
		if !rr.firstByte.IsZero() {
			firstByteSeconds.WithLabelValues(route).Observe(rr.firstByte.Sub(start).Seconds())
		}
		responseBytes.WithLabelValues(route).Add(float64(rr.written))
	})
}

// routeLabel prefers the matched chi pattern so ids in paths do not become
// label values. Unrouted requests collapse into one label.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// IncrementBackpressure counts a 429 returned to a client.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}
