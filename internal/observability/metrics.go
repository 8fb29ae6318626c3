package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framebus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebus",
			Subsystem: "frames",
			Name:      "total",
			Help:      "Frames accepted or emitted, by kind name.",
		},
		[]string{"direction", "kind"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebus",
			Subsystem: "frames",
			Name:      "bytes_total",
			Help:      "Encoded frame bytes, header included.",
		},
		[]string{"direction"},
	)
	rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebus",
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Frames rejected, by error class and reason.",
		},
		[]string{"direction", "class", "reason"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framebus",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "success"},
	)
	streamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "framebus",
			Subsystem: "dispatch",
			Name:      "streams_open",
			Help:      "Dispatch streams currently draining.",
		},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framebus",
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated response.",
		},
		[]string{"service"},
	)
	resends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebus",
			Subsystem: "session",
			Name:      "resends_total",
			Help:      "Requests resent under their original id.",
		},
		[]string{"service"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, frameBytes, rejects,
			dispatchDuration, streamsOpen,
			pendingRequests, resends,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame of the named kind. size is the encoded length.
func RecordFrame(direction, kind string, size int) {
	RegisterMetrics()
	frames.WithLabelValues(direction, kindLabel(kind)).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(size))
}

func RecordReject(direction, class, reason string) {
	RegisterMetrics()
	rejects.WithLabelValues(direction, class, reason).Inc()
}

func RecordDispatch(kind string, duration time.Duration, success bool) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(kindLabel(kind), strconv.FormatBool(success)).Observe(duration.Seconds())
}

func StreamOpened() {
	RegisterMetrics()
	streamsOpen.Inc()
}

func StreamClosed() {
	RegisterMetrics()
	streamsOpen.Dec()
}

func SetPending(service string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(service).Set(float64(n))
}

func RecordResend(service string, n int) {
	RegisterMetrics()
	resends.WithLabelValues(service).Add(float64(n))
}

// unregistered kinds share one label so arbitrary codes cannot grow the series set
func kindLabel(name string) string {
	if name == "" {
		return "unregistered"
	}
	return name
}
