package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "socket",
			Name:      "frames_total",
			Help:      "Frames sent or received.",
		},
		[]string{"service", "direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "socket",
			Name:      "bytes_total",
			Help:      "Wire bytes sent or received, including header and trailer.",
		},
		[]string{"service", "direction"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "socket",
			Name:      "decode_errors_total",
			Help:      "Inbound stream failures by reason.",
		},
		[]string{"reason"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "ts",
			Name:      "events_total",
			Help:      "Events sent or received.",
		},
		[]string{"direction", "known"},
	)
	acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "ts",
			Name:      "acks_total",
			Help:      "Inbound acks by correlation result.",
		},
		[]string{"result"},
	)
	abandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "ts",
			Name:      "transactions_abandoned_total",
			Help:      "Transactions that never saw an ack.",
		},
	)
	fileRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "lfo",
			Name:      "requests_total",
			Help:      "File requests by outcome.",
		},
		[]string{"outcome"},
	)
	fileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cloudproto",
			Subsystem: "lfo",
			Name:      "request_duration_seconds",
			Help:      "Time from request to final frame.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	fileBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloudproto",
			Subsystem: "lfo",
			Name:      "body_bytes_total",
			Help:      "File bytes yielded to callers.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			frames, frameBytes, decodeErrors,
			events, acks, abandoned,
			fileRequests, fileDuration, fileBytes,
		)
	})
}

func RecordFrame(service, direction string, wireBytes int) {
	RegisterMetrics()
	frames.WithLabelValues(service, direction).Inc()
	frameBytes.WithLabelValues(service, direction).Add(float64(wireBytes))
}

func RecordDecodeError(reason string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(reason).Inc()
}

func RecordEvent(direction string, known bool) {
	RegisterMetrics()
	events.WithLabelValues(direction, strconv.FormatBool(known)).Inc()
}

func RecordAck(matched bool) {
	RegisterMetrics()
	result := "unmatched"
	if matched {
		result = "matched"
	}
	acks.WithLabelValues(result).Inc()
}

func RecordAbandoned(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	abandoned.Add(float64(n))
}

func RecordFileRequest(outcome string, duration time.Duration) {
	RegisterMetrics()
	fileRequests.WithLabelValues(outcome).Inc()
	fileDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordFileBytes(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	fileBytes.Add(float64(n))
}

// ServeMetrics exposes the default registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
