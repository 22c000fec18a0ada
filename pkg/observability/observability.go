package observability

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_batches_total",
		Help: "The total number of consumed batches",
	}, []string{"topic", "result"}) // result: processed, dropped, abandoned

	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_sends_total",
		Help: "The total number of per-recipient send attempts",
	}, []string{"result"}) // result: sent, failed, incomplete

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_send_duration_seconds",
		Help:    "Duration of one provider send.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broadcast_batch_duration_seconds",
		Help:    "Duration of batch processing.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"topic"})

	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_jobs_finalized_total",
		Help: "The total number of jobs moved to a terminal status",
	}, []string{"status"})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_heartbeats_total",
		Help: "Consumer group heartbeats by result",
	}, []string{"result"}) // result: sent, coalesced, error
)

// NewLogger creates a new structured logger. format "console" writes
// human-readable lines, anything else JSON.
func NewLogger(level, format string) zerolog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// StartMetricsServer runs an HTTP server exposing Prometheus metrics and a
// liveness probe. The returned server is shut down by the caller.
func StartMetricsServer(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}
