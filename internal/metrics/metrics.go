// Package metrics exports control-plane counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javanstorm/vmctl/pkg/vmm"
)

// Metrics implements bridge.Observer, bridge.RetryObserver and
// apiserver.Observer.
type Metrics struct {
	roundTrips    *prometheus.CounterVec
	roundTripTime *prometheus.HistogramVec
	retryAttempts *prometheus.HistogramVec
	apiRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		roundTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmctl_round_trips_total",
				Help: "Actions sent to the VM engine, by action and result.",
			},
			[]string{"action", "result"},
		),
		roundTripTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmctl_round_trip_duration_seconds",
				Help:    "Time from submitting an action to receiving its outcome.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"action"},
		),
		retryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmctl_retry_attempts",
				Help:    "Attempts needed by retried actions.",
				Buckets: []float64{1, 2, 5, 10, 50, 100, 250, 500},
			},
			[]string{"action"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmctl_api_requests_total",
				Help: "Administrative socket commands, by action and result.",
			},
			[]string{"action", "result"},
		),
	}

	for _, c := range []prometheus.Collector{m.roundTrips, m.roundTripTime, m.retryAttempts, m.apiRequests} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

// ObserveRoundTrip records one completed client call.
func (m *Metrics) ObserveRoundTrip(kind vmm.ActionKind, result string, elapsed time.Duration) {
	m.roundTrips.WithLabelValues(kind.String(), result).Inc()
	m.roundTripTime.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// ObserveAttempts records how many attempts a retried action took.
func (m *Metrics) ObserveAttempts(kind vmm.ActionKind, attempts int) {
	m.retryAttempts.WithLabelValues(kind.String()).Observe(float64(attempts))
}

// ObserveRequest records one administrative command.
func (m *Metrics) ObserveRequest(action, result string) {
	m.apiRequests.WithLabelValues(action, result).Inc()
}

// Handler serves /metrics from gatherer and /healthz. ready reports
// whether the VM has been started; nil means always ready.
func Handler(gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return r
}

// Serve runs an HTTP server for h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}
