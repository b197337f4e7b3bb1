// Package metrics exposes evaluation progress as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"comboval/internal/backtest"
	"comboval/internal/domain"
)

var _ backtest.Observer = (*Recorder)(nil)

// Recorder implements backtest.Observer on a private registry so several
// recorders can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	combos        *prometheus.CounterVec
	trades        *prometheus.CounterVec
	comboDuration *prometheus.HistogramVec
	runDuration   prometheus.Gauge
	runReports    prometheus.Gauge
	runCancelled  prometheus.Gauge
	lastRun       prometheus.Gauge
}

// NewRecorder creates and registers the comboval metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		combos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comboval_combos_total",
				Help: "Combinations evaluated, by outcome status",
			},
			[]string{"status"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comboval_trades_total",
				Help: "Simulated trades, by exit reason",
			},
			[]string{"reason"},
		),
		comboDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comboval_combo_duration_seconds",
				Help:    "Time spent evaluating one combination",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comboval_run_duration_seconds",
			Help: "Wall-clock duration of the last run",
		}),
		runReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comboval_run_reports",
			Help: "Reports produced by the last run",
		}),
		runCancelled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comboval_run_cancelled",
			Help: "1 when the last run was cancelled before every combination was dispatched",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comboval_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	r.registry.MustRegister(
		r.combos, r.trades, r.comboDuration,
		r.runDuration, r.runReports, r.runCancelled, r.lastRun,
	)
	return r
}

// Registry returns the registry backing r.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveCombo implements backtest.Observer.
func (r *Recorder) ObserveCombo(status string, elapsed time.Duration) {
	r.combos.WithLabelValues(status).Inc()
	r.comboDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveTrades implements backtest.Observer.
func (r *Recorder) ObserveTrades(reason domain.ExitReason, n int) {
	if n <= 0 {
		return
	}
	r.trades.WithLabelValues(reason.String()).Add(float64(n))
}

// ObserveRun implements backtest.Observer.
func (r *Recorder) ObserveRun(res *backtest.Result) {
	if res == nil {
		return
	}
	r.runDuration.Set(res.Elapsed.Seconds())
	r.runReports.Set(float64(len(res.Reports)))
	if res.Cancelled {
		r.runCancelled.Set(1)
	} else {
		r.runCancelled.Set(0)
	}
	r.lastRun.SetToCurrentTime()
}

// Handler returns an HTTP handler serving r's metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Push sends the current metrics to a Prometheus Pushgateway, replacing the
// previous push for job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
