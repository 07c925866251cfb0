// Package metrics exports funnel engine activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsendo/funnel/pkg/api"
)

const namespace = "funnel"

// PrometheusObserver is an api.Observer that records engine callbacks as
// Prometheus metrics. Labels are bounded: funnel ids, step types, reasons
// and outcomes. Subscriber and enrollment ids are never used as labels.
type PrometheusObserver struct {
	enrolled      *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	suspended     *prometheus.CounterVec
	finished      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	winners       *prometheus.CounterVec
	winnerLift    prometheus.Histogram
	activeRunning prometheus.Gauge
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		enrolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Enrollments created, by funnel.",
		}, []string{"funnel"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps executed, by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent executing one step.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"step_type"}),
		suspended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_total",
			Help:      "Chains that stopped without finishing, by reason.",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_finished_total",
			Help:      "Enrollments that reached a terminal status.",
		}, []string{"funnel", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_retries_total",
			Help:      "Condition reminders sent, by attempt number.",
		}, []string{"attempt"}),
		winners: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abtest_winners_total",
			Help:      "A/B tests completed with a winner, by metric.",
		}, []string{"metric"}),
		winnerLift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "abtest_winner_lift_percent",
			Help:      "Relative lift of declared winners over the runner-up.",
			Buckets:   []float64{10, 20, 50, 100, 200, 500},
		}),
		activeRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrollments_open",
			Help:      "Enrollments created and not yet finished by this process.",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		o.enrolled, o.steps, o.stepDuration, o.suspended, o.finished,
		o.retries, o.winners, o.winnerLift, o.activeRunning,
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *PrometheusObserver) OnEnrolled(ctx context.Context, enr *api.Enrollment) {
	o.enrolled.WithLabelValues(enr.FunnelID).Inc()
	o.activeRunning.Inc()
}

func (o *PrometheusObserver) OnStepStart(ctx context.Context, enr *api.Enrollment, step *api.Step) {}

func (o *PrometheusObserver) OnStepCompleted(ctx context.Context, enr *api.Enrollment, step *api.Step, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "degraded"
	}
	o.steps.WithLabelValues(string(step.Type), outcome).Inc()
	o.stepDuration.WithLabelValues(string(step.Type)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnSuspended(ctx context.Context, enr *api.Enrollment, reason string) {
	o.suspended.WithLabelValues(reason).Inc()
}

func (o *PrometheusObserver) OnFinished(ctx context.Context, enr *api.Enrollment) {
	o.finished.WithLabelValues(enr.FunnelID, string(enr.Status)).Inc()
	o.activeRunning.Dec()
}

func (o *PrometheusObserver) OnRetrySent(ctx context.Context, enr *api.Enrollment, stepID string, attempt int) {
	label := "4+"
	if attempt < 4 {
		label = strconv.Itoa(attempt)
	}
	o.retries.WithLabelValues(label).Inc()
}

func (o *PrometheusObserver) OnWinnerDeclared(ctx context.Context, test *api.ABTest, winner *api.Variant, lift float64) {
	o.winners.WithLabelValues(string(test.Metric)).Inc()
	o.winnerLift.Observe(lift)
}

// NewRegistry returns a registry with the Go runtime and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
