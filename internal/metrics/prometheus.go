package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports invocation metrics and forwards each record
// to next.
type PrometheusRecorder struct {
	next Recorder

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	score       *prometheus.HistogramVec
	attempts    *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors on reg. next may be nil.
func NewPrometheusRecorder(reg prometheus.Registerer, next Recorder) *PrometheusRecorder {
	if next == nil {
		next = Nop{}
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		next: next,
		// Labels: agent_type, operation, success (true, false)
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeloop",
				Subsystem: "agent",
				Name:      "invocations_total",
				Help:      "Total number of agent invocations",
			},
			[]string{"agent_type", "operation", "success"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codeloop",
				Subsystem: "agent",
				Name:      "invocation_duration_seconds",
				Help:      "Duration of agent invocations in seconds, retries included",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"agent_type", "operation"},
		),
		score: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codeloop",
				Subsystem: "agent",
				Name:      "score",
				Help:      "Scores reported by successful agent invocations",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"agent_type"},
		),
		attempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codeloop",
				Subsystem: "agent",
				Name:      "attempts",
				Help:      "Attempts per agent invocation",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"agent_type"},
		),
	}
}

// Append implements Recorder.
func (p *PrometheusRecorder) Append(ctx context.Context, rec MetricRecord) error {
	p.invocations.WithLabelValues(rec.AgentType, rec.Operation, strconv.FormatBool(rec.Success)).Inc()
	p.duration.WithLabelValues(rec.AgentType, rec.Operation).Observe(rec.Duration.Seconds())
	if rec.Attempts > 0 {
		p.attempts.WithLabelValues(rec.AgentType).Observe(float64(rec.Attempts))
	}
	if rec.Success {
		p.score.WithLabelValues(rec.AgentType).Observe(rec.Score)
	}
	return p.next.Append(ctx, rec)
}
