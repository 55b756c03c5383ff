// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/7ama2004/synapse/pkg/api"
)

const namespace = "synapse"

// Observer is an api.Observer recording run, stage and block metrics.
type Observer struct {
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge
	AbortedRuns   *prometheus.CounterVec
	Stages        *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Blocks        *prometheus.CounterVec
	BlockDuration *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge
}

var (
	_ api.Observer         = (*Observer)(nil)
	_ api.RunAbortObserver = (*Observer)(nil)
)

// New registers the metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Observer{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished workflow runs by final status.",
			},
			[]string{"workflow", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished workflow runs.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"workflow"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Runs currently executing in this process.",
			},
		),
		AbortedRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_attempts_aborted_total",
				Help:      "Run attempts stopped without a final status, left RUNNING for redelivery.",
			},
			[]string{"workflow"},
		),
		Stages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Completed stages by outcome.",
			},
			[]string{"workflow", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time from dispatch of a stage to its barrier.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"workflow"},
		),
		Blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Executed blocks by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		BlockDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Handler execution time per block type.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"type"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting in the run queue, as last sampled.",
			},
		),
	}
}

// SetQueueDepth records the latest sampled queue length.
func (o *Observer) SetQueueDepth(n int) { o.QueueDepth.Set(float64(n)) }

func outcome(err error) string {
	var ce *api.CancelledError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "cancelled"
	default:
		return "error"
	}
}

func (o *Observer) OnRunStart(ctx context.Context, res *api.ExecutionResult) {
	o.ActiveRuns.Inc()
}

func (o *Observer) OnRunCompleted(ctx context.Context, res *api.ExecutionResult) {
	o.finish(res)
}

func (o *Observer) OnRunFailed(ctx context.Context, res *api.ExecutionResult, err error) {
	o.finish(res)
}

func (o *Observer) OnRunAborted(ctx context.Context, res *api.ExecutionResult, err error) {
	o.ActiveRuns.Dec()
	o.AbortedRuns.WithLabelValues(res.WorkflowID).Inc()
}

func (o *Observer) finish(res *api.ExecutionResult) {
	o.ActiveRuns.Dec()
	o.Runs.WithLabelValues(res.WorkflowID, string(res.Status)).Inc()
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		o.RunDuration.WithLabelValues(res.WorkflowID).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
}

func (o *Observer) OnStageStart(ctx context.Context, res *api.ExecutionResult, stage int, blocks api.Stage) {
}

func (o *Observer) OnStageCompleted(ctx context.Context, res *api.ExecutionResult, stage int, err error, d time.Duration) {
	o.Stages.WithLabelValues(res.WorkflowID, outcome(err)).Inc()
	o.StageDuration.WithLabelValues(res.WorkflowID).Observe(d.Seconds())
}

func (o *Observer) OnBlockStart(ctx context.Context, res *api.ExecutionResult, blockID, blockType string) {
}

func (o *Observer) OnBlockCompleted(ctx context.Context, res *api.ExecutionResult, blockID, blockType string, err error, d time.Duration) {
	o.Blocks.WithLabelValues(blockType, outcome(err)).Inc()
	o.BlockDuration.WithLabelValues(blockType).Observe(d.Seconds())
}
