package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Metrics holds the instruments published by the trainer.
type Metrics struct {
	meter metric.Meter

	Steps        metric.Int64Counter
	Loss         metric.Float64Histogram
	EMADecay     metric.Float64Histogram
	GradNorm     metric.Float64Histogram
	StepDuration metric.Float64Histogram

	extra map[string]metric.Float64Histogram
}

// NewMetrics registers the training instruments on the given meter.
func NewMetrics(meter metric.Meter) *Metrics {
	steps, _ := meter.Int64Counter("training_steps_total",
		metric.WithDescription("Optimizer steps completed"))
	loss, _ := meter.Float64Histogram("training_loss",
		metric.WithDescription("Training loss per logged step"))
	decay, _ := meter.Float64Histogram("training_ema_decay",
		metric.WithDescription("EMA decay factor per logged step"))
	gnorm, _ := meter.Float64Histogram("training_grad_norm",
		metric.WithDescription("Gradient norm before clipping"))
	duration, _ := meter.Float64Histogram("training_step_duration_seconds",
		metric.WithDescription("Wall time per training step"),
		metric.WithUnit("s"))

	return &Metrics{
		meter:        meter,
		Steps:        steps,
		Loss:         loss,
		EMADecay:     decay,
		GradNorm:     gnorm,
		StepDuration: duration,
		extra:        make(map[string]metric.Float64Histogram),
	}
}

// NewPrometheusMeterProvider creates a meter provider backed by the given
// prometheus exporter.
func NewPrometheusMeterProvider(res *resource.Resource, exp *prometheus.Exporter) (*sdkmetric.MeterProvider, error) {
	if exp == nil {
		return nil, errors.New("nil prometheus exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)
	return mp, nil
}

// Recorder receives one scalar snapshot per logged training step. Recording
// is best effort: implementations must never fail a training step over a
// metrics problem.
type Recorder interface {
	Record(ctx context.Context, step int64, values map[string]float64)
}

// NoopRecorder discards every snapshot.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, int64, map[string]float64) {}

type meterRecorder struct {
	metrics *Metrics
	rank    attribute.KeyValue
}

// NewRecorder builds a Recorder that publishes snapshots through the given
// meter, tagged with the worker rank.
func NewRecorder(meter metric.Meter, rank int) Recorder {
	return &meterRecorder{
		metrics: NewMetrics(meter),
		rank:    attribute.Int("rank", rank),
	}
}

// NewNoopRecorder is a convenience for tests and metrics-disabled runs.
func NewNoopRecorder() Recorder {
	return NewRecorder(noop.NewMeterProvider().Meter("latentd"), 0)
}

func (r *meterRecorder) Record(ctx context.Context, step int64, values map[string]float64) {
	opt := metric.WithAttributes(r.rank)

	r.metrics.Steps.Add(ctx, 1, opt)
	for name, value := range values {
		switch name {
		case "loss":
			r.metrics.Loss.Record(ctx, value, opt)
		case "ema_decay":
			r.metrics.EMADecay.Record(ctx, value, opt)
		case "gnorm":
			r.metrics.GradNorm.Record(ctx, value, opt)
		case "step_seconds":
			r.metrics.StepDuration.Record(ctx, value, opt)
		default:
			hist, ok := r.metrics.extra[name]
			if !ok {
				var err error
				hist, err = r.metrics.meter.Float64Histogram("training_" + name)
				if err != nil {
					slog.Debug("skipping metric", "name", name, "error", err)
					continue
				}
				r.metrics.extra[name] = hist
			}
			hist.Record(ctx, value, opt)
		}
	}
}
