package detector

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/voiceguard/internal/classifier"
)

type metrics struct {
	detections metric.Int64Counter
	duration   metric.Float64Histogram
	degenerate metric.Int64Counter
	errors     metric.Int64Counter
}

func newMetrics(meter metric.Meter, model *classifier.Model) (*metrics, error) {
	detections, err := meter.Int64Counter("voiceguard.detections", metric.WithDescription("Completed detections by verdict and source"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("voiceguard.detect.duration", metric.WithDescription("Detection latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	degenerate, err := meter.Int64Counter("voiceguard.degenerate_inputs", metric.WithDescription("Clips too short to analyze"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("voiceguard.detect.errors", metric.WithDescription("Failed detections by kind"))
	if err != nil {
		return nil, err
	}

	trees, err := meter.Int64ObservableGauge("voiceguard.model.trees", metric.WithDescription("Trees in the loaded model"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(trees, int64(len(model.Trees)))
		return nil
	}, trees)
	if err != nil {
		return nil, err
	}

	return &metrics{
		detections: detections,
		duration:   duration,
		degenerate: degenerate,
		errors:     failures,
	}, nil
}

func (m *metrics) recordDetection(ctx context.Context, source string, label classifier.Label, seconds float64, degenerate bool) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("classification", string(label)),
	)
	m.detections.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, metric.WithAttributes(attribute.String("source", source)))
	if degenerate {
		m.degenerate.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (m *metrics) recordError(ctx context.Context, source, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("kind", kind),
	))
}
