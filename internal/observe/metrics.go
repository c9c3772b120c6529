// Package observe holds the OpenTelemetry instruments recorded while
// transcribing. The CLI records into a [Provider] that exports through
// Prometheus when a metrics file is requested and into the global meter
// provider otherwise; tests pass an SDK provider with a manual reader to
// [NewMetrics].
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fmueller/voxscribe"

// Metrics holds all instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// Files counts processed files. Attributes: status, kind.
	Files metric.Int64Counter

	// Windows counts windows handed to the model or gated as silent.
	// Attribute: gated.
	Windows metric.Int64Counter

	// ConcealedFrames counts codec frames replaced by silence.
	// Attribute: codec.
	ConcealedFrames metric.Int64Counter

	// InferenceDuration tracks the latency of one executor call.
	InferenceDuration metric.Float64Histogram

	// FileDuration tracks end-to-end processing time per file.
	FileDuration metric.Float64Histogram
}

var inferenceBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var fileBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Files, err = m.Int64Counter("voxscribe.files",
		metric.WithDescription("Processed input files by status and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Windows, err = m.Int64Counter("voxscribe.windows",
		metric.WithDescription("Audio windows processed, split by silence gating."),
	); err != nil {
		return nil, err
	}
	if met.ConcealedFrames, err = m.Int64Counter("voxscribe.codec.concealed_frames",
		metric.WithDescription("Compressed frames that failed to decode and were replaced by silence."),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("voxscribe.inference.duration",
		metric.WithDescription("Latency of one model executor call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FileDuration, err = m.Float64Histogram("voxscribe.file.duration",
		metric.WithDescription("Time to transcribe one input file."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(fileBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Global builds instruments on the global meter provider, which is a no-op
// until an SDK provider is installed.
func Global() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

// RecordFile records one finished file. kind is empty on success.
func (m *Metrics) RecordFile(ctx context.Context, status, kind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("kind", kind),
	)
	m.Files.Add(ctx, 1, attrs)
	m.FileDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordInference(ctx context.Context, windows int, elapsed time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.InferenceDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	if !failed {
		m.Windows.Add(ctx, int64(windows), metric.WithAttributes(attribute.Bool("gated", false)))
	}
}

func (m *Metrics) RecordGated(ctx context.Context, windows int) {
	if windows == 0 {
		return
	}
	m.Windows.Add(ctx, int64(windows), metric.WithAttributes(attribute.Bool("gated", true)))
}

func (m *Metrics) RecordConcealed(ctx context.Context, codec string, frames int) {
	if frames == 0 {
		return
	}
	m.ConcealedFrames.Add(ctx, int64(frames), metric.WithAttributes(attribute.String("codec", codec)))
}
