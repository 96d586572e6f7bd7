// Package metrics holds the OpenTelemetry instruments for target generation.
// Instruments come from the global meter provider, which is a no-op until the
// host process installs one.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/menta2k/ar-target"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Pipeline records composite and descriptor generation outcomes.
type Pipeline struct {
	composeDuration  metric.Float64Histogram
	composeFailures  metric.Int64Counter
	attempts         metric.Int64Counter
	attemptDuration  metric.Float64Histogram
	generationFailed metric.Int64Counter
}

// NewPipeline creates the pipeline instruments.
func NewPipeline() (*Pipeline, error) {
	m := meter()
	p := &Pipeline{}
	var err error

	p.composeDuration, err = m.Float64Histogram(
		"artarget.compose.duration",
		metric.WithDescription("Time spent composing a target image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	p.composeFailures, err = m.Int64Counter(
		"artarget.compose.failures",
		metric.WithDescription("Composite generations that failed"),
	)
	if err != nil {
		return nil, err
	}

	p.attempts, err = m.Int64Counter(
		"artarget.descriptor.attempts",
		metric.WithDescription("Descriptor strategy attempts by method and outcome"),
	)
	if err != nil {
		return nil, err
	}

	p.attemptDuration, err = m.Float64Histogram(
		"artarget.descriptor.attempt.duration",
		metric.WithDescription("Descriptor strategy attempt duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	p.generationFailed, err = m.Int64Counter(
		"artarget.descriptor.exhausted",
		metric.WithDescription("Descriptor builds where every strategy failed"),
	)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Default returns the pipeline instruments, or nil when they cannot be
// created. A nil *Pipeline records nothing.
func Default() *Pipeline {
	p, err := NewPipeline()
	if err != nil {
		return nil
	}
	return p
}

// Compose records one composition.
func (p *Pipeline) Compose(ctx context.Context, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.composeDuration.Record(ctx, d.Seconds())
	if err != nil {
		p.composeFailures.Add(ctx, 1)
	}
}

// Attempt records one descriptor strategy attempt.
func (p *Pipeline) Attempt(ctx context.Context, method string, d time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	p.attempts.Add(ctx, 1, attrs)
	p.attemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("method", method)))
}

// Exhausted records a build where no strategy produced a valid descriptor.
func (p *Pipeline) Exhausted(ctx context.Context) {
	if p == nil {
		return
	}
	p.generationFailed.Add(ctx, 1)
}
