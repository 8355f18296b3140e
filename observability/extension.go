package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/world"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.RunCreated          = (*MetricsExtension)(nil)
	_ ext.RunStarted          = (*MetricsExtension)(nil)
	_ ext.RunCompleted        = (*MetricsExtension)(nil)
	_ ext.RunFailed           = (*MetricsExtension)(nil)
	_ ext.RunCancelled        = (*MetricsExtension)(nil)
	_ ext.StepCompleted       = (*MetricsExtension)(nil)
	_ ext.StepFailed          = (*MetricsExtension)(nil)
	_ ext.StepRetrying        = (*MetricsExtension)(nil)
	_ ext.HookResumed         = (*MetricsExtension)(nil)
	_ ext.MessageDeadLettered = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope used by NewMetricsExtension.
const meterName = "github.com/xraph/durable/observability"

// MetricsExtension records lifecycle counters and run durations.
// Run counters carry a "workflow" attribute, step counters a "step"
// attribute.
type MetricsExtension struct {
	RunCreated        metric.Int64Counter
	RunStarted        metric.Int64Counter
	RunCompleted      metric.Int64Counter
	RunFailed         metric.Int64Counter
	RunCancelled      metric.Int64Counter
	RunDuration       metric.Float64Histogram
	StepCompleted     metric.Int64Counter
	StepFailed        metric.Int64Counter
	StepRetried       metric.Int64Counter
	HookResumed       metric.Int64Counter
	MessageDeadLetter metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// The OTel API hands back noop instruments on error.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	duration, _ := meter.Float64Histogram("durable.run.duration",
		metric.WithDescription("Wall time from run start to completion in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		RunCreated:        counter("durable.run.created", "Runs accepted by start"),
		RunStarted:        counter("durable.run.started", "Runs that began executing"),
		RunCompleted:      counter("durable.run.completed", "Runs that completed"),
		RunFailed:         counter("durable.run.failed", "Runs that failed"),
		RunCancelled:      counter("durable.run.cancelled", "Runs that were cancelled"),
		RunDuration:       duration,
		StepCompleted:     counter("durable.step.completed", "Step attempts that succeeded"),
		StepFailed:        counter("durable.step.failed", "Steps that failed terminally"),
		StepRetried:       counter("durable.step.retried", "Step attempts scheduled for retry"),
		HookResumed:       counter("durable.hook.resumed", "Hooks resumed with a payload"),
		MessageDeadLetter: counter("durable.message.dead_lettered", "Messages dropped after exhausting deliveries"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttr(r *world.Run) metric.AddOption {
	return metric.WithAttributes(attribute.String("workflow", r.WorkflowName))
}

func stepAttr(s *world.Step) metric.AddOption {
	return metric.WithAttributes(attribute.String("step", s.Name))
}

// OnRunCreated implements ext.RunCreated.
func (m *MetricsExtension) OnRunCreated(ctx context.Context, r *world.Run) error {
	m.RunCreated.Add(ctx, 1, workflowAttr(r))
	return nil
}

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, r *world.Run) error {
	m.RunStarted.Add(ctx, 1, workflowAttr(r))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *world.Run, elapsed time.Duration) error {
	m.RunCompleted.Add(ctx, 1, workflowAttr(r))
	m.RunDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("workflow", r.WorkflowName)))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *world.Run, _ error) error {
	m.RunFailed.Add(ctx, 1, workflowAttr(r))
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, r *world.Run, _ string) error {
	m.RunCancelled.Add(ctx, 1, workflowAttr(r))
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, s *world.Step, _ time.Duration) error {
	m.StepCompleted.Add(ctx, 1, stepAttr(s))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, s *world.Step, _ error) error {
	m.StepFailed.Add(ctx, 1, stepAttr(s))
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, s *world.Step, _ int, _ time.Time) error {
	m.StepRetried.Add(ctx, 1, stepAttr(s))
	return nil
}

// OnHookResumed implements ext.HookResumed.
func (m *MetricsExtension) OnHookResumed(ctx context.Context, _ *world.Hook) error {
	m.HookResumed.Add(ctx, 1)
	return nil
}

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (m *MetricsExtension) OnMessageDeadLettered(ctx context.Context, msg *world.Message, _ error) error {
	m.MessageDeadLetter.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", msg.QueueName)))
	return nil
}
