package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/dlq"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/manifest"
	mw "github.com/xraph/durable/middleware"
	"github.com/xraph/durable/observability"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/workflow"
	"github.com/xraph/durable/world"
)

const instrumentationName = "github.com/xraph/durable"

// Engine runs workflows and steps against a World.
type Engine struct {
	world      world.World
	config     durable.Config
	serde      *serde.Registry
	workflows  *workflow.Registry
	steps      *step.Registry
	extensions *ext.Registry
	scheduler  *queue.Scheduler
	runner     *workflow.Runner
	executor   *step.Executor
	bo         backoff.Strategy
	logger     *slog.Logger
	clock      func() time.Time

	mws             []mw.Middleware
	pendingExts     []ext.Extension
	limits          []queue.Limit
	queueManager    *queue.Manager
	deliveryTimeout time.Duration
	manifest        *manifest.Manifest
	dlqStore        dlq.Store
	deadLetters     *dlq.Service

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu        sync.Mutex
	endpoints []world.Endpoint
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg durable.Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithDeploymentID pins new runs and the delivery endpoints to a
// deployment.
func WithDeploymentID(deploymentID string) Option {
	return func(e *Engine) { e.config.DeploymentID = deploymentID }
}

// WithSerde uses reg for every encoded value. By default the engine
// creates its own registry with the built-in types.
func WithSerde(reg *serde.Registry) Option {
	return func(e *Engine) { e.serde = reg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithMiddleware adds middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the strategy used for step retries and message
// redelivery. Defaults to backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithQueueLimit bounds concurrency or rate of individual queues.
func WithQueueLimit(limits ...queue.Limit) Option {
	return func(e *Engine) { e.limits = append(e.limits, limits...) }
}

// WithDeliveryTimeout cancels the context of a delivery that runs longer
// than d.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.deliveryTimeout = d }
}

// WithManifest makes Start verify that every workflow, step and type the
// manifest lists has been registered.
func WithManifest(m *manifest.Manifest) Option {
	return func(e *Engine) { e.manifest = m }
}

// WithDeadLetters keeps messages that exhaust MaxDeliveries in store so
// they can be replayed through DeadLetters.
func WithDeadLetters(store dlq.Store) Option {
	return func(e *Engine) { e.dlqStore = store }
}

// WithClock overrides the time source of timers and retries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// Both the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine on top of w.
func New(w world.World, opts ...Option) (*Engine, error) {
	if w == nil {
		return nil, durable.ErrNoWorld
	}

	e := &Engine{
		world:     w,
		config:    durable.DefaultConfig(),
		workflows: workflow.NewRegistry(),
		steps:     step.NewRegistry(),
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.serde == nil {
		e.serde = serde.NewRegistry()
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	e.extensions = ext.NewRegistry(e.logger)
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.extensions.Register(obsExt)
	if e.dlqStore != nil {
		e.deadLetters = dlq.NewService(e.dlqStore, w,
			dlq.WithLogger(e.logger),
			dlq.WithClock(e.clock),
		)
		e.extensions.Register(e.deadLetters)
	}
	for _, x := range e.pendingExts {
		e.extensions.Register(x)
	}
	e.pendingExts = nil

	if len(e.limits) > 0 {
		e.queueManager = queue.NewManager(e.limits...)
	}

	e.scheduler = queue.NewScheduler(w, e.config,
		queue.WithLogger(e.logger),
		queue.WithMiddleware(e.middleware()...),
	)
	e.runner = workflow.NewRunner(w, e.scheduler, e.workflows, e.serde,
		workflow.WithExtensions(e.extensions),
		workflow.WithLogger(e.logger),
		workflow.WithClock(e.clock),
	)
	e.executor = step.NewExecutor(w, e.scheduler, e.steps, e.serde,
		step.WithExtensions(e.extensions),
		step.WithLogger(e.logger),
		step.WithBackoff(e.bo),
		step.WithClock(e.clock),
	)
	return e, nil
}

// middleware builds the delivery chain: recover → tracing → metrics →
// logging → timeout → user middleware.
func (e *Engine) middleware() []mw.Middleware {
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	chain := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
	}
	if e.deliveryTimeout > 0 {
		chain = append(chain, mw.Timeout(e.deliveryTimeout))
	}
	return append(chain, e.mws...)
}

// RegisterWorkflow adds workflow definitions.
func (e *Engine) RegisterWorkflow(defs ...workflow.Definition) error {
	return e.workflows.Register(defs...)
}

// RegisterStep adds step definitions.
func (e *Engine) RegisterStep(defs ...step.Definition) error {
	return e.steps.Register(defs...)
}

// DeploymentID resolves the deployment this engine serves.
func (e *Engine) DeploymentID() (string, error) {
	return e.config.ResolveDeploymentID("")
}

// VerifyManifest checks the configured manifest against the engine's
// registries. Without a manifest it does nothing.
func (e *Engine) VerifyManifest() error {
	if e.manifest == nil {
		return nil
	}
	return e.manifest.Verify(manifest.Registries{
		Workflows: e.workflows,
		Steps:     e.steps,
		Serde:     e.serde,
	})
}

// Start creates the workflow and step delivery endpoints for this
// deployment and starts them. Runs left behind by a crash are re-enqueued
// on a best-effort basis.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.endpoints) > 0 {
		return fmt.Errorf("durable: engine already started")
	}

	deploymentID, err := e.DeploymentID()
	if err != nil {
		return err
	}
	if err := e.VerifyManifest(); err != nil {
		return err
	}

	opts := e.handlerOptions(deploymentID)
	wfEndpoint, err := e.world.CreateQueueHandler(queue.WorkflowPrefix, e.scheduler.Handler(e.runner.HandleInvocation), opts...)
	if err != nil {
		return fmt.Errorf("durable: create workflow endpoint: %w", err)
	}
	stepEndpoint, err := e.world.CreateQueueHandler(queue.StepPrefix, e.scheduler.Handler(e.executor.Handle), opts...)
	if err != nil {
		return fmt.Errorf("durable: create step endpoint: %w", err)
	}

	if n, err := e.RecoverRuns(ctx); err != nil {
		e.logger.Warn("failed to recover runs", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Info("recovered runs", slog.Int("count", n))
	}

	endpoints := []world.Endpoint{wfEndpoint, stepEndpoint}
	var g errgroup.Group
	for _, ep := range endpoints {
		g.Go(func() error { return ep.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		for _, ep := range endpoints {
			_ = ep.Stop(ctx)
		}
		return fmt.Errorf("durable: start endpoints: %w", err)
	}
	e.endpoints = endpoints

	e.logger.Info("durable engine started",
		slog.String("deployment_id", deploymentID),
		slog.Any("workflows", e.workflows.Names()),
		slog.Any("steps", e.steps.Names()),
	)
	return nil
}

func (e *Engine) handlerOptions(deploymentID string) []world.HandlerOption {
	opts := []world.HandlerOption{
		world.WithDeploymentID(deploymentID),
		world.WithConcurrency(e.config.Concurrency),
		world.WithPollInterval(e.config.PollInterval),
		world.WithVisibilityTimeout(e.config.VisibilityTimeout),
		world.WithMaxDeliveries(e.config.MaxDeliveries),
		world.WithBackoff(e.bo),
		world.WithLogger(e.logger),
		world.WithDeadLetter(func(ctx context.Context, msg *world.Message, err error) {
			e.extensions.EmitMessageDeadLettered(ctx, msg, err)
		}),
	}
	if e.queueManager != nil {
		opts = append(opts, world.WithLimiter(e.queueManager))
	}
	return opts
}

// Stop stops the endpoints, waiting up to Config.ShutdownTimeout for
// in-flight deliveries, and notifies Shutdown extensions.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	endpoints := e.endpoints
	e.endpoints = nil
	e.mu.Unlock()

	if e.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}

	var g errgroup.Group
	for _, ep := range endpoints {
		g.Go(func() error { return ep.Stop(ctx) })
	}
	err := g.Wait()

	e.extensions.EmitShutdown(ctx)
	if err != nil {
		return fmt.Errorf("durable: stop endpoints: %w", err)
	}
	return nil
}

// Serve starts the engine, blocks until ctx is done and stops it.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop(context.WithoutCancel(ctx))
}

// World returns the backend.
func (e *Engine) World() world.World { return e.world }

// Config returns the engine configuration.
func (e *Engine) Config() durable.Config { return e.config }

// Serde returns the serialization registry.
func (e *Engine) Serde() *serde.Registry { return e.serde }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Workflows returns the workflow registry.
func (e *Engine) Workflows() *workflow.Registry { return e.workflows }

// Steps returns the step registry.
func (e *Engine) Steps() *step.Registry { return e.steps }

// Scheduler returns the queue scheduler.
func (e *Engine) Scheduler() *queue.Scheduler { return e.scheduler }

// Runner returns the workflow runner.
func (e *Engine) Runner() *workflow.Runner { return e.runner }

// Executor returns the step executor.
func (e *Engine) Executor() *step.Executor { return e.executor }

// QueueManager returns the queue limiter, or nil when no limits were
// configured.
func (e *Engine) QueueManager() *queue.Manager { return e.queueManager }

// DeadLetters returns the dead letter service, or nil without
// WithDeadLetters.
func (e *Engine) DeadLetters() *dlq.Service { return e.deadLetters }
