package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/durable"
	audithook "github.com/xraph/durable/audit_hook"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/dlq"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/manifest"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/workflow"
	"github.com/xraph/durable/world"
)

const deployment = "dpl_engine_test"

func testConfig() durable.Config {
	cfg := durable.DefaultConfig()
	cfg.DeploymentID = deployment
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ResultPollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = 3 * time.Second
	return cfg
}

func newEngine(t *testing.T, s world.World, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.New(s, append([]engine.Option{engine.WithConfig(testConfig())}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func resultCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type order struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type receipt struct {
	OrderID string `json:"order_id"`
	Charged int    `json:"charged"`
}

var chargeStep = step.Define("charge", func(_ context.Context, o order) (int, error) {
	return o.Amount, nil
})

var checkout = workflow.Define("checkout", func(ctx *workflow.Context, o order) (receipt, error) {
	charged, err := workflow.Call(ctx, chargeStep, o)
	if err != nil {
		return receipt{}, err
	}
	return receipt{OrderID: o.ID, Charged: charged}, nil
})

// ──────────────────────────────────────────────────
// End-to-end
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_StartAndResult(t *testing.T) {
	eng := newEngine(t, memory.New())
	if err := eng.RegisterStep(chargeStep); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	h, err := engine.Start(context.Background(), eng, checkout, order{ID: "ord_1", Amount: 4200})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := h.Result(resultCtx(t))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.OrderID != "ord_1" || got.Charged != 4200 {
		t.Errorf("receipt = %+v, want {ord_1 4200}", got)
	}

	status, err := h.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != world.RunCompleted {
		t.Errorf("status = %q, want %q", status, world.RunCompleted)
	}

	events, err := h.Events(context.Background())
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	want := []world.EventType{
		world.EventRunCreated, world.EventRunStarted, world.EventStepDispatched,
		world.EventStepStarted, world.EventStepCompleted, world.EventRunCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.Type, want[i])
		}
	}
}

func TestEngine_StartRawDecodesAny(t *testing.T) {
	eng := newEngine(t, memory.New())
	echo := workflow.Define("echo", func(_ *workflow.Context, s string) (string, error) { return s, nil })
	if err := eng.RegisterWorkflow(echo); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	h, err := eng.StartRaw(context.Background(), workflow.Name("echo"), "hello")
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}
	got, err := h.Result(resultCtx(t))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %v, want hello", got)
	}
}

func TestEngine_FailedRunResult(t *testing.T) {
	eng := newEngine(t, memory.New())
	broken := workflow.Define("broken", func(*workflow.Context, string) (string, error) {
		return "", errors.New("out of stock")
	})
	if err := eng.RegisterWorkflow(broken); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	h, err := engine.Start(context.Background(), eng, broken, "sku_1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = h.Result(resultCtx(t))
	if !errors.Is(err, durable.ErrRunFailed) {
		t.Fatalf("Result error = %v, want ErrRunFailed", err)
	}
	var runErr *engine.RunError
	if !errors.As(err, &runErr) || runErr.Info == nil || runErr.Info.Message != "out of stock" {
		t.Errorf("RunError = %+v", runErr)
	}
}

// ──────────────────────────────────────────────────
// Start validation
// ──────────────────────────────────────────────────

// countingWorld records whether any write reached the backend.
type countingWorld struct {
	*memory.Store
	writes atomic.Int32
}

func (w *countingWorld) CreateEvent(ctx context.Context, runID string, data *world.EventData, opts world.CreateEventOptions) (*world.EventResult, error) {
	w.writes.Add(1)
	return w.Store.CreateEvent(ctx, runID, data, opts)
}

func (w *countingWorld) Queue(ctx context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error) {
	w.writes.Add(1)
	return w.Store.Queue(ctx, queueName, payload, opts)
}

func TestEngine_StartValidatesBeforeWorld(t *testing.T) {
	var typedNil *workflow.Def[string, string]
	refs := map[string]workflow.Ref{
		"nil":        nil,
		"typed nil":  typedNil,
		"empty name": workflow.Name(""),
	}

	w := &countingWorld{Store: memory.New()}
	eng := newEngine(t, w)

	var messages []string
	for name, ref := range refs {
		_, err := eng.StartRaw(context.Background(), ref, "x")
		if !durable.IsKind(err, durable.KindInvalidWorkflow) {
			t.Fatalf("%s: err = %v, want invalid-workflow", name, err)
		}
		messages = append(messages, err.Error())
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Errorf("messages differ: %q vs %q", m, messages[0])
		}
	}

	if _, err := eng.StartRaw(context.Background(), workflow.Name("bad name!"), "x"); !durable.IsKind(err, durable.KindInvalidQueueName) {
		t.Errorf("err = %v, want invalid-queue-name", err)
	}

	if n := w.writes.Load(); n != 0 {
		t.Errorf("world received %d writes, want 0", n)
	}
}

func TestEngine_StartRequiresDeployment(t *testing.T) {
	t.Setenv(durable.EnvDeploymentID, "")
	cfg := testConfig()
	cfg.DeploymentID = ""

	w := &countingWorld{Store: memory.New()}
	eng, err := engine.New(w, engine.WithConfig(cfg))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	_, err = eng.StartRaw(context.Background(), workflow.Name("checkout"), "x")
	if !durable.IsKind(err, durable.KindMissingDeployment) {
		t.Fatalf("err = %v, want missing-deployment", err)
	}
	if err := eng.Start(context.Background()); !durable.IsKind(err, durable.KindMissingDeployment) {
		t.Errorf("Start err = %v, want missing-deployment", err)
	}
	if n := w.writes.Load(); n != 0 {
		t.Errorf("world received %d writes, want 0", n)
	}

	// An explicit deployment is enough.
	if _, err := eng.StartRaw(context.Background(), workflow.Name("checkout"), "x", engine.OnDeployment("dpl_other")); err != nil {
		t.Errorf("StartRaw with deployment: %v", err)
	}
}

func TestEngine_SpecVersion(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	current, err := eng.StartRaw(ctx, workflow.Name("checkout"), "x")
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}
	legacy, err := eng.StartRaw(ctx, workflow.Name("checkout"), "x", engine.WithSpecVersion(durable.SpecVersionLegacy))
	if err != nil {
		t.Fatalf("StartRaw legacy: %v", err)
	}

	run, _ := current.Run(ctx)
	if run.SpecVersion != durable.SpecVersionCurrent {
		t.Errorf("spec version = %d, want %d", run.SpecVersion, durable.SpecVersionCurrent)
	}
	run, _ = legacy.Run(ctx)
	if run.SpecVersion != durable.SpecVersionLegacy {
		t.Errorf("legacy spec version = %d, want %d", run.SpecVersion, durable.SpecVersionLegacy)
	}

	// Later events of a legacy run keep the legacy encoding.
	if err := eng.CancelRun(ctx, legacy.RunID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	events, err := legacy.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for _, ev := range events {
		if ev.SpecVersion != durable.SpecVersionLegacy {
			t.Errorf("%s spec version = %d, want legacy", ev.Type, ev.SpecVersion)
		}
	}
}

func TestEngine_RejectsUnknownSpecVersion(t *testing.T) {
	w := &countingWorld{Store: memory.New()}
	eng := newEngine(t, w)

	for _, v := range []int{durable.SpecVersionCurrent + 1, -1} {
		_, err := eng.StartRaw(context.Background(), workflow.Name("checkout"), "x", engine.WithSpecVersion(v))
		if !durable.IsKind(err, durable.KindSpecVersion) {
			t.Errorf("version %d: err = %v, want unsupported-spec-version", v, err)
		}
	}
	if n := w.writes.Load(); n != 0 {
		t.Errorf("world received %d writes, want 0", n)
	}
}

func TestEngine_NewWithoutWorld(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, durable.ErrNoWorld) {
		t.Errorf("err = %v, want ErrNoWorld", err)
	}
}

// ──────────────────────────────────────────────────
// Client operations
// ──────────────────────────────────────────────────

func TestEngine_CancelRun(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	ctx := context.Background()

	h, err := engine.Start(ctx, eng, checkout, order{ID: "ord_1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.CancelRun(ctx, h.RunID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if err := eng.CancelRun(ctx, h.RunID); err != nil {
		t.Errorf("second CancelRun: %v", err)
	}

	// The queued invocation is acknowledged without running the workflow.
	startEngine(t, eng)
	waitFor(t, "queued invocation to drain", func() bool { return len(s.Messages()) == 0 })

	_, err = h.Result(resultCtx(t))
	if !errors.Is(err, durable.ErrRunCancelled) {
		t.Errorf("Result err = %v, want ErrRunCancelled", err)
	}
	events, _ := h.Events(ctx)
	if last := events[len(events)-1]; last.Type != world.EventRunCancelled {
		t.Errorf("last event = %q, want run_cancelled", last.Type)
	}
}

func TestEngine_CancelCompletedRun(t *testing.T) {
	eng := newEngine(t, memory.New())
	noop := workflow.Define("noop", func(*workflow.Context, string) (string, error) { return "ok", nil })
	if err := eng.RegisterWorkflow(noop); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	h, err := engine.Start(context.Background(), eng, noop, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Result(resultCtx(t)); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if err := eng.CancelRun(context.Background(), h.RunID); !errors.Is(err, durable.ErrRunTerminal) {
		t.Errorf("err = %v, want ErrRunTerminal", err)
	}
}

type approval struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
}

func TestEngine_ResumeHook(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	review := workflow.Define("review", func(ctx *workflow.Context, orderID string) (string, error) {
		hook, err := ctx.CreateHook(workflow.WithToken("review-" + orderID))
		if err != nil {
			return "", err
		}
		a, err := workflow.Receive[approval](ctx, hook)
		if err != nil {
			return "", err
		}
		if !a.Approved {
			return "rejected", nil
		}
		return "approved by " + a.Reviewer, nil
	})
	if err := eng.RegisterWorkflow(review); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)
	ctx := context.Background()

	if _, err := eng.ResumeHook(ctx, "review-unknown", approval{}); !errors.Is(err, durable.ErrHookNotFound) {
		t.Errorf("unknown token err = %v, want ErrHookNotFound", err)
	}

	h, err := engine.Start(ctx, eng, review, "ord_9")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "hook to be created", func() bool {
		_, err := s.GetHookByToken(ctx, "review-ord_9")
		return err == nil
	})

	res, err := eng.ResumeHook(ctx, "review-ord_9", approval{Approved: true, Reviewer: "lin"})
	if err != nil {
		t.Fatalf("ResumeHook: %v", err)
	}
	if res.RunID != h.RunID || res.HookID == "" {
		t.Errorf("ResumeHook result = %+v", res)
	}
	if _, err := eng.ResumeHook(ctx, "review-ord_9", approval{}); !errors.Is(err, durable.ErrDuplicateEvent) {
		t.Errorf("second resume err = %v, want ErrDuplicateEvent", err)
	}

	got, err := h.Result(resultCtx(t))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != "approved by lin" {
		t.Errorf("result = %q", got)
	}
}

func TestEngine_StopSleep(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	nap := workflow.Define("nap", func(ctx *workflow.Context, _ string) (string, error) {
		if err := ctx.Sleep(24 * time.Hour); err != nil {
			return "", err
		}
		return "rested", nil
	})
	if err := eng.RegisterWorkflow(nap); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)
	ctx := context.Background()

	h, err := engine.Start(ctx, eng, nap, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to suspend", func() bool {
		status, err := h.Status(ctx)
		return err == nil && status == world.RunSuspended
	})

	n, err := eng.StopSleep(ctx, h.RunID, "wwait_does_not_exist")
	if err != nil || n != 0 {
		t.Fatalf("StopSleep unknown id = %d, %v; want 0, nil", n, err)
	}
	n, err = eng.StopSleep(ctx, h.RunID)
	if err != nil {
		t.Fatalf("StopSleep: %v", err)
	}
	if n != 1 {
		t.Errorf("stopped = %d, want 1", n)
	}

	got, err := h.Result(resultCtx(t))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != "rested" {
		t.Errorf("result = %q, want rested", got)
	}
}

func TestEngine_RecoverRuns(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	h, err := eng.StartRaw(ctx, workflow.Name("checkout"), "x")
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}
	done, err := eng.StartRaw(ctx, workflow.Name("checkout"), "y")
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}
	if err := eng.CancelRun(ctx, done.RunID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	n, err := eng.RecoverRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	n, err = eng.RecoverRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverRuns again: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep recovered = %d, want 0", n)
	}

	var recovered int
	for _, m := range s.Messages() {
		if m.IdempotencyKey == "recover:"+h.RunID+":1" {
			recovered++
		}
	}
	if recovered != 1 {
		t.Errorf("recover messages = %d, want 1", recovered)
	}
}

// ──────────────────────────────────────────────────
// Extensions
// ──────────────────────────────────────────────────

type lifecycleTracker struct {
	created       atomic.Int32
	started       atomic.Int32
	completed     atomic.Int32
	stepCompleted atomic.Int32
	cancelled     atomic.Int32
	hookResumed   atomic.Int32
	shutdown      atomic.Bool
}

func (e *lifecycleTracker) Name() string { return "lifecycle-tracker" }

func (e *lifecycleTracker) OnRunCreated(context.Context, *world.Run) error {
	e.created.Add(1)
	return nil
}

func (e *lifecycleTracker) OnRunStarted(context.Context, *world.Run) error {
	e.started.Add(1)
	return nil
}

func (e *lifecycleTracker) OnRunCompleted(context.Context, *world.Run, time.Duration) error {
	e.completed.Add(1)
	return nil
}

func (e *lifecycleTracker) OnRunCancelled(context.Context, *world.Run, string) error {
	e.cancelled.Add(1)
	return nil
}

func (e *lifecycleTracker) OnStepCompleted(context.Context, *world.Step, time.Duration) error {
	e.stepCompleted.Add(1)
	return nil
}

func (e *lifecycleTracker) OnHookResumed(context.Context, *world.Hook) error {
	e.hookResumed.Add(1)
	return nil
}

func (e *lifecycleTracker) OnShutdown(context.Context) error {
	e.shutdown.Store(true)
	return nil
}

func TestEngine_ExtensionLifecycleEvents(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng := newEngine(t, memory.New(), engine.WithExtension(tracker))
	if err := eng.RegisterStep(chargeStep); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h, err := engine.Start(context.Background(), eng, checkout, order{ID: "ord_2", Amount: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Result(resultCtx(t)); err != nil {
		t.Fatalf("Result: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if tracker.created.Load() != 1 {
		t.Errorf("created = %d, want 1", tracker.created.Load())
	}
	if tracker.started.Load() != 1 {
		t.Errorf("started = %d, want 1", tracker.started.Load())
	}
	if tracker.stepCompleted.Load() != 1 {
		t.Errorf("step completed = %d, want 1", tracker.stepCompleted.Load())
	}
	if tracker.completed.Load() != 1 {
		t.Errorf("completed = %d, want 1", tracker.completed.Load())
	}
	if !tracker.shutdown.Load() {
		t.Error("OnShutdown was not called")
	}
}

func TestEngine_StartTwice(t *testing.T) {
	eng := newEngine(t, memory.New())
	startEngine(t, eng)
	if err := eng.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

func TestEngine_StartVerifiesManifest(t *testing.T) {
	m := &manifest.Manifest{Version: manifest.CurrentVersion}
	if err := m.Add(manifest.KindWorkflow, "./checkout.go", "checkout"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(manifest.KindStep, "./checkout.go", "charge"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := newEngine(t, memory.New(), engine.WithManifest(m))
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if err := eng.Start(context.Background()); !errors.Is(err, manifest.ErrUnregistered) {
		t.Fatalf("Start err = %v, want ErrUnregistered", err)
	}

	if err := eng.RegisterStep(chargeStep); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	startEngine(t, eng)
}

func TestEngine_AuditTrail(t *testing.T) {
	var (
		mu      sync.Mutex
		actions []string
	)
	recorder := audithook.RecorderFunc(func(_ context.Context, evt *audithook.AuditEvent) error {
		mu.Lock()
		defer mu.Unlock()
		actions = append(actions, evt.Action)
		return nil
	})

	eng := newEngine(t, memory.New(), engine.WithExtension(audithook.New(recorder)))
	if err := eng.RegisterStep(chargeStep); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	h, err := engine.Start(context.Background(), eng, checkout, order{ID: "ord_3", Amount: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Result(resultCtx(t)); err != nil {
		t.Fatalf("Result: %v", err)
	}

	want := []string{
		audithook.ActionRunCreated, audithook.ActionRunStarted,
		audithook.ActionStepCompleted, audithook.ActionRunCompleted,
	}
	// The completion hook fires after the run is persisted as completed.
	waitFor(t, "audit trail", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range want {
			if !slices.Contains(actions, a) {
				return false
			}
		}
		return true
	})
}

// stepStartFailure fails every step_started append, so step messages keep
// failing until they are dead-lettered.
type stepStartFailure struct {
	*memory.Store
}

func (w *stepStartFailure) CreateEvent(ctx context.Context, runID string, data *world.EventData, opts world.CreateEventOptions) (*world.EventResult, error) {
	if data.Type == world.EventStepStarted {
		return nil, errors.New("event log unavailable")
	}
	return w.Store.CreateEvent(ctx, runID, data, opts)
}

func TestEngine_DeadLettersAndReplay(t *testing.T) {
	s := memory.New()
	cfg := testConfig()
	cfg.MaxDeliveries = 2

	eng, err := engine.New(&stepStartFailure{Store: s},
		engine.WithConfig(cfg),
		engine.WithBackoff(backoff.Constant{Interval: time.Millisecond}),
		engine.WithDeadLetters(s),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.RegisterStep(chargeStep); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := eng.RegisterWorkflow(checkout); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, eng)

	if _, err := engine.Start(context.Background(), eng, checkout, order{ID: "ord_4", Amount: 7}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc := eng.DeadLetters()
	if svc == nil {
		t.Fatal("DeadLetters is nil")
	}
	waitFor(t, "step message to be dead-lettered", func() bool {
		n, err := svc.Store().CountDLQ(context.Background())
		return err == nil && n == 1
	})

	entries, err := svc.Store().ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if entries[0].Queue != "__wkf_step_charge" {
		t.Errorf("queue = %q, want __wkf_step_charge", entries[0].Queue)
	}
	if entries[0].Deliveries != 2 {
		t.Errorf("deliveries = %d, want 2", entries[0].Deliveries)
	}
	if _, err := svc.Replay(context.Background(), entries[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
}
