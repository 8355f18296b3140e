package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/world"
)

// allHooksExt implements every lifecycle hook.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) record(name string) error {
	e.calls = append(e.calls, name)
	return nil
}

func (e *allHooksExt) OnRunCreated(context.Context, *world.Run) error {
	return e.record("OnRunCreated")
}

func (e *allHooksExt) OnRunStarted(context.Context, *world.Run) error {
	return e.record("OnRunStarted")
}

func (e *allHooksExt) OnRunCompleted(context.Context, *world.Run, time.Duration) error {
	return e.record("OnRunCompleted")
}

func (e *allHooksExt) OnRunFailed(context.Context, *world.Run, error) error {
	return e.record("OnRunFailed")
}

func (e *allHooksExt) OnRunCancelled(context.Context, *world.Run, string) error {
	return e.record("OnRunCancelled")
}

func (e *allHooksExt) OnStepCompleted(context.Context, *world.Step, time.Duration) error {
	return e.record("OnStepCompleted")
}

func (e *allHooksExt) OnStepFailed(context.Context, *world.Step, error) error {
	return e.record("OnStepFailed")
}

func (e *allHooksExt) OnStepRetrying(context.Context, *world.Step, int, time.Time) error {
	return e.record("OnStepRetrying")
}

func (e *allHooksExt) OnHookResumed(context.Context, *world.Hook) error {
	return e.record("OnHookResumed")
}

func (e *allHooksExt) OnMessageDeadLettered(context.Context, *world.Message, error) error {
	return e.record("OnMessageDeadLettered")
}

func (e *allHooksExt) OnShutdown(context.Context) error {
	return e.record("OnShutdown")
}

// runOnlyExt only implements run completion.
type runOnlyExt struct {
	calls []string
}

func (e *runOnlyExt) Name() string { return "run-only" }

func (e *runOnlyExt) OnRunCompleted(context.Context, *world.Run, time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnRunCompleted(context.Context, *world.Run, time.Duration) error {
	return errors.New("boom")
}

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	ro := &runOnlyExt{}
	r.Register(all)
	r.Register(ro)

	ctx := context.Background()
	run := &world.Run{ID: "wrun_1", WorkflowName: "order"}

	r.EmitRunCompleted(ctx, run, time.Second)
	if len(all.calls) != 1 || len(ro.calls) != 1 {
		t.Fatalf("both should see OnRunCompleted: all=%v ro=%v", all.calls, ro.calls)
	}

	r.EmitRunStarted(ctx, run)
	if len(all.calls) != 2 || all.calls[1] != "OnRunStarted" {
		t.Fatalf("all: expected OnRunStarted as 2nd, got %v", all.calls)
	}
	if len(ro.calls) != 1 {
		t.Fatalf("ro: should still have 1 call, got %v", ro.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &world.Run{ID: "wrun_1"}
	step := &world.Step{ID: "step_1", Name: "charge"}

	r.EmitRunCreated(ctx, run)
	r.EmitRunStarted(ctx, run)
	r.EmitStepRetrying(ctx, step, 1, time.Now())
	r.EmitStepFailed(ctx, step, errors.New("declined"))
	r.EmitStepCompleted(ctx, step, time.Second)
	r.EmitHookResumed(ctx, &world.Hook{ID: "hook_1"})
	r.EmitRunFailed(ctx, run, errors.New("fail"))
	r.EmitRunCancelled(ctx, run, "user")
	r.EmitRunCompleted(ctx, run, time.Second)
	r.EmitMessageDeadLettered(ctx, &world.Message{ID: "msg_1"}, errors.New("poison"))
	r.EmitShutdown(ctx)

	expected := []string{
		"OnRunCreated", "OnRunStarted", "OnStepRetrying", "OnStepFailed",
		"OnStepCompleted", "OnHookResumed", "OnRunFailed", "OnRunCancelled",
		"OnRunCompleted", "OnMessageDeadLettered", "OnShutdown",
	}
	if strings.Join(all.calls, ",") != strings.Join(expected, ",") {
		t.Fatalf("calls = %v, want %v", all.calls, expected)
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitRunCompleted(context.Background(), &world.Run{}, time.Second)

	if len(all.calls) != 1 {
		t.Fatalf("all: expected [OnRunCompleted] despite failing ext, got %v", all.calls)
	}
	if !strings.Contains(buf.String(), "extension=failing") {
		t.Errorf("hook error not logged: %s", buf.String())
	}
}

func TestRegistry_EmptyAndNilRegistryNoOp(_ *testing.T) {
	ctx := context.Background()
	for _, r := range []*ext.Registry{ext.NewRegistry(nil), nil} {
		r.EmitRunCreated(ctx, &world.Run{})
		r.EmitRunCompleted(ctx, &world.Run{}, time.Second)
		r.EmitStepFailed(ctx, &world.Step{}, errors.New("x"))
		r.EmitShutdown(ctx)
	}
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	var order []string
	r.Register(orderedExt{name: "first", order: &order})
	r.Register(orderedExt{name: "second", order: &order})

	r.EmitShutdown(context.Background())

	if strings.Join(order, ",") != "first,second" {
		t.Errorf("order = %v", order)
	}
}

type orderedExt struct {
	name  string
	order *[]string
}

func (e orderedExt) Name() string { return e.name }

func (e orderedExt) OnShutdown(context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}
