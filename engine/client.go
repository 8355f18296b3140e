package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/workflow"
	"github.com/xraph/durable/world"
)

// StartOption configures a single Start call.
type StartOption func(*startOptions)

type startOptions struct {
	specVersion  int
	deploymentID string
}

// WithSpecVersion records the run with event encoding v. Any legacy
// version writes the run in compatibility mode; versions newer than
// SpecVersionCurrent are rejected.
func WithSpecVersion(v int) StartOption {
	return func(o *startOptions) { o.specVersion = v }
}

// OnDeployment starts the run on another deployment than the engine's.
func OnDeployment(deploymentID string) StartOption {
	return func(o *startOptions) { o.deploymentID = deploymentID }
}

// StartRaw starts a run of the workflow named by ref with an untyped
// input. Everything that can be checked locally is validated before the
// World is contacted. The returned handle decodes results as any.
func (e *Engine) StartRaw(ctx context.Context, ref workflow.Ref, input any, opts ...StartOption) (*Handle[any], error) {
	runID, err := e.start(ctx, ref, input, opts)
	if err != nil {
		return nil, err
	}
	return newHandle[any](e, runID), nil
}

// Start starts a run of def and returns a handle typed by its output.
func Start[I, O any](ctx context.Context, e *Engine, def *workflow.Def[I, O], input I, opts ...StartOption) (*Handle[O], error) {
	runID, err := e.start(ctx, def, input, opts)
	if err != nil {
		return nil, err
	}
	return newHandle[O](e, runID), nil
}

func (e *Engine) start(ctx context.Context, ref workflow.Ref, input any, opts []StartOption) (string, error) {
	name, err := workflow.NameOf(ref)
	if err != nil {
		return "", err
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !durable.IsKnownSpecVersion(o.specVersion) {
		return "", durable.NewRuntimeError(durable.KindSpecVersion,
			"spec version %d is not supported, current is %d", o.specVersion, durable.SpecVersionCurrent)
	}
	deploymentID, err := e.config.ResolveDeploymentID(o.deploymentID)
	if err != nil {
		return "", err
	}
	if _, err := queue.WorkflowQueue(name); err != nil {
		return "", err
	}
	raw, err := e.serde.Encode(input)
	if err != nil {
		return "", err
	}

	runID := id.NewRunID().String()
	data, err := world.NewEventData(world.EventRunCreated, "", world.RunCreatedPayload{
		WorkflowName: name,
		DeploymentID: deploymentID,
		Input:        raw,
	})
	if err != nil {
		return "", err
	}
	res, err := e.world.CreateEvent(ctx, runID, data, world.CreateEventOptions{
		V1Compat: durable.IsLegacySpecVersion(o.specVersion),
	})
	if err != nil {
		return "", fmt.Errorf("durable: create run: %w", err)
	}
	e.extensions.EmitRunCreated(ctx, res.Run)

	if _, err := e.scheduler.EnqueueWorkflow(ctx, res.Run, runID, 0); err != nil {
		return "", fmt.Errorf("durable: enqueue run %s: %w", runID, err)
	}

	e.logger.Debug("run created",
		slog.String("run_id", runID),
		slog.String("workflow", name),
		slog.String("deployment_id", deploymentID),
		slog.Int("spec_version", res.Run.SpecVersion),
	)
	return runID, nil
}

// CancelRun cancels a run. Cancelling a cancelled run is a no-op; any other
// terminal run fails with ErrRunTerminal. Steps already executing finish,
// but their results are ignored.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	data, err := world.NewEventData(world.EventRunCancelled, "", world.RunCancelledPayload{Reason: "cancelled by client"})
	if err != nil {
		return err
	}
	res, err := e.world.CreateEvent(ctx, runID, data, world.CreateEventOptions{})
	if errors.Is(err, durable.ErrRunTerminal) {
		run, getErr := e.world.GetRun(ctx, runID)
		if getErr == nil && run.Status == world.RunCancelled {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	e.logger.Info("run cancelled", slog.String("run_id", runID))
	e.extensions.EmitRunCancelled(ctx, res.Run, "cancelled by client")
	return nil
}

// HookResult identifies a resumed hook.
type HookResult struct {
	HookID string
	RunID  string
}

// ResumeHook delivers payload to the hook holding token and wakes its run.
// A hook resumes once; later calls fail with ErrDuplicateEvent.
func (e *Engine) ResumeHook(ctx context.Context, token string, payload any) (*HookResult, error) {
	hook, err := e.world.GetHookByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := e.serde.Encode(payload)
	if err != nil {
		return nil, err
	}
	data, err := world.NewEventData(world.EventHookResumed, hook.ID, world.HookResumedPayload{Payload: raw})
	if err != nil {
		return nil, err
	}
	res, err := e.world.CreateEvent(ctx, hook.RunID, data, world.CreateEventOptions{})
	if err != nil {
		return nil, err
	}

	hook.Resumed = true
	hook.Payload = raw
	e.extensions.EmitHookResumed(ctx, hook)

	if _, err := e.scheduler.EnqueueWorkflow(ctx, res.Run, hook.ID+":resumed", 0); err != nil {
		return nil, fmt.Errorf("durable: wake run %s: %w", hook.RunID, err)
	}
	return &HookResult{HookID: hook.ID, RunID: hook.RunID}, nil
}

// StopSleep completes the run's pending sleeps now and wakes the run. With
// correlationIDs only the named sleeps are stopped. It returns how many
// sleeps this call completed.
func (e *Engine) StopSleep(ctx context.Context, runID string, correlationIDs ...string) (int, error) {
	snap, err := e.runner.Load(ctx, runID)
	if err != nil {
		return 0, err
	}
	if snap.Run.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: %s is %s", durable.ErrRunTerminal, runID, snap.Run.Status)
	}

	var (
		stopped int
		last    *world.Run
	)
	for _, w := range snap.PendingWaits() {
		if len(correlationIDs) > 0 && !slices.Contains(correlationIDs, w.ID) {
			continue
		}
		data, err := world.NewEventData(world.EventSleepCompleted, w.ID, struct{}{})
		if err != nil {
			return stopped, err
		}
		res, err := e.world.CreateEvent(ctx, runID, data, world.CreateEventOptions{})
		if errors.Is(err, durable.ErrDuplicateEvent) {
			continue
		}
		if err != nil {
			return stopped, err
		}
		stopped++
		last = res.Run
	}
	if stopped == 0 {
		return 0, nil
	}

	key := "wake:" + runID + ":" + strconv.FormatInt(last.LastSeq, 10)
	if _, err := e.scheduler.EnqueueWorkflow(ctx, last, key, 0); err != nil {
		return stopped, fmt.Errorf("durable: wake run %s: %w", runID, err)
	}
	return stopped, nil
}

// recoverPageSize is how many runs RecoverRuns lists per query.
const recoverPageSize = 100

// RecoverRuns enqueues a continuation for every unfinished run of this
// deployment. Keys include the run's last sequence, so repeated sweeps over
// an unchanged run send nothing new.
func (e *Engine) RecoverRuns(ctx context.Context) (int, error) {
	deploymentID, err := e.DeploymentID()
	if err != nil {
		return 0, err
	}

	var runs []*world.Run
	for _, status := range []world.RunStatus{world.RunPending, world.RunRunning, world.RunSuspended} {
		for offset := 0; ; offset += recoverPageSize {
			page, err := e.world.ListRuns(ctx, world.RunFilter{
				Status:       status,
				DeploymentID: deploymentID,
				Limit:        recoverPageSize,
				Offset:       offset,
			})
			if err != nil {
				return 0, fmt.Errorf("durable: list %s runs: %w", status, err)
			}
			runs = append(runs, page...)
			if len(page) < recoverPageSize {
				break
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.config.Concurrency))
	sent := make([]bool, len(runs))
	for i, run := range runs {
		g.Go(func() error {
			key := "recover:" + run.ID + ":" + strconv.FormatInt(run.LastSeq, 10)
			msgID, err := e.scheduler.EnqueueWorkflow(gctx, run, key, 0)
			if err != nil {
				return fmt.Errorf("durable: recover run %s: %w", run.ID, err)
			}
			sent[i] = !queue.IsPlaceholderID(msgID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var n int
	for _, ok := range sent {
		if ok {
			n++
		}
	}
	return n, nil
}
