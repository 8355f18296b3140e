package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/world"
)

// RunError is returned by Handle.Result for a run that did not complete.
type RunError struct {
	RunID  string
	Status world.RunStatus
	Info   *world.ErrorInfo
}

func (e *RunError) Error() string {
	if e.Status == world.RunCancelled {
		return fmt.Sprintf("run %s was cancelled", e.RunID)
	}
	msg := "unknown error"
	if e.Info != nil {
		msg = e.Info.Message
	}
	return fmt.Sprintf("run %s failed: %s", e.RunID, msg)
}

// Unwrap maps the outcome to ErrRunCancelled or ErrRunFailed.
func (e *RunError) Unwrap() error {
	if e.Status == world.RunCancelled {
		return durable.ErrRunCancelled
	}
	return durable.ErrRunFailed
}

// Handle refers to a started run. O is the type its result decodes into.
type Handle[O any] struct {
	RunID string
	eng   *Engine
}

func newHandle[O any](e *Engine, runID string) *Handle[O] {
	return &Handle[O]{RunID: runID, eng: e}
}

// Attach returns a handle for an existing run.
func Attach[O any](e *Engine, runID string) *Handle[O] {
	return newHandle[O](e, runID)
}

// Run returns the run's current state.
func (h *Handle[O]) Run(ctx context.Context) (*world.Run, error) {
	return h.eng.world.GetRun(ctx, h.RunID)
}

// Status returns the run's current status.
func (h *Handle[O]) Status(ctx context.Context) (world.RunStatus, error) {
	run, err := h.Run(ctx)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Events returns the run's event log.
func (h *Handle[O]) Events(ctx context.Context) ([]*world.Event, error) {
	return h.eng.world.ListEvents(ctx, world.EventFilter{RunID: h.RunID})
}

// Result polls until the run is terminal and decodes its output. Failed
// and cancelled runs yield a *RunError.
func (h *Handle[O]) Result(ctx context.Context) (O, error) {
	var zero O
	interval := h.eng.config.ResultPollInterval
	if interval <= 0 {
		interval = durable.DefaultConfig().ResultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := h.Run(ctx)
		if err != nil {
			return zero, err
		}
		switch run.Status {
		case world.RunCompleted:
			var out O
			if len(run.Output) > 0 {
				if err := h.eng.serde.DecodeInto(run.Output, &out); err != nil {
					return zero, err
				}
			}
			return out, nil
		case world.RunFailed, world.RunCancelled:
			return zero, &RunError{RunID: run.ID, Status: run.Status, Info: run.Error}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}
