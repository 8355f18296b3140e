package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/durable/world"
)

// WorkflowInvocation is the payload of a message on a workflow queue. It
// only names the run; everything else is replayed from the event log.
type WorkflowInvocation struct {
	RunID string `json:"runId"`
}

// StepInvocation is the payload of a message on a step queue.
type StepInvocation struct {
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
}

// DecodeWorkflowInvocation parses a workflow queue payload.
func DecodeWorkflowInvocation(payload []byte) (WorkflowInvocation, error) {
	var inv WorkflowInvocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return inv, fmt.Errorf("queue: decode workflow invocation: %w", err)
	}
	if inv.RunID == "" {
		return inv, fmt.Errorf("queue: workflow invocation without run id")
	}
	return inv, nil
}

// DecodeStepInvocation parses a step queue payload.
func DecodeStepInvocation(payload []byte) (StepInvocation, error) {
	var inv StepInvocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return inv, fmt.Errorf("queue: decode step invocation: %w", err)
	}
	if inv.RunID == "" || inv.StepID == "" {
		return inv, fmt.Errorf("queue: step invocation without run or step id")
	}
	return inv, nil
}

// EnqueueWorkflow sends an invocation of run to its workflow queue on the
// run's deployment.
func (s *Scheduler) EnqueueWorkflow(ctx context.Context, run *world.Run, idempotencyKey string, delaySeconds int) (string, error) {
	queueName, err := WorkflowQueue(run.WorkflowName)
	if err != nil {
		return "", err
	}
	return s.EnqueueJSON(ctx, queueName, WorkflowInvocation{RunID: run.ID}, EnqueueOptions{
		DeploymentID:   run.DeploymentID,
		IdempotencyKey: idempotencyKey,
		DelaySeconds:   delaySeconds,
	})
}

// EnqueueStep sends an invocation of st to its step queue on the step's
// deployment.
func (s *Scheduler) EnqueueStep(ctx context.Context, st *world.Step, idempotencyKey string) (string, error) {
	queueName := st.QueueName
	if queueName == "" {
		var err error
		if queueName, err = StepQueue(st.Name); err != nil {
			return "", err
		}
	}
	return s.EnqueueJSON(ctx, queueName, StepInvocation{RunID: st.RunID, StepID: st.ID}, EnqueueOptions{
		DeploymentID:   st.DeploymentID,
		IdempotencyKey: idempotencyKey,
	})
}
