package queue

import (
	"regexp"

	"github.com/xraph/durable"
)

// Physical queue prefixes.
const (
	WorkflowPrefix = "__wkf_workflow_"
	StepPrefix     = "__wkf_step_"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_\-./@]+$`)

// ValidateName checks that name only uses routable characters.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return durable.NewRuntimeError(durable.KindInvalidQueueName,
			"queue name %q must be non-empty and only contain A-Z a-z 0-9 _ - . / @", name)
	}
	return nil
}

// Name derives the physical queue name for a logical name.
func Name(prefix, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return prefix + name, nil
}

// WorkflowQueue returns the queue that carries invocations of a workflow.
func WorkflowQueue(workflowName string) (string, error) {
	return Name(WorkflowPrefix, workflowName)
}

// StepQueue returns the queue that carries invocations of a step.
func StepQueue(stepName string) (string, error) {
	return Name(StepPrefix, stepName)
}
