package redis

// Redis key naming conventions.
// All keys are prefixed with "durable:" to avoid collisions.

const keyPrefix = "durable:"

// ── Run keys ──

// eventsKey returns the List holding a run's event log: durable:events:{runID}
func eventsKey(runID string) string { return keyPrefix + "events:" + runID }

// runKey returns the key for a materialised run: durable:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runsKey is the Sorted Set of run IDs scored by creation time.
const runsKey = keyPrefix + "runs"

// corrKey returns the Set of run IDs with events for a correlation ID.
func corrKey(correlationID string) string { return keyPrefix + "corr:" + correlationID }

// ── Entity keys ──

func stepKey(id string) string { return keyPrefix + "step:" + id }
func hookKey(id string) string { return keyPrefix + "hook:" + id }
func waitKey(id string) string { return keyPrefix + "wait:" + id }

// runStepsKey returns the Set of step IDs dispatched by a run.
func runStepsKey(runID string) string { return keyPrefix + "run_steps:" + runID }

// runHooksKey returns the Set of hook IDs created by a run.
func runHooksKey(runID string) string { return keyPrefix + "run_hooks:" + runID }

// runWaitsKey returns the Set of wait IDs started by a run.
func runWaitsKey(runID string) string { return keyPrefix + "run_waits:" + runID }

// tokensKey maps hook tokens to hook IDs across all runs.
const tokensKey = keyPrefix + "hook_tokens"

// ── Queue keys ──
//
// One deployment's queue keys share the {deploymentID} hash tag, so every
// queue script touches a single Cluster slot.

func queueTag(deploymentID string) string { return keyPrefix + "q:{" + deploymentID + "}:" }

// queuesKey returns the Set of queue names a deployment has received.
func queuesKey(deploymentID string) string { return queueTag(deploymentID) + "queues" }

// scheduleKey returns the Sorted Set scheduling one queue's messages,
// scored by visibility time in Unix milliseconds.
func scheduleKey(deploymentID, queueName string) string {
	return queueTag(deploymentID) + "sched:" + queueName
}

// messageKey returns the Hash for a queued message.
func messageKey(deploymentID, id string) string { return queueTag(deploymentID) + "msg:" + id }

// idempotencyKey reserves a send key within a deployment.
func idempotencyKey(deploymentID, key string) string { return queueTag(deploymentID) + "idem:" + key }

// unusedKey fills script key slots a change does not touch.
const unusedKey = keyPrefix + "unused"
