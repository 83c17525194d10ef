// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package dispatch admits tasks onto agents from the registry and runs single
// attempts through pluggable executors.
//
// Reserve is non-blocking admission. Execute runs one attempt under the task
// timeout, records timeouts and successes back into the registry, and always
// releases the lease. Dispatch wraps both into a standalone retry loop for
// tasks that run outside a workflow.
//
// Executors receive tasks at least once. A timed-out attempt may still finish
// on the agent, so an executor must tolerate re-delivery of the same
// (execution, node) pair.
package dispatch
