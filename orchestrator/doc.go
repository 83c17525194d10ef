// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package orchestrator is the engine behind the control API.

An Engine owns the definition store, the level cache, the scheduler and the
chain manager, and shares the agent registry and dispatcher with its caller.
Submit persists a pending execution and queues it for one of
MaxConcurrentWorkflows slots; queued executions are admitted by priority
(urgent, high, medium, low) and then in submission order. Status, Events and
ListExecutions always read from the store.

Cancel moves a queued execution straight to cancelled and cancels the context
of a running one. Shutdown cancels everything in flight and waits for the
terminal state of every execution to be persisted.
*/
package orchestrator
