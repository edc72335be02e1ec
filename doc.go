// Package sagaway is a durable saga orchestration engine: it drives a
// multi-step business transaction spanning independently-owned services,
// triggers compensations in reverse order when a step fails, and recovers
// in-flight instances after a process crash.
//
// State lives in a Store (Postgres, SQLite, or in-memory) and every mutation
// goes through a version-checked compare-and-swap, so any number of worker
// processes can share a store without locks. Steps execute through a
// StepInvoker: synchronously against registered in-process actions, or
// asynchronously over an EventBus with results delivered back through the
// Gateway.
//
// Business actions are invoked at-least-once with a stable idempotency key;
// exactly-once execution is the collaborator's responsibility.
package sagaway
