// Package agent implements the agent program: it registers a single agent
// identity bound to an oracle conversation context, forwards queries to the
// oracle, accepts the oracle's signed callbacks, and schedules deferred
// queries on a task queue.
package agent
