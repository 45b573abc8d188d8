// Package daemon wires the ledger runtime, the oracle, the task queue, the
// agent program, the background workers and the HTTP API into one process.
package daemon
