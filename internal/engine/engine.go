// Package engine runs deployment jobs.
//
// The package is split across:
// - execution.go: one job attempt end to end (setup, run, finish, cancel)
// - queue.go: per-key serialized scheduling with FIFO promotion
// - factory.go: builds executions from shared dependencies
// - safegroup.go: panic-safe worker goroutines
package engine
