// Package stats tracks per-connection counters and derives health.
//
// A Connection handle is shared between the worker that updates it (atomic
// writes from the reader/parser goroutines) and the manager that snapshots
// it. Health is derived, not stored: a connection is healthy iff it is
// open and has seen a frame or pong within the liveness threshold.
package stats
