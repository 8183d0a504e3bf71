// Package writer persists decoded ticks to TimescaleDB.
//
// The TickWriter consumes the multi-manager's unified stream, accumulates
// rows into a batch, and flushes via pgx CopyFrom either when the batch
// fills or on a timer. A full input path drops at the broadcast boundary,
// never here; the writer itself applies back-pressure only to its own
// batch buffer.
package writer
