// Package connection implements the per-connection worker.
//
// A Worker owns one WebSocket to the tick stream and runs:
//   - a reader goroutine consuming upstream frames,
//   - a writer goroutine draining a bounded control queue and sending
//     keepalive pings,
//   - optionally a dedicated parser goroutine fed through a bounded queue.
//
// Decoded batches, stream errors, close notices and non-tick server JSON
// are published on the parsed broadcast; whole binary frames on the raw
// broadcast. Both are bounded drop-oldest fan-outs, so the worker never
// stalls on a slow or absent consumer.
//
// Lifecycle: Idle → Connecting → Open, with Reconnecting (exponential
// backoff, capped attempts) on transport errors or missed keepalives, and
// Draining → Closed on Stop. After every reopen the worker replays its
// entire subscription set before serving new control messages.
package connection
