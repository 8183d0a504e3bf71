// Package broadcast provides a bounded multi-consumer fan-out channel.
//
// Every subscriber gets its own buffered channel of the configured
// capacity. Publish never blocks: when a subscriber's buffer is full the
// oldest buffered item is evicted and counted as dropped. Publishing with
// no subscribers is a no-op, so producers stay live before the first
// consumer attaches.
package broadcast
