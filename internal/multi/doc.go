// Package multi federates several credential pools behind one manager.
//
// Each credential gets its own single-credential manager (and therefore its
// own connections and placement map). Tokens route to credentials either
// round-robin in arrival order or manually via SubscribeTo. A unified
// broadcast carries every credential's parsed stream, tagged with the
// owning credential id; a slow unified consumer drops at that boundary and
// never back-pressures the workers.
package multi
