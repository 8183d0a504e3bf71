// Package manager pools up to three connection workers under one
// credential and distributes instrument subscriptions across them.
//
// Placement uses least-loaded allocation with a deterministic tie-break on
// the lowest connection id, keeping distributions reproducible. The
// placement map is the single source of truth for which worker carries
// which token; it is mutated only here, under one lock, and never across a
// blocking operation (workers are handed work through bounded queues).
package manager
