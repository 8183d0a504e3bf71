// Package ticks defines the market-data domain model shared across the
// codec, connection workers, and managers.
//
// Key conventions:
//   - Prices are raw scaled 32-bit integers exactly as they appear on the
//     wire. The scale factor depends on the exchange segment (see
//     Exchange.PriceDivisor); applying it is the consumer's job.
//   - IDs: uint32 instrument tokens, opaque except for the low byte which
//     encodes the exchange segment.
//   - Timestamps: uint32 Unix seconds from the exchange.
package ticks
