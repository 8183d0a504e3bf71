// Package codec decodes the binary tick stream.
//
// Wire format: each WebSocket binary frame starts with a big-endian uint16
// packet count, followed by that many packets. Each packet is a big-endian
// uint16 body length followed by the body. The body shape is dispatched
// purely on its length:
//
//	  8  LTP
//	 28  index LTP (compact, with HLOC and net change)
//	 32  index quote (28 + exchange timestamp)
//	 44  quote
//	184  full (64-byte header + 10 x 12-byte depth entries)
//
// All integers are big-endian. Prices stay raw scaled int32s; the codec
// never divides. DecodeFrame never panics on any input: malformed packets
// become error values alongside whatever decoded cleanly.
package codec
