package codec

import "encoding/binary"

// Zero-copy typed views over packet bodies. A view borrows the byte slice
// it was constructed from; it stays valid exactly as long as that slice.
// Accessors read big-endian on every call and never allocate.

// LTPView is an 8-byte LTP packet body.
type LTPView []byte

// AsLTPView validates the slice length and returns a view over it.
func AsLTPView(b []byte) (LTPView, bool) {
	if len(b) != SizeLTP {
		return nil, false
	}
	return LTPView(b), true
}

func (v LTPView) Token() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v LTPView) LastPrice() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }

// IndexLTPView is a 28-byte compact index packet body.
type IndexLTPView []byte

func AsIndexLTPView(b []byte) (IndexLTPView, bool) {
	if len(b) != SizeIndexLTP {
		return nil, false
	}
	return IndexLTPView(b), true
}

func (v IndexLTPView) Token() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v IndexLTPView) LastPrice() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }
func (v IndexLTPView) High() int32 { return int32(binary.BigEndian.Uint32(v[8:12])) }
func (v IndexLTPView) Low() int32 { return int32(binary.BigEndian.Uint32(v[12:16])) }
func (v IndexLTPView) Open() int32 { return int32(binary.BigEndian.Uint32(v[16:20])) }
func (v IndexLTPView) Close() int32 { return int32(binary.BigEndian.Uint32(v[20:24])) }
func (v IndexLTPView) PriceChange() int32 { return int32(binary.BigEndian.Uint32(v[24:28])) }

// IndexQuoteView is a 32-byte index quote packet body.
type IndexQuoteView []byte

func AsIndexQuoteView(b []byte) (IndexQuoteView, bool) {
	if len(b) != SizeIndexQuote {
		return nil, false
	}
	return IndexQuoteView(b), true
}

func (v IndexQuoteView) Token() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v IndexQuoteView) LastPrice() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }
func (v IndexQuoteView) High() int32 { return int32(binary.BigEndian.Uint32(v[8:12])) }
func (v IndexQuoteView) Low() int32 { return int32(binary.BigEndian.Uint32(v[12:16])) }
func (v IndexQuoteView) Open() int32 { return int32(binary.BigEndian.Uint32(v[16:20])) }
func (v IndexQuoteView) Close() int32 { return int32(binary.BigEndian.Uint32(v[20:24])) }
func (v IndexQuoteView) PriceChange() int32 { return int32(binary.BigEndian.Uint32(v[24:28])) }
func (v IndexQuoteView) ExchangeTS() uint32 { return binary.BigEndian.Uint32(v[28:32]) }

// QuoteView is a 44-byte quote packet body.
type QuoteView []byte

func AsQuoteView(b []byte) (QuoteView, bool) {
	if len(b) != SizeQuote {
		return nil, false
	}
	return QuoteView(b), true
}

func (v QuoteView) Token() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v QuoteView) LastPrice() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }
func (v QuoteView) LastTradedQty() uint32 { return binary.BigEndian.Uint32(v[8:12]) }
func (v QuoteView) AvgTradedPrice() int32 { return int32(binary.BigEndian.Uint32(v[12:16])) }
func (v QuoteView) Volume() uint32 { return binary.BigEndian.Uint32(v[16:20]) }
func (v QuoteView) TotalBuyQty() uint32 { return binary.BigEndian.Uint32(v[20:24]) }
func (v QuoteView) TotalSellQty() uint32 { return binary.BigEndian.Uint32(v[24:28]) }
func (v QuoteView) Open() int32 { return int32(binary.BigEndian.Uint32(v[28:32])) }
func (v QuoteView) High() int32 { return int32(binary.BigEndian.Uint32(v[32:36])) }
func (v QuoteView) Low() int32 { return int32(binary.BigEndian.Uint32(v[36:40])) }
func (v QuoteView) Close() int32 { return int32(binary.BigEndian.Uint32(v[40:44])) }

// DepthEntryView is one 12-byte depth level.
type DepthEntryView []byte

func (v DepthEntryView) Qty() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v DepthEntryView) Price() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }
func (v DepthEntryView) Orders() uint16 { return binary.BigEndian.Uint16(v[8:10]) }

// FullView is a 184-byte full packet body (quote header plus depth).
type FullView []byte

func AsFullView(b []byte) (FullView, bool) {
	if len(b) != SizeFull {
		return nil, false
	}
	return FullView(b), true
}

func (v FullView) Quote() QuoteView { return QuoteView(v[:SizeQuote]) }
func (v FullView) Token() uint32 { return binary.BigEndian.Uint32(v[0:4]) }
func (v FullView) LastPrice() int32 { return int32(binary.BigEndian.Uint32(v[4:8])) }
func (v FullView) LastTradedTS() uint32 { return binary.BigEndian.Uint32(v[44:48]) }
func (v FullView) OI() uint32 { return binary.BigEndian.Uint32(v[48:52]) }
func (v FullView) OIDayHigh() uint32 { return binary.BigEndian.Uint32(v[52:56]) }
func (v FullView) OIDayLow() uint32 { return binary.BigEndian.Uint32(v[56:60]) }
func (v FullView) ExchangeTS() uint32 { return binary.BigEndian.Uint32(v[60:64]) }

// Buy returns the i-th of five buy depth levels.
func (v FullView) Buy(i int) DepthEntryView {
	off := fullHeaderSize + i*depthEntrySize
	return DepthEntryView(v[off : off+depthEntrySize])
}

// Sell returns the i-th of five sell depth levels.
func (v FullView) Sell(i int) DepthEntryView {
	off := fullHeaderSize + (5+i)*depthEntrySize
	return DepthEntryView(v[off : off+depthEntrySize])
}

// ExtractFullPayloads appends up to limit 184-byte Full packet bodies
// sliced out of frame (no copying) and returns the extended slice. Packets
// of other sizes are skipped; a malformed frame yields whatever was found
// before the damage. limit <= 0 means no limit.
func ExtractFullPayloads(frame []byte, limit int, out [][]byte) [][]byte {
	if HeartbeatFrame(frame) {
		return out
	}
	n := int(binary.BigEndian.Uint16(frame[0:2]))
	offset := 2
	for i := 0; i < n; i++ {
		if limit > 0 && len(out) >= limit {
			return out
		}
		if offset+2 > len(frame) {
			return out
		}
		l := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		body := offset + 2
		if body+l > len(frame) {
			return out
		}
		if l == SizeFull {
			out = append(out, frame[body:body+l])
		}
		offset = body + l
	}
	return out
}
