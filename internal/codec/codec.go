package codec

import (
	"encoding/binary"

	"github.com/rickgao/kite-stream/internal/ticks"
)

// Known packet body lengths.
const (
	SizeLTP        = 8
	SizeIndexLTP   = 28
	SizeIndexQuote = 32
	SizeQuote      = 44
	SizeFull       = 184

	fullHeaderSize = 64
	depthEntrySize = 12
)

// HeartbeatFrame reports whether a binary frame is a one-byte upstream
// heartbeat (anything too short to carry a packet count).
func HeartbeatFrame(frame []byte) bool {
	return len(frame) < 2
}

// DecodeFrame splits a binary frame into packets and decodes each one.
// Unknown-shape packets are skipped and reported in errs; a truncated frame
// stops processing with a TruncatedFrameError after yielding whatever
// decoded cleanly. Heartbeat frames yield nothing.
func DecodeFrame(frame []byte) (out []ticks.Tick, errs []error) {
	if HeartbeatFrame(frame) {
		return nil, nil
	}

	n := int(binary.BigEndian.Uint16(frame[0:2]))
	offset := 2
	for i := 0; i < n; i++ {
		if offset+2 > len(frame) {
			errs = append(errs, &TruncatedFrameError{Offset: offset, Declared: -1})
			return out, errs
		}
		l := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		body := offset + 2
		if body+l > len(frame) {
			errs = append(errs, &TruncatedFrameError{
				Offset:    offset,
				Declared:  l,
				Remaining: len(frame) - body,
			})
			return out, errs
		}

		tick, err := DecodePacket(frame[body : body+l])
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, tick)
		}
		offset = body + l
	}
	return out, errs
}

// DecodePacket decodes a single packet body, dispatching on its length.
func DecodePacket(body []byte) (ticks.Tick, error) {
	switch len(body) {
	case SizeLTP:
		return decodeLTP(body), nil
	case SizeIndexLTP:
		return decodeIndex(body, false), nil
	case SizeIndexQuote:
		return decodeIndex(body, true), nil
	case SizeQuote:
		return decodeQuote(body), nil
	case SizeFull:
		return decodeFull(body), nil
	}

	e := &UnknownShapeError{Length: len(body)}
	if len(body) >= 4 {
		e.Token = binary.BigEndian.Uint32(body[0:4])
		e.HasToken = true
	}
	return ticks.Tick{}, e
}

func be32(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off : off+4]) }
func bei32(b []byte, off int) int32 { return int32(binary.BigEndian.Uint32(b[off : off+4])) }

func newTick(body []byte, mode ticks.Mode) ticks.Tick {
	token := be32(body, 0)
	ex := ticks.ExchangeFromToken(token)
	return ticks.Tick{
		Mode:            mode,
		InstrumentToken: token,
		Exchange:        ex,
		IsIndex:         !ex.IsTradable(),
		IsTradable:      ex.IsTradable(),
		LastPrice:       bei32(body, 4),
	}
}

func decodeLTP(body []byte) ticks.Tick {
	return newTick(body, ticks.ModeLTP)
}

// decodeIndex handles the 28-byte compact index packet and, when withTS is
// set, the 32-byte index quote. Index OHLC arrives in high/low/open/close
// order; net change is carried on the wire.
func decodeIndex(body []byte, withTS bool) ticks.Tick {
	mode := ticks.ModeQuote
	if withTS {
		mode = ticks.ModeFull
	}
	t := newTick(body, mode)
	t.OHLC = &ticks.OHLC{
		High:  bei32(body, 8),
		Low:   bei32(body, 12),
		Open:  bei32(body, 16),
		Close: bei32(body, 20),
	}
	t.NetChange = bei32(body, 24)
	if withTS {
		t.ExchangeTimestamp = be32(body, 28)
	}
	return t
}

func decodeQuote(body []byte) ticks.Tick {
	t := newTick(body, ticks.ModeQuote)
	t.LastTradedQty = be32(body, 8)
	t.AvgTradedPrice = bei32(body, 12)
	t.VolumeTraded = be32(body, 16)
	t.TotalBuyQty = be32(body, 20)
	t.TotalSellQty = be32(body, 24)
	t.OHLC = &ticks.OHLC{
		Open:  bei32(body, 28),
		High:  bei32(body, 32),
		Low:   bei32(body, 36),
		Close: bei32(body, 40),
	}
	return t
}

func decodeFull(body []byte) ticks.Tick {
	t := decodeQuote(body[:SizeQuote])
	t.Mode = ticks.ModeFull
	t.LastTradedTimestamp = be32(body, 44)
	t.OI = be32(body, 48)
	t.OIDayHigh = be32(body, 52)
	t.OIDayLow = be32(body, 56)
	t.ExchangeTimestamp = be32(body, 60)
	if t.OHLC.Close != 0 {
		t.NetChange = t.LastPrice - t.OHLC.Close
	}

	d := &ticks.Depth{}
	for i := 0; i < 5; i++ {
		d.Buy[i] = decodeDepthItem(body, fullHeaderSize+i*depthEntrySize)
		d.Sell[i] = decodeDepthItem(body, fullHeaderSize+(5+i)*depthEntrySize)
	}
	t.Depth = d
	return t
}

func decodeDepthItem(body []byte, off int) ticks.DepthItem {
	return ticks.DepthItem{
		Qty:    be32(body, off),
		Price:  bei32(body, off+4),
		Orders: binary.BigEndian.Uint16(body[off+8 : off+10]),
	}
}
