package ticks

// OHLC holds the day's open/high/low/close as raw scaled prices.
type OHLC struct {
	Open  int32
	High  int32
	Low   int32
	Close int32
}

// DepthItem is one level of market depth.
type DepthItem struct {
	Qty    uint32
	Price  int32 // raw scaled
	Orders uint16
}

// Depth holds the five best bids and offers from a Full packet.
type Depth struct {
	Buy  [5]DepthItem
	Sell [5]DepthItem
}

// Tick is one decoded market-data update. Which fields are populated
// depends on Mode: LTP fills only the token and LastPrice; Quote adds
// volume, quantities and OHLC; Full adds timestamps, open interest and
// depth. Index ticks never carry quantities or depth.
type Tick struct {
	Mode            Mode
	InstrumentToken uint32
	Exchange        Exchange
	IsIndex         bool
	IsTradable      bool

	LastPrice      int32
	LastTradedQty  uint32
	AvgTradedPrice int32
	VolumeTraded   uint32
	TotalBuyQty    uint32
	TotalSellQty   uint32

	OHLC  *OHLC
	Depth *Depth

	// NetChange is last price minus close in raw scaled units, computed for
	// Full packets only (zero when the close is zero). LTP and Quote ticks
	// leave it zero; index packets carry it directly on the wire.
	NetChange int32

	LastTradedTimestamp uint32 // Unix seconds
	ExchangeTimestamp   uint32 // Unix seconds

	OI        uint32
	OIDayHigh uint32
	OIDayLow  uint32
}
