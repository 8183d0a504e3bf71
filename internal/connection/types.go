package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/kite-stream/internal/ticks"
)

// Errors
var (
	ErrNotStarted         = errors.New("worker not started")
	ErrWorkerBusy         = errors.New("control queue full")
	ErrStaleConnection    = errors.New("connection stale (missed keepalives)")
	ErrTerminalDisconnect = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("stream closed")
)

// RawFrame is one complete upstream binary frame. It is shared with every
// raw-tap subscriber and must be treated as immutable.
type RawFrame []byte

// MessageKind discriminates items on the parsed broadcast.
type MessageKind int

const (
	KindTicks MessageKind = iota + 1
	KindError
	KindClosing
	KindText
)

func (k MessageKind) String() string {
	switch k {
	case KindTicks:
		return "ticks"
	case KindError:
		return "error"
	case KindClosing:
		return "closing"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Message is one item on the parsed broadcast. Exactly the field matching
// Kind is meaningful.
type Message struct {
	Kind MessageKind

	Ticks  []ticks.Tick    // KindTicks
	Err    error           // KindError
	Reason string          // KindClosing
	Text   json.RawMessage // KindText: raw server JSON
}

// textMessage is the wire shape of non-tick server JSON.
type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Config configures a single connection worker.
type Config struct {
	URL         string // base WebSocket URL, credentials appended as query params
	APIKey      string
	AccessToken string

	ID int // connection id within the pool, immutable

	BufferSize       int // parsed broadcast capacity
	RawBufferSize    int // raw broadcast capacity
	ParserBufferSize int // dedicated parser queue capacity
	ControlQueueSize int // outbound control queue capacity

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	UnhealthyAfter    int // missed keepalive intervals before declaring stale

	ReconnectDelayInitial time.Duration
	ReconnectDelayMax     time.Duration
	MaxReconnectAttempts  int

	DedicatedParser bool
	RawOnly         bool
	DefaultMode     ticks.Mode

	WriteTimeout time.Duration
}

// DefaultConfig returns the documented defaults for a worker.
func DefaultConfig() Config {
	return Config{
		URL:                   "wss://ws.kite.trade",
		BufferSize:            10_000,
		RawBufferSize:         10_000,
		ParserBufferSize:      20_000,
		ControlQueueSize:      1024,
		ConnectTimeout:        30 * time.Second,
		KeepaliveInterval:     5 * time.Second,
		UnhealthyAfter:        3,
		ReconnectDelayInitial: time.Second,
		ReconnectDelayMax:     32 * time.Second,
		MaxReconnectAttempts:  5,
		DedicatedParser:       true,
		DefaultMode:           ticks.ModeLTP,
		WriteTimeout:          5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.RawBufferSize <= 0 {
		c.RawBufferSize = d.RawBufferSize
	}
	if c.ParserBufferSize <= 0 {
		c.ParserBufferSize = d.ParserBufferSize
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = d.ControlQueueSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = d.UnhealthyAfter
	}
	if c.ReconnectDelayInitial <= 0 {
		c.ReconnectDelayInitial = d.ReconnectDelayInitial
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = d.ReconnectDelayMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if !c.DefaultMode.Valid() {
		c.DefaultMode = d.DefaultMode
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// LivenessThreshold is the window without frames or pongs after which the
// connection counts as stale.
func (c Config) LivenessThreshold() time.Duration {
	return time.Duration(c.UnhealthyAfter) * c.KeepaliveInterval
}
