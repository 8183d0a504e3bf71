package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// MaxConnections is the upstream's cap on concurrent connections per
// credential.
const MaxConnections = 3

// Errors
var (
	ErrNotStarted     = errors.New("manager not started")
	ErrAlreadyStarted = errors.New("manager already started")
	ErrUnknownConn    = errors.New("unknown connection id")
)

// CapacityError reports a subscribe request that no connection pool slot
// could absorb. The placement map is left untouched.
type CapacityError struct {
	Requested int // tokens that needed placement
	Available int // free slots across all connections
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d new tokens requested, %d slots available", e.Requested, e.Available)
}

// Shortfall is the number of tokens that could not be placed.
func (e *CapacityError) Shortfall() int { return e.Requested - e.Available }

// Config configures a single-credential manager.
type Config struct {
	APIKey      string
	AccessToken string
	URL         string

	MaxConnections          int // 1..3
	MaxSymbolsPerConnection int // 1..3000

	ConnectionBufferSize int
	ParserBufferSize     int
	RawBufferSize        int
	ControlQueueSize     int

	ConnectionTimeout time.Duration
	KeepaliveInterval time.Duration
	UnhealthyAfter    int

	ReconnectDelayInitial time.Duration
	ReconnectDelayMax     time.Duration
	MaxReconnectAttempts  int

	EnableDedicatedParser bool
	DefaultMode           ticks.Mode
	RawOnly               bool

	StopGrace time.Duration
}

// DefaultConfig returns the documented defaults for the given credentials.
func DefaultConfig(apiKey, accessToken string) Config {
	wc := connection.DefaultConfig()
	return Config{
		APIKey:                  apiKey,
		AccessToken:             accessToken,
		URL:                     wc.URL,
		MaxConnections:          MaxConnections,
		MaxSymbolsPerConnection: 3000,
		ConnectionBufferSize:    wc.BufferSize,
		ParserBufferSize:        wc.ParserBufferSize,
		RawBufferSize:           wc.RawBufferSize,
		ControlQueueSize:        wc.ControlQueueSize,
		ConnectionTimeout:       wc.ConnectTimeout,
		KeepaliveInterval:       wc.KeepaliveInterval,
		UnhealthyAfter:          wc.UnhealthyAfter,
		ReconnectDelayInitial:   wc.ReconnectDelayInitial,
		ReconnectDelayMax:       wc.ReconnectDelayMax,
		MaxReconnectAttempts:    wc.MaxReconnectAttempts,
		EnableDedicatedParser:   wc.DedicatedParser,
		DefaultMode:             wc.DefaultMode,
		StopGrace:               5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.APIKey, c.AccessToken)
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxConnections > MaxConnections {
		c.MaxConnections = MaxConnections
	}
	if c.MaxSymbolsPerConnection <= 0 {
		c.MaxSymbolsPerConnection = d.MaxSymbolsPerConnection
	}
	if c.MaxSymbolsPerConnection > 3000 {
		c.MaxSymbolsPerConnection = 3000
	}
	if c.ConnectionBufferSize <= 0 {
		c.ConnectionBufferSize = d.ConnectionBufferSize
	}
	if c.ParserBufferSize <= 0 {
		c.ParserBufferSize = d.ParserBufferSize
	}
	if c.RawBufferSize <= 0 {
		c.RawBufferSize = d.RawBufferSize
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = d.ControlQueueSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
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
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
}

// workerConfig derives the worker config for connection id.
func (c Config) workerConfig(id int) connection.Config {
	return connection.Config{
		URL:                   c.URL,
		APIKey:                c.APIKey,
		AccessToken:           c.AccessToken,
		ID:                    id,
		BufferSize:            c.ConnectionBufferSize,
		RawBufferSize:         c.RawBufferSize,
		ParserBufferSize:      c.ParserBufferSize,
		ControlQueueSize:      c.ControlQueueSize,
		ConnectTimeout:        c.ConnectionTimeout,
		KeepaliveInterval:     c.KeepaliveInterval,
		UnhealthyAfter:        c.UnhealthyAfter,
		ReconnectDelayInitial: c.ReconnectDelayInitial,
		ReconnectDelayMax:     c.ReconnectDelayMax,
		MaxReconnectAttempts:  c.MaxReconnectAttempts,
		DedicatedParser:       c.EnableDedicatedParser,
		RawOnly:               c.RawOnly,
		DefaultMode:           c.DefaultMode,
	}
}
