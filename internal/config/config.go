package config

import (
	"time"

	"github.com/rickgao/kite-stream/internal/manager"
	"github.com/rickgao/kite-stream/internal/multi"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// GathererConfig is the root configuration for a gatherer instance.
type GathererConfig struct {
	Instance    InstanceConfig     `yaml:"instance"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Strategy    string             `yaml:"strategy"`
	Symbols     []SymbolGroup      `yaml:"symbols"`
	Stream      StreamConfig       `yaml:"stream"`
	Database    DatabaseConfig     `yaml:"database"`
	Writer      WriterConfig       `yaml:"writer"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// SymbolGroup is one set of instrument tokens the gatherer subscribes on
// startup. Mode defaults to the stream default when empty; Credential pins
// the group to one credential and is required under the manual strategy.
type SymbolGroup struct {
	Tokens     []uint32 `yaml:"tokens"`
	Mode       string   `yaml:"mode"`
	Credential string   `yaml:"credential"`
}

// InstanceConfig identifies this gatherer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// CredentialConfig is one upstream credential set.
type CredentialConfig struct {
	ID          string `yaml:"id"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
}

// StreamConfig holds the WebSocket pool settings shared by every
// credential.
type StreamConfig struct {
	URL                     string        `yaml:"url"`
	MaxConnections          int           `yaml:"max_connections"`
	MaxSymbolsPerConnection int           `yaml:"max_symbols_per_connection"`
	ConnectionBufferSize    int           `yaml:"connection_buffer_size"`
	ParserBufferSize        int           `yaml:"parser_buffer_size"`
	RawBufferSize           int           `yaml:"raw_buffer_size"`
	ConnectionTimeout       time.Duration `yaml:"connection_timeout"`
	KeepaliveInterval       time.Duration `yaml:"keepalive_interval"`
	UnhealthyAfter          int           `yaml:"unhealthy_after"`
	ReconnectDelayInitial   time.Duration `yaml:"reconnect_delay_initial"`
	ReconnectDelayMax       time.Duration `yaml:"reconnect_delay_max"`
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
	EnableDedicatedParser   *bool         `yaml:"enable_dedicated_parser"`
	DefaultMode             string        `yaml:"default_mode"`
	RawOnly                 bool          `yaml:"raw_only"`
}

// DatabaseConfig holds the TimescaleDB connection for tick storage.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds tick batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds the metrics/health HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// MultiConfig builds the multi-credential manager config from the file.
func (c *GathererConfig) MultiConfig() multi.Config {
	base := manager.DefaultConfig("", "")
	s := c.Stream
	if s.URL != "" {
		base.URL = s.URL
	}
	if s.MaxConnections > 0 {
		base.MaxConnections = s.MaxConnections
	}
	if s.MaxSymbolsPerConnection > 0 {
		base.MaxSymbolsPerConnection = s.MaxSymbolsPerConnection
	}
	if s.ConnectionBufferSize > 0 {
		base.ConnectionBufferSize = s.ConnectionBufferSize
	}
	if s.ParserBufferSize > 0 {
		base.ParserBufferSize = s.ParserBufferSize
	}
	if s.RawBufferSize > 0 {
		base.RawBufferSize = s.RawBufferSize
	}
	if s.ConnectionTimeout > 0 {
		base.ConnectionTimeout = s.ConnectionTimeout
	}
	if s.KeepaliveInterval > 0 {
		base.KeepaliveInterval = s.KeepaliveInterval
	}
	if s.UnhealthyAfter > 0 {
		base.UnhealthyAfter = s.UnhealthyAfter
	}
	if s.ReconnectDelayInitial > 0 {
		base.ReconnectDelayInitial = s.ReconnectDelayInitial
	}
	if s.ReconnectDelayMax > 0 {
		base.ReconnectDelayMax = s.ReconnectDelayMax
	}
	if s.MaxReconnectAttempts > 0 {
		base.MaxReconnectAttempts = s.MaxReconnectAttempts
	}
	if s.EnableDedicatedParser != nil {
		base.EnableDedicatedParser = *s.EnableDedicatedParser
	}
	if m := ticks.Mode(s.DefaultMode); m.Valid() {
		base.DefaultMode = m
	}
	base.RawOnly = s.RawOnly

	mc := multi.Config{
		Strategy: multi.Strategy(c.Strategy),
		Base:     base,
	}
	for _, cred := range c.Credentials {
		mc.Credentials = append(mc.Credentials, multi.Credential{
			ID:          cred.ID,
			APIKey:      cred.APIKey,
			AccessToken: cred.AccessToken,
		})
	}
	return mc
}
