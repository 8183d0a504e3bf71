package multi

import (
	"errors"
	"fmt"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/manager"
	"github.com/rickgao/kite-stream/internal/stats"
)

// Strategy selects how auto-subscribed tokens are dealt to credentials.
type Strategy string

const (
	// StrategyRoundRobin deals tokens to credentials in arrival order,
	// wrapping around and skipping credentials at capacity.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyManual requires callers to name the credential via
	// SubscribeTo; the generic Subscribe is rejected.
	StrategyManual Strategy = "manual"
)

func (s Strategy) Valid() bool {
	return s == StrategyRoundRobin || s == StrategyManual
}

// Errors
var (
	ErrNoCredentials            = errors.New("no credentials configured")
	ErrStrategyRequiresExplicit = errors.New("manual strategy requires SubscribeTo with an explicit credential")
	ErrNotStarted               = errors.New("multi manager not started")
)

// UnknownCredentialError names a credential id that is not configured.
type UnknownCredentialError struct{ ID string }

func (e *UnknownCredentialError) Error() string {
	return fmt.Sprintf("unknown credential %q", e.ID)
}

// Credential is one (id, api_key, access_token) set.
type Credential struct {
	ID          string
	APIKey      string
	AccessToken string
}

// Config configures the multi-credential manager. Base carries every
// per-pool knob; its credential fields are overwritten per credential.
type Config struct {
	Credentials []Credential
	Strategy    Strategy

	Base manager.Config

	// UnifiedBufferSize bounds the unified broadcast; defaults to the
	// per-connection buffer size.
	UnifiedBufferSize int
}

// DefaultConfig returns a round-robin config over the given credentials.
func DefaultConfig(creds ...Credential) Config {
	return Config{
		Credentials: creds,
		Strategy:    StrategyRoundRobin,
		Base:        manager.DefaultConfig("", ""),
	}
}

func (c *Config) applyDefaults() {
	if !c.Strategy.Valid() {
		c.Strategy = StrategyRoundRobin
	}
	if c.UnifiedBufferSize <= 0 {
		c.UnifiedBufferSize = c.Base.ConnectionBufferSize
	}
	if c.UnifiedBufferSize <= 0 {
		c.UnifiedBufferSize = 10_000
	}
}

// TaggedMessage is one parsed item tagged with its origin.
type TaggedMessage struct {
	Credential string
	ConnID     int
	Message    connection.Message
}

// Snapshot aggregates stats across all credentials.
type Snapshot struct {
	Credentials    int
	TotalSymbols   int
	UnifiedDropped uint64
	PerCredential  map[string]CredentialSnapshot
}

// CredentialSnapshot pairs a credential with its pool snapshot.
type CredentialSnapshot struct {
	Stats  stats.ManagerSnapshot
	Health stats.Health
}
