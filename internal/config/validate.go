package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/kite-stream/internal/multi"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// Validate checks that all required fields are set and values are valid.
func (c *GathererConfig) Validate() error {
	if len(c.Credentials) == 0 {
		return errors.New("at least one credential is required")
	}
	seen := make(map[string]struct{}, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("credentials[%d].id is required", i)
		}
		if _, dup := seen[cred.ID]; dup {
			return fmt.Errorf("credentials[%d].id %q is duplicated", i, cred.ID)
		}
		seen[cred.ID] = struct{}{}
		if cred.APIKey == "" {
			return fmt.Errorf("credentials[%d].api_key is required", i)
		}
		if cred.AccessToken == "" {
			return fmt.Errorf("credentials[%d].access_token is required", i)
		}
	}

	if !multi.Strategy(c.Strategy).Valid() {
		return fmt.Errorf("strategy must be %q or %q, got %q",
			multi.StrategyRoundRobin, multi.StrategyManual, c.Strategy)
	}

	for i, g := range c.Symbols {
		if len(g.Tokens) == 0 {
			return fmt.Errorf("symbols[%d].tokens is required", i)
		}
		if g.Mode != "" && !ticks.Mode(g.Mode).Valid() {
			return fmt.Errorf("symbols[%d].mode must be ltp, quote or full, got %q", i, g.Mode)
		}
		if g.Credential != "" {
			if _, ok := seen[g.Credential]; !ok {
				return fmt.Errorf("symbols[%d].credential %q is not configured", i, g.Credential)
			}
		} else if multi.Strategy(c.Strategy) == multi.StrategyManual {
			return fmt.Errorf("symbols[%d].credential is required under the manual strategy", i)
		}
	}

	if c.Stream.MaxConnections < 0 || c.Stream.MaxConnections > 3 {
		return fmt.Errorf("stream.max_connections must be between 1 and 3, got %d", c.Stream.MaxConnections)
	}
	if c.Stream.MaxSymbolsPerConnection < 0 || c.Stream.MaxSymbolsPerConnection > 3000 {
		return fmt.Errorf("stream.max_symbols_per_connection must be between 1 and 3000, got %d", c.Stream.MaxSymbolsPerConnection)
	}
	if c.Stream.DefaultMode != "" && !ticks.Mode(c.Stream.DefaultMode).Valid() {
		return fmt.Errorf("stream.default_mode must be ltp, quote or full, got %q", c.Stream.DefaultMode)
	}

	if err := c.Database.Timescale.validate("database.timescale"); err != nil {
		return err
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	return nil
}
