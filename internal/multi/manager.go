package multi

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kite-stream/internal/broadcast"
	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/manager"
	"github.com/rickgao/kite-stream/internal/stats"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// Manager federates one single-credential manager per credential set.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	order  []string
	groups map[string]*manager.Manager

	unified *broadcast.Broadcaster[TaggedMessage]

	mu          sync.Mutex
	tokenToCred map[uint32]string
	next        int // round-robin cursor over order
	started     bool

	cancelFwd context.CancelFunc
	fwdWG     sync.WaitGroup
}

// New creates a multi-credential manager.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if len(cfg.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		groups:      make(map[string]*manager.Manager, len(cfg.Credentials)),
		unified:     broadcast.New[TaggedMessage](cfg.UnifiedBufferSize),
		tokenToCred: make(map[uint32]string),
	}

	for _, cred := range cfg.Credentials {
		mc := cfg.Base
		mc.APIKey = cred.APIKey
		mc.AccessToken = cred.AccessToken
		m.order = append(m.order, cred.ID)
		m.groups[cred.ID] = manager.New(mc, logger.With("credential", cred.ID))
	}
	return m, nil
}

// Start opens every credential pool in parallel, then attaches one
// forwarder per (credential, connection) feeding the unified broadcast.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.order {
		grp := m.groups[id]
		g.Go(func() error { return grp.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	m.cancelFwd = cancel
	for _, id := range m.order {
		for connID, ch := range m.groups[id].AllChannels() {
			m.fwdWG.Add(1)
			go m.forward(fwdCtx, id, connID, ch)
		}
	}

	m.logger.Info("multi manager started",
		"credentials", len(m.order),
		"strategy", m.cfg.Strategy,
	)
	return nil
}

// forward copies one connection's parsed stream onto the unified
// broadcast, tagging each item. Drops happen inside the unified broadcast
// and never slow the source channel's worker.
func (m *Manager) forward(ctx context.Context, cred string, connID int, ch <-chan connection.Message) {
	defer m.fwdWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.unified.Publish(TaggedMessage{Credential: cred, ConnID: connID, Message: msg})
		}
	}
}

// Stop drains every pool and closes the unified broadcast.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, id := range m.order {
		grp := m.groups[id]
		g.Go(func() error { return grp.Stop(ctx) })
	}
	err := g.Wait()

	if m.cancelFwd != nil {
		m.cancelFwd()
	}
	m.fwdWG.Wait()
	m.unified.Close()

	m.logger.Info("multi manager stopped")
	return err
}

// Subscribe deals new tokens to credentials in arrival order (round-robin,
// skipping credentials at capacity). Under the manual strategy it is
// rejected. A capacity error surfaces when the credentials' combined free
// slots cannot hold every new token; no token is placed in that case.
func (m *Manager) Subscribe(tokens []uint32, mode ticks.Mode) error {
	if m.cfg.Strategy == StrategyManual {
		return ErrStrategyRequiresExplicit
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}

	fresh := make([]uint32, 0, len(tokens))
	seen := make(map[uint32]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, placed := m.tokenToCred[t]; !placed {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		m.mu.Unlock()
		return nil
	}

	// Dry-run against total free capacity so a failure leaves the global
	// map untouched, matching the per-credential managers.
	available := 0
	for _, id := range m.order {
		used, total := m.groups[id].Capacity()
		available += total - used
	}
	if len(fresh) > available {
		m.mu.Unlock()
		return &manager.CapacityError{Requested: len(fresh), Available: available}
	}

	assignment := make(map[string][]uint32)
	pending := make(map[string]int)
	for _, t := range fresh {
		id, ok := m.nextWithCapacityLocked(pending)
		if !ok {
			// Unreachable after the dry-run; bail without committing.
			m.mu.Unlock()
			return &manager.CapacityError{Requested: len(fresh), Available: available}
		}
		assignment[id] = append(assignment[id], t)
		pending[id]++
	}

	// Commit only once every token has a home.
	for id, toks := range assignment {
		for _, t := range toks {
			m.tokenToCred[t] = id
		}
	}
	m.mu.Unlock()

	for id, toks := range assignment {
		if err := m.groups[id].Subscribe(toks, mode); err != nil {
			m.mu.Lock()
			for _, t := range toks {
				delete(m.tokenToCred, t)
			}
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// nextWithCapacityLocked advances the round-robin cursor to a credential
// with at least one free slot, counting slots already claimed by the batch
// in flight. Callers hold m.mu.
func (m *Manager) nextWithCapacityLocked(pending map[string]int) (string, bool) {
	for range m.order {
		id := m.order[m.next%len(m.order)]
		m.next++
		used, total := m.groups[id].Capacity()
		if used+pending[id] < total {
			return id, true
		}
	}
	return "", false
}

// SubscribeTo places tokens on a named credential regardless of strategy.
func (m *Manager) SubscribeTo(credential string, tokens []uint32, mode ticks.Mode) error {
	grp, ok := m.groups[credential]
	if !ok {
		return &UnknownCredentialError{ID: credential}
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	fresh := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, placed := m.tokenToCred[t]; !placed {
			m.tokenToCred[t] = credential
			fresh = append(fresh, t)
		}
	}
	m.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	if err := grp.Subscribe(fresh, mode); err != nil {
		m.mu.Lock()
		for _, t := range fresh {
			delete(m.tokenToCred, t)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe routes removals to the owning credentials; unknown tokens
// are ignored.
func (m *Manager) Unsubscribe(tokens []uint32) error {
	m.mu.Lock()
	grouped := make(map[string][]uint32)
	for _, t := range tokens {
		if id, ok := m.tokenToCred[t]; ok {
			grouped[id] = append(grouped[id], t)
		}
	}
	m.mu.Unlock()

	for id, toks := range grouped {
		if err := m.groups[id].Unsubscribe(toks); err != nil {
			return err
		}
		m.mu.Lock()
		for _, t := range toks {
			delete(m.tokenToCred, t)
		}
		m.mu.Unlock()
	}
	return nil
}

// ChangeMode routes mode changes to the owning credentials.
func (m *Manager) ChangeMode(tokens []uint32, mode ticks.Mode) error {
	m.mu.Lock()
	grouped := make(map[string][]uint32)
	for _, t := range tokens {
		if id, ok := m.tokenToCred[t]; ok {
			grouped[id] = append(grouped[id], t)
		}
	}
	m.mu.Unlock()

	for id, toks := range grouped {
		if err := m.groups[id].ChangeMode(toks, mode); err != nil {
			return err
		}
	}
	return nil
}

// UnifiedChannel returns a new receiver over the credential-tagged stream.
func (m *Manager) UnifiedChannel() <-chan TaggedMessage {
	return m.unified.Subscribe()
}

// Channel returns a receiver on one credential's connection broadcast.
func (m *Manager) Channel(credential string, connID int) (<-chan connection.Message, error) {
	grp, ok := m.groups[credential]
	if !ok {
		return nil, &UnknownCredentialError{ID: credential}
	}
	return grp.Channel(connID)
}

// RawChannel returns a raw-frame receiver on one credential's connection.
func (m *Manager) RawChannel(credential string, connID int) (<-chan connection.RawFrame, error) {
	grp, ok := m.groups[credential]
	if !ok {
		return nil, &UnknownCredentialError{ID: credential}
	}
	return grp.RawChannel(connID)
}

// Credentials lists the configured credential ids in round-robin order.
func (m *Manager) Credentials() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// SymbolDistribution snapshots placement per credential per connection.
func (m *Manager) SymbolDistribution() map[string]map[int][]uint32 {
	out := make(map[string]map[int][]uint32, len(m.order))
	for _, id := range m.order {
		out[id] = m.groups[id].SymbolDistribution()
	}
	return out
}

// Stats aggregates snapshots across credentials.
func (m *Manager) Stats() Snapshot {
	snap := Snapshot{
		Credentials:    len(m.order),
		UnifiedDropped: m.unified.Dropped(),
		PerCredential:  make(map[string]CredentialSnapshot, len(m.order)),
	}
	for _, id := range m.order {
		grp := m.groups[id]
		cs := CredentialSnapshot{Stats: grp.Stats(), Health: grp.Health()}
		snap.TotalSymbols += cs.Stats.TotalSymbols
		snap.PerCredential[id] = cs
	}
	return snap
}

// Health reports liveness across all credentials' connections.
func (m *Manager) Health() stats.Health {
	var h stats.Health
	for _, id := range m.order {
		gh := m.groups[id].Health()
		h.HealthyConnections += gh.HealthyConnections
		h.TotalConnections += gh.TotalConnections
		h.UnhealthyIDs = append(h.UnhealthyIDs, gh.UnhealthyIDs...)
	}
	return h
}
