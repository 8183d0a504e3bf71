package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/stats"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// Manager owns the connection workers for one credential and the
// authoritative token → connection placement map.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	workers []*connection.Worker

	mu        sync.Mutex
	placement map[uint32]int // token → connection id
	counts    []int          // per-connection placement counts
	started   bool
}

// New creates a manager; Start opens the connections.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		placement: make(map[uint32]int),
		counts:    make([]int, cfg.MaxConnections),
	}
}

// Start creates the workers and opens them in parallel, returning once all
// are open or the first fails terminally.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.workers = make([]*connection.Worker, m.cfg.MaxConnections)
	for i := range m.workers {
		m.workers[i] = connection.NewWorker(m.cfg.workerConfig(i), m.logger)
	}
	m.started = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		w := w
		g.Go(func() error { return w.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Info("manager started", "connections", len(m.workers))
	return nil
}

// Stop drains every worker, waiting up to the configured grace each.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, w := range m.workers {
		w := w
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopGrace)
			defer cancel()
			return w.Stop(stopCtx)
		})
	}
	err := g.Wait()
	m.logger.Info("manager stopped")
	return err
}

// Subscribe places each new token on the least-loaded connection with
// capacity (ties break on the lowest connection id) and instructs the
// affected workers. Tokens already placed are skipped. When the pool
// cannot absorb every new token the call fails without placing any.
func (m *Manager) Subscribe(tokens []uint32, mode ticks.Mode) error {
	if !mode.Valid() {
		mode = m.cfg.DefaultMode
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
		if _, placed := m.placement[t]; !placed {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		m.mu.Unlock()
		return nil
	}

	// Dry-run the allocation so a capacity failure leaves the map intact.
	counts := make([]int, len(m.counts))
	copy(counts, m.counts)
	available := 0
	for _, c := range counts {
		available += m.cfg.MaxSymbolsPerConnection - c
	}
	if len(fresh) > available {
		m.mu.Unlock()
		return &CapacityError{Requested: len(fresh), Available: available}
	}

	assignment := make(map[int][]uint32, len(m.counts))
	for _, t := range fresh {
		id := leastLoaded(counts, m.cfg.MaxSymbolsPerConnection)
		counts[id]++
		assignment[id] = append(assignment[id], t)
	}

	// Commit.
	for id, toks := range assignment {
		for _, t := range toks {
			m.placement[t] = id
		}
	}
	copy(m.counts, counts)
	m.mu.Unlock()

	// Hand off to the workers outside the placement lock; Add only
	// enqueues on a bounded queue and cannot block on I/O.
	for id, toks := range assignment {
		if err := m.workers[id].Add(toks, mode); err != nil {
			m.rollback(toks)
			return err
		}
	}

	m.logger.Debug("subscribed", "tokens", len(fresh), "mode", mode)
	return nil
}

// leastLoaded returns the id of the connection with the fewest placements
// and spare capacity, lowest id first.
func leastLoaded(counts []int, limit int) int {
	best := -1
	for id, c := range counts {
		if c >= limit {
			continue
		}
		if best == -1 || c < counts[best] {
			best = id
		}
	}
	return best
}

// rollback removes tokens whose worker handoff failed.
func (m *Manager) rollback(tokens []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if id, ok := m.placement[t]; ok {
			delete(m.placement, t)
			m.counts[id]--
		}
	}
}

// Unsubscribe removes tokens, grouping the unsubscribes per connection.
// Unknown tokens are ignored, making the operation idempotent.
func (m *Manager) Unsubscribe(tokens []uint32) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	grouped := make(map[int][]uint32)
	for _, t := range tokens {
		if id, ok := m.placement[t]; ok {
			grouped[id] = append(grouped[id], t)
		}
	}
	m.mu.Unlock()

	for id, toks := range grouped {
		if err := m.workers[id].Remove(toks); err != nil {
			return err
		}
		m.mu.Lock()
		for _, t := range toks {
			if cur, ok := m.placement[t]; ok && cur == id {
				delete(m.placement, t)
				m.counts[id]--
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// ChangeMode updates the mode of placed tokens on their current
// connections without re-placing them.
func (m *Manager) ChangeMode(tokens []uint32, mode ticks.Mode) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	grouped := make(map[int][]uint32)
	for _, t := range tokens {
		if id, ok := m.placement[t]; ok {
			grouped[id] = append(grouped[id], t)
		}
	}
	m.mu.Unlock()

	for id, toks := range grouped {
		if err := m.workers[id].ChangeMode(toks, mode); err != nil {
			return err
		}
	}
	return nil
}

// Channel returns a new receiver on the parsed broadcast of connection id.
func (m *Manager) Channel(id int) (<-chan connection.Message, error) {
	if id < 0 || id >= len(m.workers) {
		return nil, ErrUnknownConn
	}
	return m.workers[id].Subscribe(), nil
}

// AllChannels returns a fresh receiver per connection, indexed by
// connection id.
func (m *Manager) AllChannels() []<-chan connection.Message {
	out := make([]<-chan connection.Message, len(m.workers))
	for i, w := range m.workers {
		out[i] = w.Subscribe()
	}
	return out
}

// RawChannel returns a new receiver on the raw-frame broadcast of
// connection id.
func (m *Manager) RawChannel(id int) (<-chan connection.RawFrame, error) {
	if id < 0 || id >= len(m.workers) {
		return nil, ErrUnknownConn
	}
	return m.workers[id].SubscribeRaw(), nil
}

// SymbolDistribution snapshots the placement map grouped by connection id.
// Token lists are sorted for reproducible output.
func (m *Manager) SymbolDistribution() map[int][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]uint32, len(m.counts))
	for t, id := range m.placement {
		out[id] = append(out[id], t)
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i] < out[id][j] })
	}
	return out
}

// SymbolCount returns the number of placed tokens.
func (m *Manager) SymbolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placement)
}

// Capacity returns used and total subscription slots across the pool.
func (m *Manager) Capacity() (used, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counts {
		used += c
	}
	return used, len(m.counts) * m.cfg.MaxSymbolsPerConnection
}

// Connections returns the number of workers in the pool.
func (m *Manager) Connections() int { return len(m.workers) }

// Stats aggregates per-connection counters.
func (m *Manager) Stats() stats.ManagerSnapshot {
	return stats.Aggregate(m.statHandles(), m.cfg.LivenessThreshold())
}

// Health summarizes worker liveness.
func (m *Manager) Health() stats.Health {
	return stats.AggregateHealth(m.statHandles(), m.cfg.LivenessThreshold())
}

func (m *Manager) statHandles() []*stats.Connection {
	out := make([]*stats.Connection, len(m.workers))
	for i, w := range m.workers {
		out[i] = w.Stats()
	}
	return out
}

// LivenessThreshold mirrors the worker staleness window for health checks.
func (c Config) LivenessThreshold() time.Duration {
	return time.Duration(c.UnhealthyAfter) * c.KeepaliveInterval
}
