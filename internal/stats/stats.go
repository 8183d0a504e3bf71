package stats

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a connection worker.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDraining
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection holds the live counters for one connection worker. All fields
// are updated atomically; the zero value is not usable, use NewConnection.
type Connection struct {
	id int

	state        atomic.Int32
	frames       atomic.Uint64
	packets      atomic.Uint64
	bytes        atomic.Uint64
	errs         atomic.Uint64
	dropped      atomic.Uint64
	reconnects   atomic.Uint64
	symbols      atomic.Int64
	lastActivity atomic.Int64 // Unix nanos; 0 = never
}

// NewConnection creates a stats handle for the given connection id.
func NewConnection(id int) *Connection {
	return &Connection{id: id}
}

func (c *Connection) ID() int { return c.id }

func (c *Connection) SetState(s State) { c.state.Store(int32(s)) }
func (c *Connection) State() State     { return State(c.state.Load()) }

// Touch records activity (a frame or pong) at the current time.
func (c *Connection) Touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the last activity time, zero if none yet.
func (c *Connection) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Connection) AddFrame(bytes int) {
	c.frames.Add(1)
	c.bytes.Add(uint64(bytes))
	c.Touch()
}

func (c *Connection) AddPackets(n int) { c.packets.Add(uint64(n)) }
func (c *Connection) AddError() { c.errs.Add(1) }
func (c *Connection) AddDropped(n int) { c.dropped.Add(uint64(n)) }
func (c *Connection) AddReconnect() { c.reconnects.Add(1) }
func (c *Connection) SetSymbols(n int) { c.symbols.Store(int64(n)) }

// Healthy reports whether the connection is open and has seen activity
// within threshold.
func (c *Connection) Healthy(threshold time.Duration) bool {
	if c.State() != StateOpen {
		return false
	}
	last := c.LastActivity()
	if last.IsZero() {
		return false
	}
	return time.Since(last) <= threshold
}

// Snapshot is a point-in-time copy of a connection's counters.
type Snapshot struct {
	ID           int
	State        State
	Healthy      bool
	Symbols      int
	Frames       uint64
	Packets      uint64
	Bytes        uint64
	Errors       uint64
	Dropped      uint64
	Reconnects   uint64
	LastActivity time.Time
}

// Snapshot captures the current counters, deriving health against the
// given threshold.
func (c *Connection) Snapshot(threshold time.Duration) Snapshot {
	return Snapshot{
		ID:           c.id,
		State:        c.State(),
		Healthy:      c.Healthy(threshold),
		Symbols:      int(c.symbols.Load()),
		Frames:       c.frames.Load(),
		Packets:      c.packets.Load(),
		Bytes:        c.bytes.Load(),
		Errors:       c.errs.Load(),
		Dropped:      c.dropped.Load(),
		Reconnects:   c.reconnects.Load(),
		LastActivity: c.LastActivity(),
	}
}

// ManagerSnapshot aggregates connection snapshots for one credential.
type ManagerSnapshot struct {
	TotalSymbols int
	Frames       uint64
	Packets      uint64
	Bytes        uint64
	Errors       uint64
	Dropped      uint64
	Reconnects   uint64
	Connections  []Snapshot
}

// Health summarizes liveness across a set of connections.
type Health struct {
	HealthyConnections int
	TotalConnections   int
	UnhealthyIDs       []int
}

// Degraded reports whether some but not all connections are unhealthy.
func (h Health) Degraded() bool {
	return len(h.UnhealthyIDs) > 0 && h.HealthyConnections > 0
}

// Critical reports whether no connection is healthy.
func (h Health) Critical() bool { return h.HealthyConnections == 0 }

// Aggregate combines connection stats into a manager-level snapshot.
func Aggregate(conns []*Connection, threshold time.Duration) ManagerSnapshot {
	var agg ManagerSnapshot
	for _, c := range conns {
		s := c.Snapshot(threshold)
		agg.TotalSymbols += s.Symbols
		agg.Frames += s.Frames
		agg.Packets += s.Packets
		agg.Bytes += s.Bytes
		agg.Errors += s.Errors
		agg.Dropped += s.Dropped
		agg.Reconnects += s.Reconnects
		agg.Connections = append(agg.Connections, s)
	}
	return agg
}

// AggregateHealth derives a Health summary from connection stats.
func AggregateHealth(conns []*Connection, threshold time.Duration) Health {
	h := Health{TotalConnections: len(conns)}
	for _, c := range conns {
		if c.Healthy(threshold) {
			h.HealthyConnections++
		} else {
			h.UnhealthyIDs = append(h.UnhealthyIDs, c.ID())
		}
	}
	return h
}
