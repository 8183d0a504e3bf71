package stats

import (
	"testing"
	"time"
)

func TestHealthyDerivation(t *testing.T) {
	c := NewConnection(0)

	if c.Healthy(time.Minute) {
		t.Error("fresh connection must not be healthy")
	}

	c.SetState(StateOpen)
	if c.Healthy(time.Minute) {
		t.Error("open connection with no activity must not be healthy")
	}

	c.Touch()
	if !c.Healthy(time.Minute) {
		t.Error("open connection with recent activity must be healthy")
	}

	c.SetState(StateReconnecting)
	if c.Healthy(time.Minute) {
		t.Error("reconnecting connection must not be healthy")
	}

	c.SetState(StateOpen)
	if !c.Healthy(time.Minute) {
		t.Error("reopened connection with recent activity must be healthy")
	}
	if c.Healthy(0) {
		t.Error("zero threshold must mark any activity stale")
	}
}

func TestSnapshotCounters(t *testing.T) {
	c := NewConnection(2)
	c.SetState(StateOpen)
	c.AddFrame(100)
	c.AddFrame(50)
	c.AddPackets(7)
	c.AddError()
	c.AddDropped(3)
	c.AddReconnect()
	c.SetSymbols(42)

	s := c.Snapshot(time.Minute)
	if s.ID != 2 {
		t.Errorf("ID = %d, want 2", s.ID)
	}
	if s.Frames != 2 || s.Bytes != 150 {
		t.Errorf("frames/bytes = %d/%d, want 2/150", s.Frames, s.Bytes)
	}
	if s.Packets != 7 || s.Errors != 1 || s.Dropped != 3 || s.Reconnects != 1 {
		t.Errorf("counters = %+v", s)
	}
	if s.Symbols != 42 {
		t.Errorf("Symbols = %d, want 42", s.Symbols)
	}
	if !s.Healthy {
		t.Error("snapshot should be healthy")
	}
}

func TestAggregate(t *testing.T) {
	a := NewConnection(0)
	b := NewConnection(1)
	a.SetState(StateOpen)
	a.Touch()
	a.AddFrame(10)
	a.SetSymbols(5)
	b.AddFrame(20)
	b.SetSymbols(3)

	conns := []*Connection{a, b}
	agg := Aggregate(conns, time.Minute)
	if agg.TotalSymbols != 8 {
		t.Errorf("TotalSymbols = %d, want 8", agg.TotalSymbols)
	}
	if agg.Frames != 2 || agg.Bytes != 30 {
		t.Errorf("frames/bytes = %d/%d", agg.Frames, agg.Bytes)
	}
	if len(agg.Connections) != 2 {
		t.Fatalf("connection snapshots = %d", len(agg.Connections))
	}

	h := AggregateHealth(conns, time.Minute)
	if h.HealthyConnections != 1 || h.TotalConnections != 2 {
		t.Errorf("health = %+v", h)
	}
	if len(h.UnhealthyIDs) != 1 || h.UnhealthyIDs[0] != 1 {
		t.Errorf("UnhealthyIDs = %v, want [1]", h.UnhealthyIDs)
	}
	if !h.Degraded() || h.Critical() {
		t.Error("one of two healthy should read degraded, not critical")
	}
}
