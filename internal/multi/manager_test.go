package multi

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/manager"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// mockServer accepts every connection, answers nothing, and can push a
// frame to all of them.
type mockServer struct {
	server *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	ms := &mockServer{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ms.mu.Lock()
		ms.conns = append(ms.conns, conn)
		ms.mu.Unlock()
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return ms
}

func (ms *mockServer) url() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http")
}

// pushAll writes a binary frame to every accepted connection.
func (ms *mockServer) pushAll(frame []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, c := range ms.conns {
		c.WriteMessage(websocket.BinaryMessage, frame)
	}
}

func ltpFrame(token uint32, price int32) []byte {
	frame := make([]byte, 2+2+8)
	binary.BigEndian.PutUint16(frame[0:2], 1)
	binary.BigEndian.PutUint16(frame[2:4], 8)
	binary.BigEndian.PutUint32(frame[4:8], token)
	binary.BigEndian.PutUint32(frame[8:12], uint32(price))
	return frame
}

func testMultiConfig(url string, strategy Strategy, symbolCap int) Config {
	base := manager.DefaultConfig("", "")
	base.URL = url
	base.MaxConnections = 1
	base.MaxSymbolsPerConnection = symbolCap
	base.KeepaliveInterval = 50 * time.Millisecond
	base.UnhealthyAfter = 20
	base.ReconnectDelayInitial = 20 * time.Millisecond
	base.StopGrace = 2 * time.Second

	return Config{
		Credentials: []Credential{
			{ID: "acct1", APIKey: "k1", AccessToken: "t1"},
			{ID: "acct2", APIKey: "k2", AccessToken: "t2"},
		},
		Strategy: strategy,
		Base:     base,
	}
}

func startMulti(t *testing.T, cfg Config) (*Manager, func()) {
	t.Helper()
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	}
}

func TestRoundRobinDistribution(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyRoundRobin, 100))
	defer stop()

	for _, tok := range []uint32{1, 2, 3, 4} {
		if err := m.Subscribe([]uint32{tok}, ticks.ModeLTP); err != nil {
			t.Fatalf("Subscribe(%d) failed: %v", tok, err)
		}
	}

	dist := m.SymbolDistribution()
	count := func(cred string) int {
		n := 0
		for _, tokens := range dist[cred] {
			n += len(tokens)
		}
		return n
	}
	if count("acct1") != 2 || count("acct2") != 2 {
		t.Errorf("distribution = %v, want 2 per credential", dist)
	}

	// Resubscribing an owned token is a no-op, not a re-deal.
	if err := m.Subscribe([]uint32{1}, ticks.ModeLTP); err != nil {
		t.Fatalf("re-Subscribe failed: %v", err)
	}
	if count("acct1")+count("acct2") != 4 {
		t.Error("duplicate subscribe changed placement")
	}
}

func TestManualStrategy(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyManual, 100))
	defer stop()

	if err := m.Subscribe([]uint32{1}, ticks.ModeLTP); err != ErrStrategyRequiresExplicit {
		t.Errorf("Subscribe error = %v, want ErrStrategyRequiresExplicit", err)
	}

	if err := m.SubscribeTo("acct2", []uint32{1, 2}, ticks.ModeQuote); err != nil {
		t.Fatalf("SubscribeTo failed: %v", err)
	}
	dist := m.SymbolDistribution()
	total := 0
	for _, tokens := range dist["acct2"] {
		total += len(tokens)
	}
	if total != 2 {
		t.Errorf("acct2 carries %d tokens, want 2", total)
	}

	var uc *UnknownCredentialError
	if err := m.SubscribeTo("nope", []uint32{3}, ticks.ModeLTP); !errors.As(err, &uc) {
		t.Errorf("error = %v, want *UnknownCredentialError", err)
	}
}

func TestCapacityAcrossCredentials(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	// One connection per credential, one symbol each: total capacity 2.
	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyRoundRobin, 1))
	defer stop()

	if err := m.Subscribe([]uint32{1, 2}, ticks.ModeLTP); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err := m.Subscribe([]uint32{3}, ticks.ModeLTP)
	var ce *manager.CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *manager.CapacityError", err)
	}
	if ce.Requested != 1 || ce.Available != 0 {
		t.Errorf("capacity detail = %+v", ce)
	}

	// The failed call must leave no phantom placement: once a slot frees
	// up, the same token subscribes for real.
	if err := m.Unsubscribe([]uint32{1}); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := m.Subscribe([]uint32{3}, ticks.ModeLTP); err != nil {
		t.Fatalf("Subscribe after freeing a slot failed: %v", err)
	}
	placed := false
	for _, perConn := range m.SymbolDistribution() {
		for _, tokens := range perConn {
			for _, tok := range tokens {
				if tok == 3 {
					placed = true
				}
			}
		}
	}
	if !placed {
		t.Error("token 3 not placed after retry; capacity failure left a phantom placement")
	}
}

func TestUnifiedChannelTagging(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyRoundRobin, 100))
	defer stop()

	unified := m.UnifiedChannel()
	ms.pushAll(ltpFrame(408065, 777))

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case tm, ok := <-unified:
			if !ok {
				t.Fatal("unified channel closed")
			}
			if tm.Message.Kind != connection.KindTicks {
				continue
			}
			if tm.Credential != "acct1" && tm.Credential != "acct2" {
				t.Fatalf("unknown credential tag %q", tm.Credential)
			}
			if tm.Message.Ticks[0].InstrumentToken != 408065 {
				t.Errorf("token = %d", tm.Message.Ticks[0].InstrumentToken)
			}
			seen[tm.Credential] = true
		case <-deadline:
			t.Fatalf("timed out; tagged credentials seen: %v", seen)
		}
	}
}

func TestUnsubscribeRoutesByOwner(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyRoundRobin, 100))
	defer stop()

	if err := m.Subscribe([]uint32{1, 2, 3, 4}, ticks.ModeLTP); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := m.Unsubscribe([]uint32{1, 2}); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	total := 0
	for _, perConn := range m.SymbolDistribution() {
		for _, tokens := range perConn {
			total += len(tokens)
		}
	}
	if total != 2 {
		t.Errorf("remaining tokens = %d, want 2", total)
	}

	// Unknown tokens are ignored.
	if err := m.Unsubscribe([]uint32{99}); err != nil {
		t.Errorf("Unsubscribe of unknown token failed: %v", err)
	}

	// ChangeMode on an owned token routes without error.
	if err := m.ChangeMode([]uint32{3}, ticks.ModeFull); err != nil {
		t.Errorf("ChangeMode failed: %v", err)
	}
}

func TestStatsAggregation(t *testing.T) {
	ms := newMockServer(t)
	defer ms.server.Close()

	m, stop := startMulti(t, testMultiConfig(ms.url(), StrategyRoundRobin, 100))
	defer stop()

	if err := m.Subscribe([]uint32{1, 2, 3}, ticks.ModeLTP); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	snap := m.Stats()
	if snap.Credentials != 2 {
		t.Errorf("Credentials = %d, want 2", snap.Credentials)
	}
	if snap.TotalSymbols != 3 {
		t.Errorf("TotalSymbols = %d, want 3", snap.TotalSymbols)
	}
	if len(snap.PerCredential) != 2 {
		t.Errorf("PerCredential entries = %d", len(snap.PerCredential))
	}

	h := m.Health()
	if h.TotalConnections != 2 || h.HealthyConnections != 2 {
		t.Errorf("health = %+v, want 2/2", h)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Strategy: StrategyRoundRobin}, nil); err != ErrNoCredentials {
		t.Errorf("error = %v, want ErrNoCredentials", err)
	}
}
