package connection

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kite-stream/internal/stats"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// mockWSServer creates a test WebSocket server. The handler receives the
// 1-based index of each accepted connection.
func mockWSServer(t *testing.T, handler func(int, *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	count := 0

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		mu.Lock()
		count++
		id := count
		mu.Unlock()

		handler(id, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// testConfig returns a worker config with short timers for tests.
func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.APIKey = "key"
	cfg.AccessToken = "token"
	cfg.KeepaliveInterval = 50 * time.Millisecond
	cfg.UnhealthyAfter = 20
	cfg.ReconnectDelayInitial = 20 * time.Millisecond
	cfg.ReconnectDelayMax = 100 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

// ltpFrame builds a one-packet LTP frame.
func ltpFrame(token uint32, price int32) []byte {
	frame := make([]byte, 2+2+8)
	binary.BigEndian.PutUint16(frame[0:2], 1)
	binary.BigEndian.PutUint16(frame[2:4], 8)
	binary.BigEndian.PutUint32(frame[4:8], token)
	binary.BigEndian.PutUint32(frame[8:12], uint32(price))
	return frame
}

// wireRequest mirrors the control message shape for server-side asserts.
type wireRequest struct {
	A string          `json:"a"`
	V json.RawMessage `json:"v"`
}

func recvRequest(t *testing.T, ch <-chan wireRequest) wireRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return wireRequest{}
	}
}

func tokenSet(t *testing.T, raw json.RawMessage) map[uint32]bool {
	t.Helper()
	var toks []uint32
	if err := json.Unmarshal(raw, &toks); err != nil {
		t.Fatalf("unmarshal tokens %s: %v", raw, err)
	}
	set := make(map[uint32]bool, len(toks))
	for _, tok := range toks {
		set[tok] = true
	}
	return set
}

func TestWorker_StartStop(t *testing.T) {
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := w.Stats().State(); got != stats.StateOpen {
		t.Errorf("state after Start = %v, want open", got)
	}

	parsed := w.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := w.Stats().State(); got != stats.StateClosed {
		t.Errorf("state after Stop = %v, want closed", got)
	}

	// The parsed broadcast must close on Stop.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-parsed:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("parsed channel did not close")
		}
	}
}

func TestWorker_ReceivesTicks(t *testing.T) {
	ready := make(chan struct{})
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		<-ready
		conn.WriteMessage(websocket.BinaryMessage, ltpFrame(408065, 555))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	parsed := w.Subscribe()
	close(ready)

	msg := recvMessage(t, parsed, KindTicks)
	if len(msg.Ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(msg.Ticks))
	}
	if msg.Ticks[0].InstrumentToken != 408065 || msg.Ticks[0].LastPrice != 555 {
		t.Errorf("tick = %+v", msg.Ticks[0])
	}
}

func recvMessage(t *testing.T, ch <-chan Message, kind MessageKind) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatal("parsed channel closed while waiting")
			}
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v message", kind)
		}
	}
}

func stopWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Stop(ctx)
}

func TestWorker_AddSendsSubscribeThenMode(t *testing.T) {
	reqs := make(chan wireRequest, 16)
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			if json.Unmarshal(data, &req) == nil {
				reqs <- req
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	if err := w.Add([]uint32{256265, 408065}, ticks.ModeFull); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	sub := recvRequest(t, reqs)
	if sub.A != "subscribe" {
		t.Fatalf("first message action = %q, want subscribe", sub.A)
	}
	set := tokenSet(t, sub.V)
	if !set[256265] || !set[408065] {
		t.Errorf("subscribe tokens = %v", set)
	}

	mode := recvRequest(t, reqs)
	if mode.A != "mode" {
		t.Fatalf("second message action = %q, want mode", mode.A)
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(mode.V, &pair); err != nil || len(pair) != 2 {
		t.Fatalf("mode value = %s", mode.V)
	}
	var modeStr string
	json.Unmarshal(pair[0], &modeStr)
	if modeStr != "full" {
		t.Errorf("mode string = %q, want full", modeStr)
	}

	// Default-mode adds emit no mode message; an unsubscribe follows.
	if err := w.Add([]uint32{111}, ticks.ModeLTP); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Remove([]uint32{111}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := recvRequest(t, reqs); got.A != "subscribe" {
		t.Errorf("action = %q, want subscribe", got.A)
	}
	if got := recvRequest(t, reqs); got.A != "unsubscribe" {
		t.Errorf("action = %q, want unsubscribe (no mode message for default mode)", got.A)
	}
}

// Reader liveness: frames arriving before any consumer subscribes must not
// kill the worker.
func TestWorker_LiveWithoutReceivers(t *testing.T) {
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		for i := 0; i < 50; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, ltpFrame(1001, int32(i))); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	// No receiver attached. The reader must stay alive and keep counting.
	waitFor(t, 2*time.Second, func() bool {
		return w.Stats().Snapshot(time.Minute).Frames >= 50
	}, "reader did not consume frames without receivers")

	if got := w.Stats().State(); got != stats.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Reconnect restoration: after a forced drop, the full subscription set is
// replayed (subscribe plus mode where applicable) before anything else.
func TestWorker_ReconnectReplaysSubscriptions(t *testing.T) {
	type connLog struct {
		id  int
		req wireRequest
	}
	reqs := make(chan connLog, 32)
	server := mockWSServer(t, func(id int, conn *websocket.Conn) {
		msgs := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			if json.Unmarshal(data, &req) == nil {
				reqs <- connLog{id: id, req: req}
				msgs++
			}
			// Drop the first connection once its initial traffic arrived.
			if id == 1 && msgs == 3 {
				conn.Close()
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	// t1 in Full (non-default), t2 in default LTP.
	if err := w.Add([]uint32{1111}, ticks.ModeFull); err != nil {
		t.Fatalf("Add full failed: %v", err)
	}
	if err := w.Add([]uint32{2222}, ticks.ModeLTP); err != nil {
		t.Fatalf("Add ltp failed: %v", err)
	}

	// Connection 1 sees subscribe+mode+subscribe, then dies.
	var replayed []wireRequest
	deadline := time.After(5 * time.Second)
	for len(replayed) < 3 {
		select {
		case entry := <-reqs:
			if entry.id == 2 {
				replayed = append(replayed, entry.req)
			}
		case <-deadline:
			t.Fatalf("timed out; replay so far: %+v", replayed)
		}
	}

	if replayed[0].A != "subscribe" {
		t.Fatalf("replay[0] = %q, want subscribe", replayed[0].A)
	}
	set := tokenSet(t, replayed[0].V)
	if !set[1111] || !set[2222] {
		t.Errorf("replayed subscribe covers %v, want both tokens", set)
	}

	// Mode messages follow in ltp, quote, full order; both groups present.
	modes := map[string]map[uint32]bool{}
	for _, req := range replayed[1:] {
		if req.A != "mode" {
			t.Fatalf("replay message action = %q, want mode", req.A)
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(req.V, &pair); err != nil || len(pair) != 2 {
			t.Fatalf("mode value = %s", req.V)
		}
		var ms string
		json.Unmarshal(pair[0], &ms)
		modes[ms] = tokenSet(t, pair[1])
	}
	if !modes["full"][1111] {
		t.Errorf("replayed modes = %v, want full covering 1111", modes)
	}
	if !modes["ltp"][2222] {
		t.Errorf("replayed modes = %v, want ltp covering 2222", modes)
	}

	if got := w.Stats().Snapshot(time.Minute).Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestWorker_TerminalDisconnect(t *testing.T) {
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(wsURL(server))
	cfg.MaxReconnectAttempts = 2
	w := NewWorker(cfg, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	parsed := w.Subscribe()

	// Kill the server so every reconnect attempt fails.
	server.CloseClientConnections()
	server.Close()

	msg := recvMessage(t, parsed, KindError)
	if msg.Err == nil || !strings.Contains(msg.Err.Error(), ErrTerminalDisconnect.Error()) {
		t.Errorf("terminal error = %v", msg.Err)
	}

	// The broadcast closes after the terminal error.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-parsed:
			if !ok {
				if got := w.Stats().State(); got != stats.StateClosed {
					t.Errorf("state = %v, want closed", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("parsed channel did not close after terminal disconnect")
		}
	}
}

func TestWorker_ControlQueueBusy(t *testing.T) {
	cfg := testConfig("ws://unreachable.invalid")
	cfg.ControlQueueSize = 1
	w := NewWorker(cfg, nil)

	// No writer is draining the queue before Start; the second control
	// message must fail fast instead of blocking.
	if err := w.Add([]uint32{1}, ticks.ModeLTP); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := w.Add([]uint32{2}, ticks.ModeLTP); err != ErrWorkerBusy {
		t.Errorf("second Add error = %v, want ErrWorkerBusy", err)
	}
	// The rejected token is not recorded.
	if _, ok := w.Subscriptions()[2]; ok {
		t.Error("token recorded despite busy queue")
	}
}

func TestWorker_TextMessages(t *testing.T) {
	ready := make(chan struct{})
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		<-ready
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","data":{"note":"hello"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":"session expired"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	parsed := w.Subscribe()
	close(ready)

	text := recvMessage(t, parsed, KindText)
	if !strings.Contains(string(text.Text), "hello") {
		t.Errorf("text payload = %s", text.Text)
	}

	errMsg := recvMessage(t, parsed, KindError)
	if errMsg.Err == nil || !strings.Contains(errMsg.Err.Error(), "session expired") {
		t.Errorf("server error = %v", errMsg.Err)
	}
}

func TestWorker_RawTap(t *testing.T) {
	frame := ltpFrame(256265, 30000)
	ready := make(chan struct{})
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		<-ready
		conn.WriteMessage(websocket.BinaryMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.RawOnly = true
	w := NewWorker(cfg, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	raw := w.SubscribeRaw()
	parsed := w.Subscribe()
	close(ready)

	select {
	case got := <-raw:
		if len(got) != len(frame) {
			t.Errorf("raw frame length = %d, want %d", len(got), len(frame))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw frame")
	}

	// Raw-only mode suppresses parsing.
	select {
	case msg := <-parsed:
		t.Errorf("unexpected parsed message in raw-only mode: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFullRawSubscriber(t *testing.T) {
	full := make([]byte, 184)
	binary.BigEndian.PutUint32(full[0:4], 738561)
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, 2)
	// LTP packet first, then the full packet.
	ltp := ltpFrame(1, 2)[2:] // length header + body
	frame = append(frame, ltp...)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], 184)
	frame = append(frame, l[:]...)
	frame = append(frame, full...)

	ready := make(chan struct{})
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		<-ready
		conn.WriteMessage(websocket.BinaryMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	w := NewWorker(testConfig(wsURL(server)), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWorker(t, w)

	sub := NewFullRawSubscriber(w)
	close(ready)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(payload) != 184 {
		t.Fatalf("payload length = %d, want 184", len(payload))
	}
	if binary.BigEndian.Uint32(payload[0:4]) != 738561 {
		t.Errorf("payload token = %d, want 738561", binary.BigEndian.Uint32(payload[0:4]))
	}
}
