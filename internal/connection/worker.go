package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kite-stream/internal/broadcast"
	"github.com/rickgao/kite-stream/internal/codec"
	"github.com/rickgao/kite-stream/internal/protocol"
	"github.com/rickgao/kite-stream/internal/stats"
	"github.com/rickgao/kite-stream/internal/ticks"
)

// Worker owns one WebSocket session and its goroutines.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	st     *stats.Connection

	parsed *broadcast.Broadcaster[Message]
	raw    *broadcast.Broadcaster[RawFrame]

	ctrl   chan protocol.Request
	parseq chan RawFrame // nil unless the dedicated parser is enabled

	mu        sync.Mutex
	subs      map[uint32]ticks.Mode
	replaying bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewWorker creates a worker. Start must be called before it does anything.
func NewWorker(cfg Config, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:    cfg,
		logger: logger.With("conn_id", cfg.ID),
		st:     stats.NewConnection(cfg.ID),
		parsed: broadcast.New[Message](cfg.BufferSize),
		raw:    broadcast.New[RawFrame](cfg.RawBufferSize),
		ctrl:   make(chan protocol.Request, cfg.ControlQueueSize),
		subs:   make(map[uint32]ticks.Mode),
	}
	if cfg.DedicatedParser && !cfg.RawOnly {
		w.parseq = make(chan RawFrame, cfg.ParserBufferSize)
	}

	w.parsed.OnDrop = func() { w.st.AddDropped(1) }
	w.raw.OnDrop = func() { w.st.AddDropped(1) }

	return w
}

// ID returns the worker's connection id.
func (w *Worker) ID() int { return w.cfg.ID }

// Stats returns the shared stats handle.
func (w *Worker) Stats() *stats.Connection { return w.st }

// Subscribe returns a new receiver on the parsed broadcast.
func (w *Worker) Subscribe() <-chan Message { return w.parsed.Subscribe() }

// SubscribeRaw returns a new receiver on the raw-frame broadcast.
func (w *Worker) SubscribeRaw() <-chan RawFrame { return w.raw.Subscribe() }

// SymbolCount returns the size of the worker's subscription set.
func (w *Worker) SymbolCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Replaying reports whether the worker is re-emitting its subscription
// set after a reconnect.
func (w *Worker) Replaying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replaying
}

// Subscriptions returns a copy of the worker's subscription set.
func (w *Worker) Subscriptions() map[uint32]ticks.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[uint32]ticks.Mode, len(w.subs))
	for t, m := range w.subs {
		out[t] = m
	}
	return out
}

// Start connects and blocks until the first session is open or the
// reconnect budget is spent. The worker keeps running (reconnecting as
// needed) until Stop or terminal disconnect.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.st.SetState(stats.StateConnecting)

	if w.parseq != nil {
		w.wg.Add(1)
		go w.parseLoop()
	}

	first := make(chan error, 1)
	w.wg.Add(1)
	go w.run(first)

	select {
	case err := <-first:
		return err
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// Stop drains the worker: in-flight frames finish, goroutines exit within
// the context's grace, and the output broadcasts close.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return ErrNotStarted
	}
	w.st.SetState(stats.StateDraining)
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("drain grace expired, abandoning goroutines")
		err = ctx.Err()
	}

	w.closeOutputs()
	w.st.SetState(stats.StateClosed)
	return err
}

// Add appends tokens to the subscription set and enqueues the subscribe
// (and, for a non-default mode, the mode) control message. Tokens already
// subscribed are skipped.
func (w *Worker) Add(tokens []uint32, mode ticks.Mode) error {
	if !mode.Valid() {
		mode = w.cfg.DefaultMode
	}

	w.mu.Lock()
	fresh := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := w.subs[t]; !ok {
			fresh = append(fresh, t)
		}
	}
	w.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	if err := w.enqueue(protocol.Subscribe(fresh)); err != nil {
		return err
	}
	w.mu.Lock()
	for _, t := range fresh {
		w.subs[t] = mode
	}
	n := len(w.subs)
	w.mu.Unlock()
	w.st.SetSymbols(n)

	if mode != w.cfg.DefaultMode {
		if err := w.enqueue(protocol.SetMode(mode, fresh)); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops tokens from the subscription set and enqueues the
// unsubscribe. Tokens not subscribed are ignored.
func (w *Worker) Remove(tokens []uint32) error {
	w.mu.Lock()
	existing := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := w.subs[t]; ok {
			existing = append(existing, t)
		}
	}
	w.mu.Unlock()
	if len(existing) == 0 {
		return nil
	}

	if err := w.enqueue(protocol.Unsubscribe(existing)); err != nil {
		return err
	}
	w.mu.Lock()
	for _, t := range existing {
		delete(w.subs, t)
	}
	n := len(w.subs)
	w.mu.Unlock()
	w.st.SetSymbols(n)
	return nil
}

// ChangeMode updates the mode of already-subscribed tokens and enqueues
// the mode message. Tokens not subscribed are ignored.
func (w *Worker) ChangeMode(tokens []uint32, mode ticks.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}

	w.mu.Lock()
	existing := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := w.subs[t]; ok {
			existing = append(existing, t)
		}
	}
	w.mu.Unlock()
	if len(existing) == 0 {
		return nil
	}

	if err := w.enqueue(protocol.SetMode(mode, existing)); err != nil {
		return err
	}
	w.mu.Lock()
	for _, t := range existing {
		w.subs[t] = mode
	}
	w.mu.Unlock()
	return nil
}

// enqueue places a control message on the bounded outbound queue without
// blocking. A full queue surfaces as ErrWorkerBusy so callers can retry.
func (w *Worker) enqueue(req protocol.Request) error {
	select {
	case w.ctrl <- req:
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (w *Worker) closeOutputs() {
	w.closeOnce.Do(func() {
		w.parsed.Close()
		w.raw.Close()
	})
}

// run owns the connect/reconnect loop for the worker's whole life.
func (w *Worker) run(first chan<- error) {
	defer w.wg.Done()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	// attempts counts consecutive failures to establish a working session;
	// it resets on every successful open.
	attempts := 0
	delay := w.cfg.ReconnectDelayInitial

	backoff := func(cause error) bool {
		attempts++
		if attempts >= w.cfg.MaxReconnectAttempts {
			report(fmt.Errorf("%w: %v", ErrTerminalDisconnect, cause))
			w.terminal(cause)
			return false
		}
		w.st.SetState(stats.StateReconnecting)
		if !w.sleep(delay) {
			report(w.ctx.Err())
			return false
		}
		delay = nextDelay(delay, w.cfg.ReconnectDelayMax)
		return true
	}

	for {
		w.st.SetState(stats.StateConnecting)
		conn, err := w.dial()
		if err != nil {
			w.logger.Warn("connect failed",
				"attempt", attempts+1,
				"max", w.cfg.MaxReconnectAttempts,
				"error", err,
			)
			if !backoff(err) {
				return
			}
			continue
		}

		if err := w.replay(conn); err != nil {
			w.logger.Warn("subscription replay failed", "error", err)
			conn.Close()
			if !backoff(err) {
				return
			}
			continue
		}

		attempts = 0
		delay = w.cfg.ReconnectDelayInitial
		w.st.SetState(stats.StateOpen)
		w.st.Touch()
		w.logger.Info("websocket open", "url", w.cfg.URL)
		report(nil)

		err = w.session(conn)
		conn.Close()

		if w.ctx.Err() != nil {
			return // Stop drives the Draining → Closed transition
		}

		w.logger.Warn("session ended, reconnecting", "error", err)
		w.st.AddReconnect()
		w.st.SetState(stats.StateReconnecting)
		if !w.sleep(delay) {
			return
		}
		delay = nextDelay(delay, w.cfg.ReconnectDelayMax)
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

// sleep waits for d or until the worker context is cancelled; it reports
// whether the full delay elapsed.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.ctx.Done():
		return false
	}
}

// terminal emits the one-shot terminal error, closes the broadcasts, and
// releases the worker's remaining goroutines.
func (w *Worker) terminal(cause error) {
	w.logger.Error("terminal disconnect", "cause", cause)
	w.parsed.Publish(Message{
		Kind: KindError,
		Err:  fmt.Errorf("%w: %v", ErrTerminalDisconnect, cause),
	})
	w.closeOutputs()
	w.st.SetState(stats.StateClosed)
	w.cancel()
}

func (w *Worker) dial() (*websocket.Conn, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", w.cfg.APIKey)
	q.Set("access_token", w.cfg.AccessToken)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(w.ctx, w.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	conn.SetPongHandler(func(string) error {
		w.st.Touch()
		return nil
	})
	return conn, nil
}

// replay re-emits the entire current subscription set on a fresh
// connection, before the writer starts draining consumer control messages.
func (w *Worker) replay(conn *websocket.Conn) error {
	w.mu.Lock()
	w.replaying = true
	all := make([]uint32, 0, len(w.subs))
	byMode := make(map[ticks.Mode][]uint32)
	for t, m := range w.subs {
		all = append(all, t)
		byMode[m] = append(byMode[m], t)
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.replaying = false
		w.mu.Unlock()
	}()

	if len(all) == 0 {
		return nil
	}

	if err := w.writeRequest(conn, protocol.Subscribe(all)); err != nil {
		return err
	}
	for _, m := range []ticks.Mode{ticks.ModeLTP, ticks.ModeQuote, ticks.ModeFull} {
		if toks := byMode[m]; len(toks) > 0 {
			if err := w.writeRequest(conn, protocol.SetMode(m, toks)); err != nil {
				return err
			}
		}
	}

	w.logger.Info("replayed subscriptions", "symbols", len(all))
	return nil
}

func (w *Worker) writeRequest(conn *websocket.Conn, req protocol.Request) error {
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// session runs the reader and writer for one connection and returns the
// error that ended it.
func (w *Worker) session(conn *websocket.Conn) error {
	errc := make(chan error, 2)
	done := make(chan struct{})
	var sessionWG sync.WaitGroup

	sessionWG.Add(2)
	go func() {
		defer sessionWG.Done()
		w.readLoop(conn, errc)
	}()
	go func() {
		defer sessionWG.Done()
		w.writeLoop(conn, errc, done)
	}()

	var err error
	select {
	case err = <-errc:
	case <-w.ctx.Done():
		err = w.ctx.Err()
	}

	close(done)
	conn.Close() // unblocks the reader
	sessionWG.Wait()
	return err
}

// readLoop consumes upstream frames until the connection dies. It never
// exits because consumers are absent or slow: the broadcasts drop instead
// of blocking.
func (w *Worker) readLoop(conn *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				w.parsed.Publish(Message{
					Kind:   KindClosing,
					Reason: fmt.Sprintf("%d %s", ce.Code, ce.Text),
				})
			}
			select {
			case errc <- err:
			default:
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			w.st.AddFrame(len(data))
			if codec.HeartbeatFrame(data) {
				continue
			}
			w.raw.Publish(RawFrame(data))
			if w.cfg.RawOnly {
				continue
			}
			if w.parseq != nil {
				w.enqueueParse(RawFrame(data))
			} else {
				w.decodeAndPublish(data)
			}

		case websocket.TextMessage:
			w.st.Touch()
			w.handleText(data)
		}
	}
}

// enqueueParse hands a frame to the dedicated parser, evicting the oldest
// queued frame when the queue is full.
func (w *Worker) enqueueParse(frame RawFrame) {
	select {
	case w.parseq <- frame:
		return
	default:
	}
	select {
	case <-w.parseq:
		w.st.AddDropped(1)
	default:
	}
	select {
	case w.parseq <- frame:
	default:
		w.st.AddDropped(1)
	}
}

// parseLoop is the dedicated parser goroutine; it survives reconnects and
// exits with the worker.
func (w *Worker) parseLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.parseq:
			w.decodeAndPublish(frame)
		}
	}
}

func (w *Worker) decodeAndPublish(frame []byte) {
	decoded, errs := codec.DecodeFrame(frame)
	if len(decoded) > 0 {
		w.st.AddPackets(len(decoded))
		w.parsed.Publish(Message{Kind: KindTicks, Ticks: decoded})
	}
	for _, err := range errs {
		w.st.AddError()
		w.parsed.Publish(Message{Kind: KindError, Err: err})
	}
}

// handleText classifies non-tick server JSON. Error postbacks surface as
// stream errors; everything else is forwarded raw.
func (w *Worker) handleText(data []byte) {
	var tm textMessage
	if err := json.Unmarshal(data, &tm); err == nil && tm.Type == "error" {
		w.st.AddError()
		w.parsed.Publish(Message{
			Kind: KindError,
			Err:  fmt.Errorf("server error: %s", string(tm.Data)),
		})
		return
	}
	w.parsed.Publish(Message{Kind: KindText, Text: json.RawMessage(data)})
}

// writeLoop drains the control queue and sends keepalive pings. It also
// owns staleness detection: no frame or pong within the liveness threshold
// ends the session.
func (w *Worker) writeLoop(conn *websocket.Conn, errc chan<- error, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.KeepaliveInterval)
	defer ticker.Stop()

	fail := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return

		case req := <-w.ctrl:
			if err := w.writeRequest(conn, req); err != nil {
				fail(err)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				fail(err)
				return
			}
			if last := w.st.LastActivity(); !last.IsZero() &&
				time.Since(last) > w.cfg.LivenessThreshold() {
				fail(ErrStaleConnection)
				return
			}
		}
	}
}
