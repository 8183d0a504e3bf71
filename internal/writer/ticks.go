package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kite-stream/internal/connection"
	"github.com/rickgao/kite-stream/internal/multi"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible writer defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// tickRow is one row of the ticks hypertable.
type tickRow struct {
	Credential string
	ConnID     int
	Token      int64
	Mode       string
	LastPrice  int64
	Volume     int64
	OI         int64
	ExchangeTS time.Time
	ReceivedAt time.Time
}

var tickColumns = []string{
	"credential", "conn_id", "instrument_token", "mode",
	"last_price", "volume", "oi", "exchange_ts", "received_at",
}

// TickWriter batches ticks from the unified stream into TimescaleDB.
type TickWriter struct {
	cfg    Config
	logger *slog.Logger

	input <-chan multi.TaggedMessage
	db    *pgxpool.Pool

	batchMu sync.Mutex
	batch   []tickRow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written atomic.Uint64
	flushes atomic.Uint64
	errors  atomic.Uint64
}

// NewTickWriter creates a writer over the unified stream.
func NewTickWriter(cfg Config, input <-chan multi.TaggedMessage, db *pgxpool.Pool, logger *slog.Logger) *TickWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TickWriter{
		cfg:    cfg,
		logger: logger,
		input:  input,
		db:     db,
		batch:  make([]tickRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming messages and writing to the database.
func (w *TickWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("tick writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop flushes the remaining batch and shuts down.
func (w *TickWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping tick writer")
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer shutdown timeout")
	}

	w.flush(ctx)
	return nil
}

// Written returns the number of rows written.
func (w *TickWriter) Written() uint64 { return w.written.Load() }

func (w *TickWriter) consumeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-w.input:
			if !ok {
				return
			}
			rows := rowsFrom(msg, time.Now())
			if len(rows) == 0 {
				continue
			}
			if w.add(rows) {
				w.flush(w.ctx)
			}
		}
	}
}

// rowsFrom converts a tagged tick batch to table rows. Non-tick messages
// yield nothing.
func rowsFrom(msg multi.TaggedMessage, now time.Time) []tickRow {
	if msg.Message.Kind != connection.KindTicks {
		return nil
	}
	rows := make([]tickRow, 0, len(msg.Message.Ticks))
	for _, t := range msg.Message.Ticks {
		rows = append(rows, tickRow{
			Credential: msg.Credential,
			ConnID:     msg.ConnID,
			Token:      int64(t.InstrumentToken),
			Mode:       string(t.Mode),
			LastPrice:  int64(t.LastPrice),
			Volume:     int64(t.VolumeTraded),
			OI:         int64(t.OI),
			ExchangeTS: time.Unix(int64(t.ExchangeTimestamp), 0).UTC(),
			ReceivedAt: now,
		})
	}
	return rows
}

// add appends rows and reports whether the batch is due for a flush.
func (w *TickWriter) add(rows []tickRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, rows...)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *TickWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes the current batch with CopyFrom. A failed flush drops the
// batch after counting it; ticks are not worth retry amplification.
func (w *TickWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]tickRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	copyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	n, err := w.db.CopyFrom(
		copyCtx,
		pgx.Identifier{"ticks"},
		tickColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			r := batch[i]
			return []any{
				r.Credential, r.ConnID, r.Token, r.Mode,
				r.LastPrice, r.Volume, r.OI, r.ExchangeTS, r.ReceivedAt,
			}, nil
		}),
	)
	if err != nil {
		w.errors.Add(1)
		w.logger.Error("copy ticks failed", "rows", len(batch), "error", err)
		return
	}

	w.written.Add(uint64(n))
	w.flushes.Add(1)
	w.logger.Debug("flushed ticks", "rows", n)
}
