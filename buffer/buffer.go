// Package buffer batches rows bound for the backend. Producers enqueue without blocking; a
// flush groups rows by (table, conflict key) and writes each group in one statement, on a
// timer or when the buffer reaches its size threshold. Rows of a failed group are
// re-enqueued while the buffer stays under twice the threshold; past that ceiling they go to
// an optional spill store or are dropped.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/castwatch/telemetry"
)

// Row is one record keyed by column name.
type Row map[string]any

// Item is one buffered write.
type Item struct {
	Table string
	Row   Row
	// ConflictKey is a comma separated column list; when set the write ignores duplicates.
	ConflictKey string
}

// Writer performs one grouped write. With a conflict key, rows that collide are skipped.
type Writer interface {
	Write(ctx context.Context, table, conflictKey string, rows []Row) error
}

// Spill keeps overflow rows on local disk until the backend accepts writes again.
type Spill interface {
	Put(ctx context.Context, items []Item) error
	// Pending returns up to limit spilled items with their ids, oldest first.
	Pending(ctx context.Context, limit int) ([]SpilledItem, error)
	Delete(ctx context.Context, ids []int64) error
	Close() error
}

// SpilledItem is an item read back from a Spill.
type SpilledItem struct {
	ID int64
	Item
}

// Options configures a Buffer.
type Options struct {
	Writer        Writer
	Spill         Spill
	MaxSize       int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Buffer is safe for concurrent use.
type Buffer struct {
	w        Writer
	spill    Spill
	maxSize  int
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	items  []Item
	closed bool

	flushMu sync.Mutex
	kick    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
}

// New builds a buffer. MaxSize defaults to 500 and FlushInterval to 30s.
func New(opts Options) *Buffer {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Buffer{
		w:        opts.Writer,
		spill:    opts.Spill,
		maxSize:  opts.MaxSize,
		interval: opts.FlushInterval,
		log:      lg.With(slog.String("component", "buffer")),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue adds a row. It never blocks on I/O; reaching MaxSize wakes the flush loop.
func (b *Buffer) Enqueue(table string, row Row, conflictKey string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn("enqueue after close dropped", slog.String("table", table))
		telemetry.AddDroppedRows(table, 1)
		return
	}
	b.items = append(b.items, Item{Table: table, Row: row, ConflictKey: conflictKey})
	n := len(b.items)
	b.mu.Unlock()
	telemetry.SetBufferDepth(n)
	if n >= b.maxSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of rows waiting in memory.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Start runs the flush loop until ctx is done or Close is called.
func (b *Buffer) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.loop(ctx)
		b.log.Info("batch flush started",
			slog.Duration("interval", b.interval),
			slog.Int("max_size", b.maxSize))
	})
}

func (b *Buffer) loop(ctx context.Context) {
	defer close(b.done)
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-t.C:
		case <-b.kick:
		}
		if err := b.Flush(ctx); err != nil {
			b.log.Warn("flush incomplete", slog.Any("err", err))
		}
	}
}

// Close refuses further rows, performs one final synchronous flush and stops the loop. It
// is idempotent; only the first call flushes.
func (b *Buffer) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		started := b.started
		b.mu.Unlock()

		err = b.Flush(ctx)
		close(b.stop)
		if started {
			select {
			case <-b.done:
			case <-ctx.Done():
			}
		}
		if b.spill != nil {
			if cerr := b.spill.Close(); cerr != nil {
				b.log.Warn("close spill store", slog.Any("err", cerr))
			}
		}
		if pending := b.Len(); pending > 0 {
			b.log.Warn("rows left unwritten at shutdown", slog.Int("rows", pending))
		}
	})
	return err
}

type group struct {
	table       string
	conflictKey string
	rows        []Row
}

// groupItems groups items by table and conflict key, in order of first appearance.
func groupItems(items []Item) []*group {
	idx := make(map[string]*group)
	var out []*group
	for _, it := range items {
		key := it.Table + "|" + it.ConflictKey
		g, ok := idx[key]
		if !ok {
			g = &group{table: it.Table, conflictKey: it.ConflictKey}
			idx[key] = g
			out = append(out, g)
		}
		g.rows = append(g.rows, it.Row)
	}
	return out
}

// Flush writes everything currently buffered. Failed groups are re-enqueued up to the
// ceiling. When every group succeeds, spilled rows are replayed.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	if len(items) == 0 {
		telemetry.SetBufferDepth(0)
		return b.replay(ctx)
	}

	ctx, span := telemetry.StartSpan(ctx, "buffer", "buffer.flush", attribute.Int("rows", len(items)))
	defer span.End()
	start := time.Now()
	defer func() {
		if telemetry.BufferFlushDuration != nil {
			telemetry.BufferFlushDuration.Observe(time.Since(start).Seconds())
		}
	}()
	b.log.Debug("flushing", slog.Int("rows", len(items)))

	var errs []error
	for _, g := range groupItems(items) {
		if err := b.w.Write(ctx, g.table, g.conflictKey, g.rows); err != nil {
			b.log.Error("group write failed",
				slog.String("table", g.table),
				slog.Int("rows", len(g.rows)),
				slog.Any("err", err))
			errs = append(errs, fmt.Errorf("write %s: %w", g.table, err))
			b.requeue(ctx, g)
			continue
		}
		telemetry.AddFlushedRows(g.table, len(g.rows))
		b.log.Debug("wrote rows", slog.String("table", g.table), slog.Int("rows", len(g.rows)))
	}
	telemetry.SetBufferDepth(b.Len())

	if len(errs) > 0 {
		err := errors.Join(errs...)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return b.replay(ctx)
}

// requeue puts a failed group back while the buffer stays under twice MaxSize. Rows past
// the ceiling are spilled when a spill store is configured, otherwise dropped.
func (b *Buffer) requeue(ctx context.Context, g *group) {
	ceiling := 2 * b.maxSize
	b.mu.Lock()
	room := ceiling - len(b.items)
	if room < 0 {
		room = 0
	}
	n := min(room, len(g.rows))
	for _, r := range g.rows[:n] {
		b.items = append(b.items, Item{Table: g.table, Row: r, ConflictKey: g.conflictKey})
	}
	b.mu.Unlock()
	if n > 0 {
		b.log.Warn("re-enqueued rows for retry", slog.String("table", g.table), slog.Int("rows", n))
	}
	overflow := g.rows[n:]
	if len(overflow) == 0 {
		return
	}
	if b.spill != nil {
		spilled := make([]Item, len(overflow))
		for i, r := range overflow {
			spilled[i] = Item{Table: g.table, Row: r, ConflictKey: g.conflictKey}
		}
		err := b.spill.Put(ctx, spilled)
		if err == nil {
			telemetry.AddSpilledRows(len(spilled))
			b.log.Warn("buffer ceiling reached, rows spilled",
				slog.String("table", g.table), slog.Int("rows", len(spilled)))
			return
		}
		b.log.Error("spill failed", slog.Any("err", err))
	}
	telemetry.AddDroppedRows(g.table, len(overflow))
	b.log.Warn("buffer ceiling reached, rows dropped",
		slog.String("table", g.table), slog.Int("rows", len(overflow)), slog.Int("ceiling", ceiling))
}

// replay writes one batch of spilled rows and deletes the ones that landed.
func (b *Buffer) replay(ctx context.Context) error {
	if b.spill == nil {
		return nil
	}
	pending, err := b.spill.Pending(ctx, b.maxSize)
	if err != nil {
		return fmt.Errorf("read spill: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	type spillGroup struct {
		group
		ids []int64
	}
	idx := make(map[string]*spillGroup)
	var order []*spillGroup
	for _, p := range pending {
		key := p.Table + "|" + p.ConflictKey
		g, ok := idx[key]
		if !ok {
			g = &spillGroup{group: group{table: p.Table, conflictKey: p.ConflictKey}}
			idx[key] = g
			order = append(order, g)
		}
		g.rows = append(g.rows, p.Row)
		g.ids = append(g.ids, p.ID)
	}
	var done []int64
	var errs []error
	for _, g := range order {
		if err := b.w.Write(ctx, g.table, g.conflictKey, g.rows); err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", g.table, err))
			continue
		}
		telemetry.AddFlushedRows(g.table, len(g.rows))
		done = append(done, g.ids...)
	}
	if len(done) > 0 {
		if err := b.spill.Delete(ctx, done); err != nil {
			errs = append(errs, fmt.Errorf("delete replayed: %w", err))
		} else {
			b.log.Info("replayed spilled rows", slog.Int("rows", len(done)))
		}
	}
	return errors.Join(errs...)
}
