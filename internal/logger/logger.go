// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the gateway hot
// path. If the channel fills up, new entries are dropped and counted in
// DroppedLogs. Batches go to the configured Sink (ClickHouse in production);
// without a sink, entries are written as slog lines instead.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultChannelBuffer = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// RequestLog is one analytics row describing a completed gateway request.
type RequestLog struct {
	ID           uuid.UUID
	TenantID     string
	Provider     string
	Model        string // logical model requested
	ModelUsed    string // provider-native model that served it
	Operation    string // generate | generate_stream | embed
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	ErrorClass   string // empty on success
	CreatedAt    time.Time
}

// Sink receives flushed batches. Write is called from the flush goroutine
// only, never concurrently with itself.
type Sink interface {
	Write(ctx context.Context, entries []RequestLog) error
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes the logger. Zero values use the package defaults; a nil Sink
// means slog-only operation.
type Options struct {
	Sink          Sink
	BatchSize     int
	FlushInterval time.Duration
	ChannelBuffer int
	// OnDrop is invoked once per dropped entry (e.g. a metrics counter).
	OnDrop func()
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	onDrop      func()

	sink          Sink
	batchSize     int
	flushInterval time.Duration

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger, opts Options) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	buffer := opts.ChannelBuffer
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	l := &Logger{
		ch:            make(chan RequestLog, buffer),
		done:          make(chan struct{}),
		onDrop:        opts.OnDrop,
		sink:          opts.Sink,
		batchSize:     batchSize,
		flushInterval: interval,
		baseCtx:       ctx,
		log:           slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry. Never blocks: when the buffer is full the entry is
// dropped and counted instead.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Ping reports sink reachability. Slog-only loggers are always healthy.
func (l *Logger) Ping(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Ping(ctx)
}

// Close drains pending entries, flushes the final batch, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, l.batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		l.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= l.batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) write(ctx context.Context, batch []RequestLog) {
	if l.sink == nil {
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("tenant", e.TenantID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("model_used", e.ModelUsed),
				slog.String("op", e.Operation),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.String("error_class", e.ErrorClass),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		return
	}

	if err := l.sink.Write(ctx, batch); err != nil {
		// Same policy as a full buffer: account the loss, never block or
		// retry on the flush goroutine.
		atomic.AddInt64(&l.droppedLogs, int64(len(batch)))
		if l.onDrop != nil {
			for range batch {
				l.onDrop()
			}
		}
		l.log.WarnContext(ctx, "request_log_flush_failed",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
