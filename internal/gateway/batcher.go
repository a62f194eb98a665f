package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/metrics"
)

const (
	defaultBatchSize    = 16
	defaultBatchTimeout = 20 * time.Millisecond
)

// BatcherConfig tunes the batching window.
type BatcherConfig struct {
	BatchSize    int           // dispatch when this many requests accumulate
	BatchTimeout time.Duration // dispatch when the window has been open this long
}

func (c BatcherConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

func (c BatcherConfig) batchTimeout() time.Duration {
	if c.BatchTimeout > 0 {
		return c.BatchTimeout
	}
	return defaultBatchTimeout
}

// DispatchFunc executes one coalesced upstream call carrying the
// concatenated texts of a whole window. The returned embeddings must map
// 1:1 onto texts by position.
type DispatchFunc func(ctx context.Context, model string, texts []string) (*EmbedResult, error)

type batchOutcome struct {
	res *EmbedResult
	err error
}

type batchItem struct {
	texts []string
	// Buffered so delivery never blocks on a caller that already left.
	result chan batchOutcome
}

// batchWindow accumulates items for one logical model until dispatch.
type batchWindow struct {
	model string
	items []*batchItem
	total int // texts across all items
	timer *time.Timer
}

// Batcher coalesces embedding requests for the same logical model into one
// upstream call per window. A window opens on the first enqueue and closes
// when BatchSize requests accumulate or BatchTimeout elapses, whichever
// comes first. Each caller receives exactly the embeddings for its own
// inputs, in its own input order; batching is invisible to callers.
type Batcher struct {
	cfg      BatcherConfig
	dispatch DispatchFunc
	log      *slog.Logger
	metrics  *metrics.Registry

	// Dispatch runs on this context, not any single caller's: one caller
	// leaving must not abort the batch for the rest.
	baseCtx context.Context

	mu      sync.Mutex
	windows map[string]*batchWindow
}

// NewBatcher builds a Batcher. Dispatched calls derive from ctx (the app
// lifetime context), so shutdown cancels in-flight batches. metrics may be
// nil; a nil logger defaults to slog.Default().
func NewBatcher(ctx context.Context, cfg BatcherConfig, dispatch DispatchFunc, log *slog.Logger, reg *metrics.Registry) *Batcher {
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log,
		metrics:  reg,
		baseCtx:  ctx,
		windows:  make(map[string]*batchWindow),
	}
}

// Enqueue adds texts to the current window for model and blocks until the
// batch result arrives or ctx ends. When ctx ends first, only this caller
// gives up; its texts still ride along in the dispatched batch.
func (b *Batcher) Enqueue(ctx context.Context, model string, texts []string) (*EmbedResult, error) {
	item := &batchItem{texts: texts, result: make(chan batchOutcome, 1)}

	b.mu.Lock()
	w, ok := b.windows[model]
	if !ok {
		w = &batchWindow{model: model}
		b.windows[model] = w
		w.timer = time.AfterFunc(b.cfg.batchTimeout(), func() {
			b.flushExpired(model, w)
		})
	}
	w.items = append(w.items, item)
	w.total += len(texts)

	full := len(w.items) >= b.cfg.batchSize()
	if full {
		// Detach under the lock so the next enqueue opens a fresh window.
		delete(b.windows, model)
		w.timer.Stop()
	}
	b.mu.Unlock()

	if full {
		go b.dispatchWindow(w, "full")
	}

	select {
	case out := <-item.result:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flushExpired is the timer path. The window may have been detached by a
// size-triggered flush in the meantime; the identity check makes the timer
// a no-op then.
func (b *Batcher) flushExpired(model string, w *batchWindow) {
	b.mu.Lock()
	cur, ok := b.windows[model]
	if !ok || cur != w {
		b.mu.Unlock()
		return
	}
	delete(b.windows, model)
	b.mu.Unlock()

	b.dispatchWindow(w, "timeout")
}

// Close dispatches every pending window immediately. Callers still waiting
// receive whatever the dispatch yields under the (possibly canceled) base
// context.
func (b *Batcher) Close() {
	b.mu.Lock()
	pending := make([]*batchWindow, 0, len(b.windows))
	for model, w := range b.windows {
		w.timer.Stop()
		delete(b.windows, model)
		pending = append(pending, w)
	}
	b.mu.Unlock()

	for _, w := range pending {
		b.dispatchWindow(w, "close")
	}
}

func (b *Batcher) dispatchWindow(w *batchWindow, reason string) {
	if b.metrics != nil {
		b.metrics.ObserveBatch(w.model, len(w.items), reason)
	}

	texts := make([]string, 0, w.total)
	for _, it := range w.items {
		texts = append(texts, it.texts...)
	}

	b.log.DebugContext(b.baseCtx, "batch_dispatch",
		slog.String("model", w.model),
		slog.Int("requests", len(w.items)),
		slog.Int("texts", len(texts)),
		slog.String("reason", reason),
	)

	res, err := b.dispatch(b.baseCtx, w.model, texts)
	if err == nil && len(res.Embeddings) != len(texts) {
		err = fmt.Errorf("batch for %s: %d embeddings for %d inputs", w.model, len(res.Embeddings), len(texts))
	}
	if err != nil {
		for _, it := range w.items {
			it.result <- batchOutcome{err: err}
		}
		return
	}

	off := 0
	for _, it := range w.items {
		n := len(it.texts)
		it.result <- batchOutcome{res: &EmbedResult{
			Embeddings: res.Embeddings[off : off+n],
			Model:      res.Model,
			ModelUsed:  res.ModelUsed,
			Provider:   res.Provider,
			Usage:      splitUsage(res.Usage, n, len(texts)),
		}}
		off += n
	}
}

// splitUsage attributes the batch's token usage to one member by its share
// of the inputs.
func splitUsage(u Usage, share, total int) Usage {
	if total == 0 {
		return Usage{}
	}
	return Usage{
		PromptTokens: u.PromptTokens * share / total,
		TotalTokens:  u.TotalTokens * share / total,
	}
}
