// Package batch coalesces individual operations into grouped calls. Items
// submitted under the same key accumulate until the batch fills or a timer
// fires, then one processor call serves the whole group.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avisangle/jenkins-chatbot/runtime/telemetry"
)

const (
	DefaultMaxBatch = 10
	DefaultWait     = time.Second
)

// ErrClosed is returned by Submit after the batcher has been shut down.
var ErrClosed = errors.New("batch: batcher closed")

// Processor handles one flushed batch. It must return one result per input
// item, positionally aligned.
type Processor func(ctx context.Context, items []any) ([]any, error)

type waiter struct {
	item any
	done chan result
}

type result struct {
	value any
	err   error
}

type group struct {
	waiters []waiter
	timer   *time.Timer
}

// Batcher groups submissions by key and flushes each group when it reaches
// the size threshold or when the wait window since its first item elapses.
type Batcher struct {
	processor Processor
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	maxBatch  int
	wait      time.Duration

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxBatch sets the flush size threshold.
func WithMaxBatch(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

// WithWait sets how long a partial batch waits before flushing.
func WithWait(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.wait = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(b *Batcher) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// New constructs a Batcher around the given processor.
func New(processor Processor, opts ...Option) *Batcher {
	b := &Batcher{
		processor: processor,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		maxBatch:  DefaultMaxBatch,
		wait:      DefaultWait,
		groups:    make(map[string]*group),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit queues an item under key and blocks until its batch is processed,
// the context ends, or the batcher closes. The returned value is the
// processor's result at the item's position.
func (b *Batcher) Submit(ctx context.Context, key string, item any) (any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	g, ok := b.groups[key]
	if !ok {
		g = &group{}
		b.groups[key] = g
	}
	w := waiter{item: item, done: make(chan result, 1)}
	g.waiters = append(g.waiters, w)

	if len(g.waiters) >= b.maxBatch {
		b.flushLocked(key, g)
	} else if g.timer == nil {
		// First item in the group starts the wait window.
		g.timer = time.AfterFunc(b.wait, func() { b.flushKey(key) })
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-w.done:
		return res.value, res.err
	}
}

// Flush processes any pending batch for key immediately.
func (b *Batcher) Flush(key string) {
	b.flushKey(key)
}

// Close flushes every pending batch and rejects further submissions.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	keys := make([]string, 0, len(b.groups))
	for key := range b.groups {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if g, ok := b.groups[key]; ok {
			b.flushLocked(key, g)
		}
	}
	b.mu.Unlock()
}

func (b *Batcher) flushKey(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok || len(g.waiters) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushLocked(key, g)
	b.mu.Unlock()
}

// flushLocked detaches the group and processes it in a goroutine so Submit
// callers never run the processor while holding the batcher lock.
func (b *Batcher) flushLocked(key string, g *group) {
	if g.timer != nil {
		g.timer.Stop()
	}
	waiters := g.waiters
	delete(b.groups, key)

	b.metrics.IncCounter("batch_flushes", 1, "key", key)
	b.metrics.RecordGauge("batch_size", float64(len(waiters)), "key", key)

	go b.process(key, waiters)
}

func (b *Batcher) process(key string, waiters []waiter) {
	ctx := context.Background()
	items := make([]any, len(waiters))
	for i, w := range waiters {
		items[i] = w.item
	}

	results, err := b.runProcessor(ctx, items)
	if err != nil {
		b.logger.Error(ctx, "batch processing failed", "key", key, "size", len(items), "err", err)
		for _, w := range waiters {
			w.done <- result{err: err}
		}
		return
	}
	for i, w := range waiters {
		if i < len(results) {
			w.done <- result{value: results[i]}
			continue
		}
		w.done <- result{err: fmt.Errorf("batch: no result at position %d", i)}
	}
}

// runProcessor converts a processor panic into an error so one bad batch
// cannot take down callers.
func (b *Batcher) runProcessor(ctx context.Context, items []any) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: processor panic: %v", r)
		}
	}()
	return b.processor(ctx, items)
}
