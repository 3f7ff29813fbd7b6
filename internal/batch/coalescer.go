// Package batch coalesces idempotent writes into batched remote calls.
package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxBatchSize = 20
	DefaultDebounce     = 500 * time.Millisecond
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("batch: coalescer closed")

// FlushFunc writes one batch. It must be safe to repeat for the same items.
type FlushFunc[T comparable] func(ctx context.Context, items []T) error

// Options configures a Coalescer. Zero sizes and delays select the defaults.
type Options[T comparable] struct {
	MaxBatchSize int
	Debounce     time.Duration
	// Retryable reports whether a failed batch goes back to the queue. nil
	// treats every error as retryable.
	Retryable func(error) bool
	// Dedupe gives the queue set semantics: enqueueing an item already
	// pending is a no-op.
	Dedupe bool
	// OnError observes every failed flush.
	OnError func(items []T, err error)
}

// Coalescer accumulates items and flushes them when MaxBatchSize is reached
// or Debounce elapses with no further Enqueue. No flush call carries more
// than MaxBatchSize items.
type Coalescer[T comparable] struct {
	flush  FlushFunc[T]
	opts   Options[T]
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []T
	// ready holds batches cut by the size trigger, flushed in order ahead of
	// pending.
	ready    [][]T
	timer    *time.Timer
	seq      uint64 // identifies the live timer; stale fires compare unequal
	flushing bool
	again    bool // a drain was requested while a flush was in flight
	closed   bool
	inflight sync.WaitGroup
}

// New creates a coalescer that hands batches to flush.
func New[T comparable](flush FlushFunc[T], opts Options[T], logger *zap.Logger) *Coalescer[T] {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[T]{
		flush:  flush,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends item to the pending queue. Reaching MaxBatchSize cuts
// exactly that many items into a batch and flushes it right away; items left
// over wait for the debounce timer, which every Enqueue restarts.
func (c *Coalescer[T]) Enqueue(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.opts.Dedupe && c.queuedLocked(item) {
		return nil
	}
	c.pending = append(c.pending, item)

	cut := false
	for len(c.pending) >= c.opts.MaxBatchSize {
		c.ready = append(c.ready, slices.Clone(c.pending[:c.opts.MaxBatchSize]))
		c.pending = slices.Clone(c.pending[c.opts.MaxBatchSize:])
		cut = true
	}
	if len(c.pending) > 0 {
		c.armTimerLocked()
	} else {
		c.stopTimerLocked()
	}
	if cut {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.run(c.ctx, false)
		}()
	}
	return nil
}

// Flush writes everything queued now, in batches of at most MaxBatchSize.
// If a flush is already in flight the request is folded into it and Flush
// returns nil.
func (c *Coalescer[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()
	return c.run(ctx, true)
}

// Pending returns the number of queued items.
func (c *Coalescer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for _, b := range c.ready {
		n += len(b)
	}
	return n
}

// Close waits for flushes in flight, then flushes what is still queued
// once, best effort. Later Enqueue calls fail with ErrClosed.
func (c *Coalescer[T]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
	defer c.cancel()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := c.run(ctx, true)

	c.mu.Lock()
	dropped := len(c.pending)
	for _, b := range c.ready {
		dropped += len(b)
	}
	c.pending, c.ready = nil, nil
	c.mu.Unlock()
	if dropped > 0 {
		c.logger.Warn("dropping unflushed items on close", zap.Int("items", dropped))
	}
	return err
}

func (c *Coalescer[T]) fire(seq uint64) {
	c.mu.Lock()
	if seq != c.seq || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()
	c.run(c.ctx, true)
}

// armTimerLocked restarts the debounce timer.
func (c *Coalescer[T]) armTimerLocked() {
	c.stopTimerLocked()
	seq := c.seq
	c.timer = time.AfterFunc(c.opts.Debounce, func() { c.fire(seq) })
}

// stopTimerLocked cancels the debounce timer. A fire already past Stop sees
// a newer seq and returns.
func (c *Coalescer[T]) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.seq++
}

func (c *Coalescer[T]) queuedLocked(item T) bool {
	if slices.Contains(c.pending, item) {
		return true
	}
	for _, b := range c.ready {
		if slices.Contains(b, item) {
			return true
		}
	}
	return false
}

// nextLocked takes the next batch: a cut batch first, then, when drain is
// set, up to MaxBatchSize pending items.
func (c *Coalescer[T]) nextLocked(drain bool) []T {
	if len(c.ready) > 0 {
		items := c.ready[0]
		c.ready = c.ready[1:]
		return items
	}
	if !drain || len(c.pending) == 0 {
		return nil
	}
	n := min(len(c.pending), c.opts.MaxBatchSize)
	items := slices.Clone(c.pending[:n])
	c.pending = slices.Clone(c.pending[n:])
	return items
}

// run calls flush for every cut batch and, with drain, for the pending
// queue. Only one run calls flush at a time; a draining run that finds one
// in flight marks a follow-up drain.
func (c *Coalescer[T]) run(ctx context.Context, drain bool) error {
	c.mu.Lock()
	if c.flushing {
		if drain {
			c.again = true
		}
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	var firstErr error
	for {
		items := c.nextLocked(drain)
		if items == nil {
			if c.again {
				c.again = false
				drain = true
				continue
			}
			break
		}
		c.mu.Unlock()

		err := c.flush(ctx, items)
		if err != nil && c.opts.OnError != nil {
			c.opts.OnError(slices.Clone(items), err)
		}

		c.mu.Lock()
		if err == nil {
			c.logger.Debug("batch flushed", zap.Int("items", len(items)))
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if c.failed(items, err) {
			// Requeued items wait for the next trigger. A drain asked for
			// meanwhile gets one after another debounce.
			if c.again && !c.closed {
				c.armTimerLocked()
			}
			c.again = false
			break
		}
	}
	c.flushing = false
	c.mu.Unlock()
	return firstErr
}

// failed requeues items ahead of everything queued after them, unless err
// is not retryable. It reports whether items were requeued. Called with mu
// held.
func (c *Coalescer[T]) failed(items []T, err error) bool {
	if c.opts.Retryable != nil && !c.opts.Retryable(err) {
		c.logger.Error("batch flush failed, dropping batch",
			zap.Int("items", len(items)), zap.Error(err))
		return false
	}
	c.logger.Warn("batch flush failed, requeued",
		zap.Int("items", len(items)), zap.Error(err))

	requeued := slices.Clone(items)
	later := slices.Concat(append(c.ready, c.pending)...)
	for _, it := range later {
		if c.opts.Dedupe && slices.Contains(requeued, it) {
			continue
		}
		requeued = append(requeued, it)
	}
	c.pending, c.ready = requeued, nil
	return true
}
