// Package batch runs connector calls over large item sets with a worker
// pool, shared rate limiting, and per-item retry. Results come back in
// input order and per-item failures never abort the run.
package batch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Progress event names sent to callbacks.
const (
	EventStarted   = "started"
	EventProcessed = "processed"
	EventRetrying  = "retrying"
	EventCompleted = "completed"
)

// ProgressUpdate reports processing progress without blocking the pool.
type ProgressUpdate struct {
	Event     string
	Processed int
	Total     int
}

// ProgressFunc receives progress updates. May be nil.
type ProgressFunc func(ProgressUpdate)

// Result carries the outcome for one input item. Err is set when every
// attempt for that item failed; the rest of the batch is unaffected.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Options configures a Processor. Zero values fall back to defaults.
type Options struct {
	BatchSize      int
	Concurrency    int
	RateLimit      float64       // requests per second across all workers
	RetryCount     int           // attempts per item
	RetryBaseDelay time.Duration // first backoff step
	RetryMaxDelay  time.Duration // backoff cap
}

const (
	defaultBatchSize   = 50
	defaultConcurrency = 5
	defaultRateLimit   = 5.0
	defaultRetryCount  = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	maxConcurrency     = 10
)

// FromAPIConfig builds Options from the configured connector limits.
func FromAPIConfig(cfg shared.LastfmAPIConfig) Options {
	return Options{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		RateLimit:      cfg.RateLimit,
		RetryCount:     cfg.RetryCount,
		RetryBaseDelay: time.Duration(cfg.RetryBaseDelay * float64(time.Second)),
		RetryMaxDelay:  time.Duration(cfg.RetryMaxDelay * float64(time.Second)),
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Concurrency > maxConcurrency {
		o.Concurrency = maxConcurrency
	}
	if o.RateLimit <= 0 {
		o.RateLimit = defaultRateLimit
	}
	if o.RetryCount <= 0 {
		o.RetryCount = defaultRetryCount
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultMaxDelay
	}
	return o
}

// Processor fans items out to Concurrency workers in chunks of BatchSize.
// All workers share one rate limiter so the connector sees a single budget.
type Processor[T, R any] struct {
	opts    Options
	limiter *rate.Limiter
	logger  *log.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a Processor with the given options.
func NewProcessor[T, R any](opts Options, logger *log.Logger) *Processor[T, R] {
	opts = opts.withDefaults()
	return &Processor[T, R]{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

type chunk[T any] struct {
	offset int
	items  []T
}

// Process applies fn to every item and returns one Result per input, in
// input order. A failed item carries its error in Result.Err; processing
// continues for the rest. Cancelling ctx stops the run; unprocessed items
// report the context error.
func (p *Processor[T, R]) Process(
	ctx context.Context,
	items []T,
	fn func(ctx context.Context, item T) (R, error),
	progress ProgressFunc,
) []Result[R] {
	total := len(items)
	results := make([]Result[R], total)
	for i := range results {
		results[i] = Result[R]{Index: i, Err: context.Canceled}
	}
	if total == 0 {
		notify(progress, ProgressUpdate{Event: EventCompleted})
		return nil
	}

	notify(progress, ProgressUpdate{Event: EventStarted, Total: total})

	chunks := make(chan chunk[T])
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)

	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range chunks {
				for j, item := range c.items {
					idx := c.offset + j
					if err := ctx.Err(); err != nil {
						results[idx] = Result[R]{Index: idx, Err: err}
						continue
					}

					value, err := p.processOne(ctx, item, fn, idx, total, progress)
					results[idx] = Result[R]{Index: idx, Value: value, Err: err}

					mu.Lock()
					processed++
					done := processed
					mu.Unlock()
					notify(progress, ProgressUpdate{Event: EventProcessed, Processed: done, Total: total})
				}
			}
		}()
	}

	for offset := 0; offset < total; offset += p.opts.BatchSize {
		end := offset + p.opts.BatchSize
		if end > total {
			end = total
		}
		select {
		case chunks <- chunk[T]{offset: offset, items: items[offset:end]}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(chunks)
	wg.Wait()

	notify(progress, ProgressUpdate{Event: EventCompleted, Processed: processed, Total: total})
	return results
}

// processOne runs one item through the limiter and retry loop.
func (p *Processor[T, R]) processOne(
	ctx context.Context,
	item T,
	fn func(ctx context.Context, item T) (R, error),
	idx, total int,
	progress ProgressFunc,
) (R, error) {
	var (
		zero     R
		lastErr  error
		attempts int
	)

	for attempt := 0; attempt < p.opts.RetryCount; attempt++ {
		attempts++
		if attempt > 0 {
			notify(progress, ProgressUpdate{Event: EventRetrying, Processed: idx, Total: total})
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return zero, err
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		value, err := fn(ctx, item)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
		p.logger.Warn("batch item failed, retrying",
			"index", idx, "attempt", attempt+1, "error", err)
	}
	p.logger.Warn("giving up on batch item",
		"index", idx, "attempts", attempts, "error", lastErr)
	return zero, lastErr
}

// backoff computes the delay before the given attempt: exponential growth
// with jitter, capped at RetryMaxDelay.
func (p *Processor[T, R]) backoff(attempt int) time.Duration {
	d := p.opts.RetryBaseDelay << (attempt - 1)
	if d > p.opts.RetryMaxDelay || d <= 0 {
		d = p.opts.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jitter
	if d > p.opts.RetryMaxDelay {
		d = p.opts.RetryMaxDelay
	}
	return d
}

// retryable reports whether an error is worth another attempt. Permanent
// connector errors, validation failures, and cancellation are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, shared.ErrPermanent),
		errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrNotFound):
		return false
	}
	return true
}

func notify(progress ProgressFunc, u ProgressUpdate) {
	if progress != nil {
		progress(u)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
