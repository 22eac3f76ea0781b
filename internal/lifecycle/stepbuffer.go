package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/d-o-hub/epimem/internal/models"
)

// DefaultStepBufferSize and DefaultStepBufferAge are spec.md §4.1's flush
// bounds: a per-episode in-memory queue flushed to the durable store in
// batches bounded by size or age, to amortise write cost.
const (
	DefaultStepBufferSize = 32
	DefaultStepBufferAge  = 250 * time.Millisecond
)

// flushFunc persists a batch of buffered steps for one episode, in order.
type flushFunc func(ctx context.Context, steps []models.Step) error

// stepBuffer queues steps for one episode until a size or age bound is hit,
// then flushes. A background timer enforces the age bound even when no new
// step arrives to trigger it, so a slow trickle of steps doesn't starve a
// caller waiting to read fresh state.
type stepBuffer struct {
	mu        sync.Mutex
	maxSize   int
	maxAge    time.Duration
	flush     flushFunc
	onAsyncErr func(error)
	pending   []models.Step
	nextIndex int
	timer     *time.Timer
}

// newStepBuffer constructs a buffer that assigns indices starting at
// startIndex, in arrival order, to every step pushed through it. onAsyncErr
// (may be nil) is called with the error from a background, age-triggered
// flush, since that path has no caller to return it to directly.
func newStepBuffer(maxSize int, maxAge time.Duration, startIndex int, flush flushFunc, onAsyncErr func(error)) *stepBuffer {
	if maxSize <= 0 {
		maxSize = DefaultStepBufferSize
	}
	if maxAge <= 0 {
		maxAge = DefaultStepBufferAge
	}
	if startIndex <= 0 {
		startIndex = 1
	}
	return &stepBuffer{maxSize: maxSize, maxAge: maxAge, flush: flush, onAsyncErr: onAsyncErr, nextIndex: startIndex}
}

// Push assigns step the next index in arrival order (overwriting whatever
// the caller supplied) and enqueues it. If the buffer reaches maxSize it
// flushes immediately (synchronously, in the caller's goroutine) so
// back-to-back bursts never grow the buffer unbounded; otherwise it arms
// (or leaves armed) a timer that flushes after maxAge of first becoming
// non-empty.
func (b *stepBuffer) Push(ctx context.Context, step models.Step) error {
	b.mu.Lock()
	step.Index = b.nextIndex
	b.nextIndex++
	b.pending = append(b.pending, step)
	full := len(b.pending) >= b.maxSize
	if len(b.pending) == 1 && !full {
		b.armTimerLocked(ctx)
	}
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

func (b *stepBuffer) armTimerLocked(ctx context.Context) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.maxAge, func() {
		if err := b.Flush(ctx); err != nil && b.onAsyncErr != nil {
			b.onAsyncErr(err)
		}
	})
}

// Flush writes all pending steps in one call to flush, in enqueue order,
// and clears the buffer regardless of outcome (a failed flush surfaces to
// the caller; steps are not retried automatically, matching spec.md §4.1's
// "finalisation fails, reward is not persisted partially" rule — a failed
// mid-episode flush is the caller's problem to retry with fresh context).
func (b *stepBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	steps := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(steps) == 0 {
		return nil
	}
	return b.flush(ctx, steps)
}

// Len reports the number of steps not yet flushed.
func (b *stepBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
