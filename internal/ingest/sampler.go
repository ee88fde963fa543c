// Package ingest applies frame-skip backpressure in front of the analytics
// pipeline. Frames above the analysis rate are skipped and frames that meet a
// full queue are dropped, so producers never block on a slow session.
package ingest

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"shockscore/internal/apperrors"
)

// epoch anchors media timestamps onto the limiter's time axis.
var epoch = time.Unix(0, 0)

// Sampler admits frames at no more than a configured rate of media time.
// It consults the frame timestamp rather than the wall clock, so replaying
// the same input always admits the same frames. Not safe for concurrent use.
type Sampler struct {
	limiter *rate.Limiter
	last    float64
	seen    bool
}

// NewSampler returns a sampler admitting at most maxFPS frames per second of
// media time. A non-positive maxFPS admits every frame.
func NewSampler(maxFPS float64) *Sampler {
	limit := rate.Inf
	if maxFPS > 0 {
		limit = rate.Limit(maxFPS)
	}
	return &Sampler{limiter: rate.NewLimiter(limit, 1)}
}

// Admit reports whether the frame at ts should be analyzed. Timestamps must
// strictly increase across every frame offered, skipped ones included; a
// duplicate or out-of-order timestamp is an invariant violation and is
// neither admitted nor counted as skipped.
func (s *Sampler) Admit(ts float64) (bool, error) {
	if s.seen && !(ts > s.last) {
		return false, apperrors.Invariant("frame timestamp %.3f does not follow %.3f", ts, s.last)
	}
	s.last = ts
	s.seen = true

	at := epoch.Add(time.Duration(math.Round(ts * float64(time.Second))))
	return s.limiter.AllowN(at, 1), nil
}

// Queue is a bounded FIFO whose Offer never blocks.
type Queue[T any] struct {
	ch chan T
}

func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Offer enqueues item, or returns false when the queue is full.
// Offer must not be called after Close.
func (q *Queue[T]) Offer(item T) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// C is the receive side consumed by the session worker.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Close stops intake; the consumer still drains buffered items.
func (q *Queue[T]) Close() {
	close(q.ch)
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
