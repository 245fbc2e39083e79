package queue

import (
	"context"
	"sync"
	"time"
)

// Window is a sliding-window limiter: no interval of length window ever
// contains more than limit committed starts.
//
// Callers Acquire a reservation before leasing and either Commit it when a
// job actually starts or Cancel it when nothing was leased. Open
// reservations count against capacity, so a commit can never push a window
// over the limit.
type Window struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	starts  []time.Time // committed starts, ascending
	pending int
	changed chan struct{}
}

// NewWindow creates a limiter admitting limit starts per window.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:   limit,
		window:  window,
		changed: make(chan struct{}),
	}
}

// Reservation is a claim on one start. Exactly one of Commit or Cancel
// takes effect; later calls are no-ops.
type Reservation struct {
	w    *Window
	once sync.Once
}

// Acquire blocks until a start can be reserved or ctx is done.
func (w *Window) Acquire(ctx context.Context) (*Reservation, error) {
	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)
		if len(w.starts)+w.pending < w.limit {
			w.pending++
			w.mu.Unlock()
			return &Reservation{w: w}, nil
		}

		changed := w.changed
		var wake <-chan time.Time
		var timer *time.Timer
		if len(w.starts) > 0 {
			timer = time.NewTimer(w.starts[0].Add(w.window).Sub(now))
			wake = timer.C
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Commit records the start at the current time.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		w := r.w
		w.mu.Lock()
		w.pending--
		w.starts = append(w.starts, time.Now())
		w.broadcast()
		w.mu.Unlock()
	})
}

// Cancel releases the reservation without recording a start.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		w := r.w
		w.mu.Lock()
		w.pending--
		w.broadcast()
		w.mu.Unlock()
	})
}

// InWindow returns the number of starts recorded in the current window.
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.starts)
}

// prune drops starts that left the window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.starts) && !w.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.starts = append(w.starts[:0], w.starts[i:]...)
	}
}

// broadcast wakes every waiter. Caller holds mu.
func (w *Window) broadcast() {
	close(w.changed)
	w.changed = make(chan struct{})
}
