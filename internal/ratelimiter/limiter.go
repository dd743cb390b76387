// Package ratelimiter implements the token-bucket pacing primitive
// described in spec.md §4.1: one limiter per upstream client, FIFO
// ordering of waiters, safe under concurrent callers.
package ratelimiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces callers to at most requestsPerSecond, releasing blocked
// waiters in the order they arrived.
type Limiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	waiters  *list.List // of *waiter, FIFO
	released chan struct{}

	totalAcquires   int64
	totalWaitTimeNS int64
}

type waiter struct {
	ch chan struct{}
}

// New creates a Limiter pacing at requestsPerSecond with a burst of one
// (spec.md names no burst behaviour, so bursts are disallowed by default).
func New(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		waiters: list.New(),
	}
}

// NewWithBurst creates a Limiter with an explicit burst size.
func NewWithBurst(requestsPerSecond float64, burst int) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		waiters: list.New(),
	}
}

// Acquire blocks cooperatively until a token is available, releasing
// waiters strictly in arrival order. Returns ctx.Err() if ctx is cancelled
// before this caller's turn.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	w := &waiter{ch: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	// If this waiter is at the head, it is our turn to try the bucket now.
	isHead := l.waiters.Front() == elem
	l.mu.Unlock()

	if !isHead {
		select {
		case <-w.ch:
		case <-ctx.Done():
			l.mu.Lock()
			l.waiters.Remove(elem)
			l.mu.Unlock()
			return ctx.Err()
		}
	}

	start := time.Now()
	err := l.bucket.Wait(ctx)
	l.mu.Lock()
	l.totalAcquires++
	l.totalWaitTimeNS += int64(time.Since(start))
	// Remove ourselves and wake the next waiter in line.
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter) == w {
			l.waiters.Remove(e)
			break
		}
	}
	if next := l.waiters.Front(); next != nil {
		close(next.Value.(*waiter).ch)
	}
	l.mu.Unlock()
	return err
}

// Stats reports cumulative usage for observability.
type Stats struct {
	TotalAcquires   int64
	TotalWaitTime   time.Duration
	WaitersQueued   int
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalAcquires: l.totalAcquires,
		TotalWaitTime: time.Duration(l.totalWaitTimeNS),
		WaitersQueued: l.waiters.Len(),
	}
}
