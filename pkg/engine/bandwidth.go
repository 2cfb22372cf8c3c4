// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxPermitIterations bounds BandwidthLimiter.Permit's retry loop. Exceeding
// it is a fatal bandwidth error per spec.
const maxPermitIterations = 1000

// BandwidthLimiter is a token bucket over bytes/second. Every range fetch
// acquires a permit for the bytes it is about to read before it touches the
// network; permit grants are asynchronous with respect to the caller's
// retry loop, not with respect to the bucket's own bookkeeping, which is
// a plain mutex-guarded float.
//
// A rate of zero means unlimited: Permit always returns immediately.
type BandwidthLimiter struct {
	rate     float64 // bytes/sec; 0 = unlimited
	capacity float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	wake       chan struct{}
}

// NewBandwidthLimiter builds a limiter capped at ratePerSecond bytes/second.
// Bucket capacity is max(rate/10, 1), matching §4.1.
func NewBandwidthLimiter(ratePerSecond int64) *BandwidthLimiter {
	capacity := float64(ratePerSecond) / 10
	if capacity < 1 {
		capacity = 1
	}
	return &BandwidthLimiter{
		rate:       float64(ratePerSecond),
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		wake:       make(chan struct{}),
	}
}

func (b *BandwidthLimiter) refillLocked(now time.Time) {
	if b.rate <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Permit blocks until n bytes may be spent, or ctx is cancelled, or the
// retry budget (1000 iterations) is exhausted, whichever comes first.
func (b *BandwidthLimiter) Permit(ctx context.Context, n int64) error {
	if b.rate <= 0 || n <= 0 {
		return nil
	}
	want := float64(n)

	for i := 0; i < maxPermitIterations; i++ {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= want {
			b.tokens -= want
			b.mu.Unlock()
			return nil
		}
		missing := want - b.tokens
		wait := time.Duration(missing / b.rate * float64(time.Second))
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		if wait < 0 {
			wait = 0
		}
		waitCh := b.wake
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return newErr(KindCancelled, "bandwidth.Permit", ctx.Err())
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
		}
	}

	return newErr(KindFatal, "bandwidth.Permit", fmt.Errorf("exceeded %d retry iterations", maxPermitIterations))
}

// ResetPeriod forces a full refill to capacity and wakes every caller
// currently blocked in Permit. It is idempotent to call concurrently with
// Permit; it is not safe to call concurrently with itself from multiple
// goroutines (the Supervisor runs exactly one periodic task per limiter).
func (b *BandwidthLimiter) ResetPeriod() {
	b.mu.Lock()
	b.tokens = b.capacity
	b.lastRefill = time.Now()
	old := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// Run drives the periodic 1-second heartbeat described in §4.1 until ctx is
// cancelled. This is the task the Supervisor launches alongside everything
// else; it exists to prevent cold-start starvation and bound peak
// burstiness to roughly one bucket capacity per window.
func (b *BandwidthLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ResetPeriod()
		}
	}
}
