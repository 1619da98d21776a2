package evm

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FibonacciBackOff is a backoff.BackOff whose n-th delay is Initial * fib(n), with
// fib(0) = fib(1) = 1. It never returns backoff.Stop; bound it with a context.
type FibonacciBackOff struct {
	Initial time.Duration

	current uint64
	next    uint64
}

var _ backoff.BackOff = (*FibonacciBackOff)(nil)

// NewFibonacciBackOff creates a backoff starting at initial
func NewFibonacciBackOff(initial time.Duration) *FibonacciBackOff {
	b := &FibonacciBackOff{Initial: initial}
	b.Reset()
	return b
}

// Reset restarts the sequence at fib(0)
func (b *FibonacciBackOff) Reset() {
	b.current = 1
	b.next = 1
}

// NextBackOff returns the next delay. It saturates instead of overflowing.
func (b *FibonacciBackOff) NextBackOff() time.Duration {
	delay := saturatingMul(b.Initial, b.current)
	if b.next > math.MaxUint64-b.current {
		b.current = b.next
	} else {
		b.current, b.next = b.next, b.current+b.next
	}
	return delay
}

func saturatingMul(d time.Duration, n uint64) time.Duration {
	if d <= 0 {
		return 0
	}
	if n > uint64(math.MaxInt64/int64(d)) {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}

// FibonacciDelays returns the first n delays of a fresh FibonacciBackOff
func FibonacciDelays(initial time.Duration, n int) []time.Duration {
	b := NewFibonacciBackOff(initial)
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = b.NextBackOff()
	}
	return delays
}
