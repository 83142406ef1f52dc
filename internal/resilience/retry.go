// Package resilience provides retry and circuit-breaker primitives shared
// by the worker's per-task retry policy and the gossip publish path.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Policy describes an exponential backoff with a maximum attempt count.
type Policy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultPolicy is a sensible default exponential backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialWait: 100 * time.Millisecond, MaxWait: 5 * time.Second, Multiplier: 2.0}
}

// Retry executes fn with exponential backoff and full jitter, up to
// p.MaxAttempts times. It returns the last error if every attempt fails.
func Retry[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, nil
	}
	meter := otel.Meter("swarm-ipvm-resilience")
	attemptCounter, _ := meter.Int64Counter("ipvm_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("ipvm_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("ipvm_resilience_retry_fail_total")

	cur := p.InitialWait
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := fn(attempt)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}
		if cur > p.MaxWait {
			cur = p.MaxWait
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur = time.Duration(float64(cur) * p.Multiplier)
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
