package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskman/fault"
)

// Policy bounds a retry loop. Only transient and timeout faults are
// retried; validation, configuration and invariant faults surface on the
// first attempt, and cancellation always wins immediately.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits chatty I/O like transport publishes.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Do runs fn under the policy. Between attempts it sleeps a full-jitter
// backoff: a random duration in [0, current], doubling the cap each round.
// op labels the retry metrics.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	meter := otel.Meter("taskman-core")
	attempts, _ := meter.Int64Counter("taskman_retry_attempts_total")
	giveUps, _ := meter.Int64Counter("taskman_retry_give_ups_total")
	opAttr := metric.WithAttributes(attribute.String("op", op))

	backoff := p.InitialBackoff
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		err := fn()
		attempts.Add(ctx, 1, opAttr)
		if err == nil {
			return nil
		}
		lastErr = err

		if fault.IsKind(err, fault.KindCancelled) || !fault.Retryable(err) {
			// Non-retryable: burning the remaining budget cannot help.
			giveUps.Add(ctx, 1, opAttr)
			return err
		}
		if i == p.Attempts-1 {
			break
		}

		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
		sleep := time.Duration(0)
		if backoff > 0 {
			sleep = time.Duration(rand.Int63n(int64(backoff) + 1))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			giveUps.Add(ctx, 1, opAttr)
			return fault.Wrap(fault.KindCancelled, "resilience", op, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	giveUps.Add(ctx, 1, opAttr)
	return lastErr
}

// Retry is the value-returning form of Policy.Do.
func Retry[T any](ctx context.Context, p Policy, op string, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
