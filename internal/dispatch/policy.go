package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
)

// DefaultPacing separates a step's text from its media so the customer's
// client renders them in order.
const DefaultPacing = 200 * time.Millisecond

// RetryPolicy bounds send attempts. Only transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 2
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Retryable reports whether err is a 5xx or network failure.
func (p RetryPolicy) Retryable(err error) bool {
	return errors.Is(err, domain.ErrTransientDelivery)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.Backoff
}

// Pacer is the inter-message pacing primitive: Wait returns once the next
// message of the same step may be sent.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedPacer waits a constant delay.
type FixedPacer struct {
	Delay time.Duration
}

// Wait implements Pacer.
func (p FixedPacer) Wait(ctx context.Context) error {
	return sleepCtx(ctx, p.Delay)
}
