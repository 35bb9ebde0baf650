// Package retry provides the single bounded-retry policy applied to every
// collaborator call site.
package retry

import (
	"context"
	"time"

	"marketplace-engine/internal/common/errors"
	"marketplace-engine/internal/common/logger"
)

// Policy is a bounded exponential-backoff retry policy. One Policy instance
// is shared across all collaborator call sites; per-call-site retry loops
// are not allowed.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	log          logger.Logger
}

func NewPolicy(maxAttempts int, initialDelay time.Duration, log logger.Logger) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		log:          log,
	}
}

// Do runs operation up to MaxAttempts times with exponential backoff.
// Non-retryable errors abort immediately; the error code's recommended
// retry budget caps the attempt count below MaxAttempts when it is
// tighter. The context bounds the whole sequence including backoff sleeps.
func (p *Policy) Do(ctx context.Context, name string, operation func(ctx context.Context) error) error {
	var err error
	delay := p.InitialDelay
	maxAttempts := p.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = operation(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
		if budget := errors.GetRetryCount(errors.CodeOf(err)); budget > 0 && budget < maxAttempts {
			maxAttempts = budget
		}
		if attempt >= maxAttempts {
			break
		}

		p.log.Warn("operation failed, retrying", map[string]interface{}{
			"operation":   name,
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"nextRetryIn": delay.String(),
			"error":       err.Error(),
		})

		select {
		case <-ctx.Done():
			return errors.NewCollaboratorUnavailableError(name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2 // Exponential backoff
	}

	return err
}
