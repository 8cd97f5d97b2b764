// Package resilience implements the retry policy engine and the
// per-definition circuit breakers.
package resilience

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// DefaultPolicy is applied when neither the step nor the definition sets a
// retry policy.
func DefaultPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:   0,
		Backoff:      models.BackoffFixed,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay computes the delay before retry attempt k (zero-based).
// Fixed backoff is constant; exponential is initialDelay * 2^k capped at
// maxDelay.
func NextDelay(p models.RetryPolicy, attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	if p.Backoff != models.BackoffExponential {
		return initial
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Action is the categorized-handling decision for a matched error value.
type Action string

const (
	ActionRetryLater       Action = "retry-later"
	ActionRetryImmediately Action = "retry-immediately"
	ActionNotifyCustomer   Action = "notify-customer"
)

// Categorize returns the first categorized handler matching the error's
// code or message, nil when none matches.
func Categorize(handlers []models.CategorizedHandling, err *models.EngineError) *models.CategorizedHandling {
	for i := range handlers {
		h := &handlers[i]
		if h.Match == "" {
			continue
		}
		if err.Code == h.Match || strings.Contains(err.Message, h.Match) {
			return h
		}
	}
	return nil
}

// Decision is the retry policy engine's verdict for one failure.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Notify bool
}

// Decide applies categorized handling on top of the numeric retry policy.
// attempt is the number of attempts already made (1-based after the first
// execution).
func Decide(policy models.RetryPolicy, handlers []models.CategorizedHandling, err *models.EngineError, attempt int) Decision {
	retryable := err.Retryable
	var notify bool
	delay := NextDelay(policy, attempt-1)

	if h := Categorize(handlers, err); h != nil {
		if h.Retryable != nil {
			retryable = *h.Retryable
		}
		switch Action(h.Action) {
		case ActionRetryImmediately:
			delay = 0
		case ActionRetryLater:
			// keep computed backoff delay
		case ActionNotifyCustomer:
			notify = true
		}
	}

	if !retryable || attempt > policy.MaxRetries {
		return Decision{Retry: false, Notify: notify}
	}
	return Decision{Retry: true, Delay: delay, Notify: notify}
}

// RetryConfig configures the backoff-based Retry helper used for transport
// concerns (webhook delivery, store contention) rather than step policy.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	RetryIfFn       func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
		RetryIfFn:       func(err error) bool { return true },
	}
}

// Retry retries a function with exponential backoff
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.Multiplier = config.Multiplier
	b.MaxElapsedTime = config.MaxElapsedTime

	var backoffWithRetries backoff.BackOff = b
	if config.MaxRetries > 0 {
		backoffWithRetries = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}

	ctxBackoff := backoff.WithContext(backoffWithRetries, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && config.RetryIfFn != nil && !config.RetryIfFn(err) {
			return backoff.Permanent(err)
		}
		return err
	}, ctxBackoff)
}
