// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned (wrapped) when every attempt failed with a transient error
var ErrExhausted = errors.New("retry budget exhausted")

// sleepFunc is overridden in tests
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Class tells the policy how to treat a failure
type Class int

const (
	Transient Class = iota // retry after backoff
	Fatal                  // fail immediately
)

// Classifier maps an error to its Class
type Classifier func(error) Class

// Policy describes how many attempts are made and how long to wait between them
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64       // Fraction of the delay randomized, 0..1
	MaxDelay    time.Duration // Zero means unbounded
	Classify    Classifier    // Nil treats every error as transient unless marked Permanent
}

// DefaultPolicy returns three attempts starting at one second and doubling
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    30 * time.Second,
	}
}

// WithClassifier returns a copy of p using c
func (p Policy) WithClassifier(c Classifier) Policy {
	p.Classify = c
	return p
}

// Delay returns the wait before attempt n+1, where n counts from 1
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		d = d * (1 - j + 2*j*rand.Float64())
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails fatally, or the attempt budget is spent.
// fn receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.classify(err) == Fatal {
			return unwrapPermanent(err)
		}
		if attempt == attempts {
			break
		}
		if err := sleepFunc(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) classify(err error) Class {
	var perm *permanentError
	if errors.As(err, &perm) {
		return Fatal
	}
	if p.Classify == nil {
		return Transient
	}
	return p.Classify(err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of the classifier
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) && perm == err {
		return perm.err
	}
	return err
}
