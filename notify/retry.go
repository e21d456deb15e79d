package notify

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy is bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy starts at one second, doubles, caps at five minutes and
// gives up after eight attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  8,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// ShouldRetry reports whether another attempt follows a failed one.
func (p RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return attempts < p.MaxAttempts
}

// Delay returns the wait after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery failure that retrying cannot fix. The
// notification is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
