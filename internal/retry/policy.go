// Package retry computes backoff delays for repeated connection attempts
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"syscall"
	"time"
)

// Policy defines backoff behavior between attempts
type Policy struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = unlimited)
	InitialDelay      time.Duration // Delay after the first failure
	MaxDelay          time.Duration // Maximum delay between attempts
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
}

// DefaultPolicy returns the policy used by workers reconnecting to a
// coordinator: retry forever, never waiting more than 30s
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        0,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// QuickRetryPolicy returns a policy for short-lived retries, used in tests and
// on a local loopback setup
func QuickRetryPolicy() Policy {
	return Policy{
		MaxRetries:        0,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 1.5,
	}
}

// CalculateDelay returns the wait after the given number of consecutive
// failures. No failures means no wait.
func (p *Policy) CalculateDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	// initialDelay * (multiplier ^ (failures-1))
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(failures-1))

	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry determines if another attempt is allowed after the given number
// of failures
func (p *Policy) ShouldRetry(failures int) bool {
	return p.MaxRetries == 0 || failures < p.MaxRetries
}

// IsRetriableError reports whether err is a transient transport failure that
// a later attempt could overcome
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Validate checks if the policy configuration is valid
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
