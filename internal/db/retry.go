package db

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy retries transient storage failures with exponential backoff.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	return p
}

// Do runs op until it succeeds, fails permanently, or runs out of attempts.
// Waits start at Base and double each time.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.Base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = p.Base << p.Attempts
	expo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("🔄 %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, p.Attempts, wait, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.Attempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

// IsTransient reports whether err looks like a connectivity problem worth
// another attempt.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") || strings.Contains(msg, "timeout")
}
