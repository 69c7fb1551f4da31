// Package ratelimit guards the login flow with a durable failed-attempt
// counter and a time-boxed lockout.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/diayal/courierd/internal/store"
)

const (
	attemptsKey = "login_attempts"
	lockoutKey  = "lockout_until"
)

// KV is the storage primitive for the two counters.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type Limiter struct {
	kv          KV
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

// Decision is the answer to "may a login be attempted right now".
type Decision struct {
	Allowed       bool
	RemainingTime time.Duration
}

// Outcome reports the effect of recording one failed attempt.
type Outcome struct {
	Locked            bool
	RemainingAttempts int
}

func New(kv KV, maxAttempts int, lockout time.Duration) *Limiter {
	return &Limiter{kv: kv, maxAttempts: maxAttempts, lockout: lockout, now: time.Now}
}

// WithClock overrides the clock; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckLoginAttempts reports whether a login may proceed. An expired
// lockout clears all state before allowing.
func (l *Limiter) CheckLoginAttempts(ctx context.Context) (Decision, error) {
	until, ok, err := l.readMillis(ctx, lockoutKey)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		now := l.now().UnixMilli()
		if now < until {
			remaining := time.Duration(until-now) * time.Millisecond
			return Decision{Allowed: false, RemainingTime: remaining}, nil
		}
		if err := l.ResetAttempts(ctx); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordFailedAttempt increments the counter; reaching the ceiling clears
// the counter and arms the lockout in the same step.
func (l *Limiter) RecordFailedAttempt(ctx context.Context) (Outcome, error) {
	attempts, _, err := l.readMillis(ctx, attemptsKey)
	if err != nil {
		return Outcome{}, err
	}
	attempts++
	if attempts >= int64(l.maxAttempts) {
		until := l.now().Add(l.lockout).UnixMilli()
		if err := l.kv.Set(ctx, lockoutKey, []byte(strconv.FormatInt(until, 10))); err != nil {
			return Outcome{}, err
		}
		if err := l.kv.Delete(ctx, attemptsKey); err != nil {
			return Outcome{}, err
		}
		return Outcome{Locked: true}, nil
	}
	if err := l.kv.Set(ctx, attemptsKey, []byte(strconv.FormatInt(attempts, 10))); err != nil {
		return Outcome{}, err
	}
	return Outcome{Locked: false, RemainingAttempts: l.maxAttempts - int(attempts)}, nil
}

// ResetAttempts clears both counters; called on successful login.
func (l *Limiter) ResetAttempts(ctx context.Context) error {
	if err := l.kv.Delete(ctx, attemptsKey); err != nil {
		return err
	}
	return l.kv.Delete(ctx, lockoutKey)
}

func (l *Limiter) readMillis(ctx context.Context, key string) (int64, bool, error) {
	raw, err := l.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, true, nil
}
