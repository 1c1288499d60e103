// Package limiter accounts consecutive verification failures per credential
// within a rolling reset window and reports lockout once a cap is exceeded.
package limiter

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultResetWindow = 5 * time.Minute
)

// Store performs the failure accounting writes. Both methods must be single
// atomic statements at the storage layer: RecordFailure restarts the counter
// at 1 when the previous failure is older than cutoff (or absent), otherwise
// increments it, stamps now, and returns the resulting count.
type Store interface {
	RecordFailure(ctx context.Context, email string, now, cutoff time.Time) (int, error)
	RecordSuccess(ctx context.Context, email string) error
}

// Policy is the lockout policy.
type Policy struct {
	MaxAttempts int
	ResetWindow time.Duration
}

// DefaultPolicy allows five consecutive failures within five minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, ResetWindow: DefaultResetWindow}
}

// State classifies a (failedAttempts, lastFailedAttempt) pair.
type State int

const (
	Fresh State = iota
	Accumulating
	Locked
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Accumulating:
		return "accumulating"
	case Locked:
		return "locked"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the result of recording a failure.
type Outcome struct {
	Attempts int
	Locked   bool
}

// Limiter applies a Policy over a Store.
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// New returns a Limiter. Zero policy fields fall back to the defaults.
func New(store Store, policy Policy, now func() time.Time) *Limiter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.ResetWindow <= 0 {
		policy.ResetWindow = DefaultResetWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, policy: policy, now: now}
}

// Policy returns the effective policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Fail records one failed attempt for email.
func (l *Limiter) Fail(ctx context.Context, email string) (Outcome, error) {
	now := l.now().UTC()
	n, err := l.store.RecordFailure(ctx, email, now, now.Add(-l.policy.ResetWindow))
	if err != nil {
		return Outcome{}, fmt.Errorf("record failure: %w", err)
	}
	return Outcome{Attempts: n, Locked: n > l.policy.MaxAttempts}, nil
}

// Reset clears the failure state for email after a successful verification.
func (l *Limiter) Reset(ctx context.Context, email string) error {
	if err := l.store.RecordSuccess(ctx, email); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// State classifies the stored counter at the current time. A counter whose
// last failure is outside the reset window is Fresh, since the next failure
// starts over at 1.
func (l *Limiter) State(attempts int, lastFailed *time.Time) State {
	if attempts <= 0 || lastFailed == nil || l.expired(*lastFailed) {
		return Fresh
	}
	if attempts > l.policy.MaxAttempts {
		return Locked
	}
	return Accumulating
}

// Locked reports whether further attempts must be rejected without being
// checked.
func (l *Limiter) Locked(attempts int, lastFailed *time.Time) bool {
	return l.State(attempts, lastFailed) == Locked
}

func (l *Limiter) expired(lastFailed time.Time) bool {
	return l.now().Sub(lastFailed) > l.policy.ResetWindow
}
