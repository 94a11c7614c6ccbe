package service

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hearthkit/hearthd/pkg/commissioning"
)

// AttemptPolicy configures SetupAttemptTracker.
type AttemptPolicy struct {
	// FreeFailures is how many wrong codes are tolerated without delay.
	FreeFailures int

	// BaseDelay is the first backoff; each further failure doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter is the fractional spread applied to each delay, 0.1 for ±10%.
	Jitter float64

	// MaxTries refuses all setups once this many failures accumulated.
	MaxTries int
}

// DefaultAttemptPolicy returns 3 free failures, 1s doubling to 1h with ±10%
// jitter, and 100 failures before MaxTries.
func DefaultAttemptPolicy() AttemptPolicy {
	return AttemptPolicy{
		FreeFailures: 3,
		BaseDelay:    time.Second,
		MaxDelay:     time.Hour,
		Jitter:       0.1,
		MaxTries:     100,
	}
}

// SetupAttemptTracker is the process-wide Pair-Setup guard. It holds the
// single setup slot and counts wrong setup codes.
//
// The counter survives across sessions and resets only on a successful
// setup or an explicit Reset.
type SetupAttemptTracker struct {
	policy AttemptPolicy
	now    func() time.Time
	jitter func() float64

	mu          sync.Mutex
	owner       string
	failures    int
	nextAllowed time.Time
}

// NewSetupAttemptTracker creates a tracker. Zero policy fields take their
// defaults.
func NewSetupAttemptTracker(policy AttemptPolicy) *SetupAttemptTracker {
	def := DefaultAttemptPolicy()
	if policy.FreeFailures <= 0 {
		policy.FreeFailures = def.FreeFailures
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if policy.MaxTries <= 0 {
		policy.MaxTries = def.MaxTries
	}
	return &SetupAttemptTracker{
		policy: policy,
		now:    time.Now,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// Begin admits owner unless setups are exhausted, backing off, or held by
// another session, checked in that order.
func (t *SetupAttemptTracker) Begin(owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failures >= t.policy.MaxTries {
		return commissioning.ErrMaxTries
	}
	if wait := t.nextAllowed.Sub(t.now()); wait > 0 {
		return &commissioning.BackoffError{Delay: wait}
	}
	if t.owner != "" && t.owner != owner {
		return commissioning.ErrBusy
	}
	t.owner = owner
	return nil
}

// Fail records a wrong setup code and schedules the next allowed attempt.
func (t *SetupAttemptTracker) Fail(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	if d := t.delayLocked(); d > 0 {
		t.nextAllowed = t.now().Add(d)
	}
	if t.owner == owner {
		t.owner = ""
	}
}

// Succeed clears the failure count and frees the slot.
func (t *SetupAttemptTracker) Succeed(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
	t.nextAllowed = time.Time{}
	if t.owner == owner {
		t.owner = ""
	}
}

// Release frees the slot if owner holds it.
func (t *SetupAttemptTracker) Release(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner == owner {
		t.owner = ""
	}
}

// Reset clears every counter and the slot.
func (t *SetupAttemptTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = ""
	t.failures = 0
	t.nextAllowed = time.Time{}
}

// Failures returns the number of recorded wrong codes.
func (t *SetupAttemptTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Owner returns the session holding the setup slot, or "".
func (t *SetupAttemptTracker) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *SetupAttemptTracker) delayLocked() time.Duration {
	over := t.failures - t.policy.FreeFailures
	if over <= 0 {
		return 0
	}
	d := t.policy.BaseDelay
	for i := 1; i < over && d < t.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > t.policy.MaxDelay {
		d = t.policy.MaxDelay
	}
	if t.policy.Jitter > 0 {
		d += time.Duration(float64(d) * t.policy.Jitter * t.jitter())
	}
	return d
}

var _ commissioning.Guard = (*SetupAttemptTracker)(nil)
