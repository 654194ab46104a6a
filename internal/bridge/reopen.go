package bridge

import "time"

// Default reopen parameters.
const (
	defaultReopenBackoff    = 1 * time.Second
	defaultReopenMaxBackoff = 30 * time.Second
)

// ReopenPolicy bounds how a failed speech session is reopened. The bridge
// waits Backoff before the first attempt and doubles the wait per attempt up
// to MaxBackoff. After MaxAttempts consecutive failures the bridge stays in
// the room with voice degraded until a participant joins again.
type ReopenPolicy struct {
	// MaxAttempts is the number of reopen attempts per failure streak. Zero
	// or negative disables reopening.
	MaxAttempts int

	// Backoff is the delay before the first attempt. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

func (p ReopenPolicy) withDefaults() ReopenPolicy {
	if p.Backoff <= 0 {
		p.Backoff = defaultReopenBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultReopenMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// Delay returns the wait before the given 1-based attempt.
func (p ReopenPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// reopener tracks the reopen attempts of the current failure streak. It is
// owned by the event loop.
type reopener struct {
	policy   ReopenPolicy
	attempts int
	timer    *time.Timer
}

// next reserves the next attempt and returns its delay, or false when the
// budget is spent.
func (r *reopener) next() (time.Duration, bool) {
	if r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	r.attempts++
	return r.policy.Delay(r.attempts), true
}

// arm runs fn after d. Only one timer is pending at a time.
func (r *reopener) arm(d time.Duration, fn func()) {
	r.stop()
	r.timer = time.AfterFunc(d, fn)
}

// pending reports whether an attempt is scheduled.
func (r *reopener) pending() bool { return r.timer != nil }

// fired marks the scheduled attempt as started.
func (r *reopener) fired() { r.timer = nil }

// reset starts a new failure streak.
func (r *reopener) reset() {
	r.stop()
	r.attempts = 0
}

func (r *reopener) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
