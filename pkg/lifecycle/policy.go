package lifecycle

import "time"

// Policy is the per-phase pacing and recovery table entry. The table is the
// design: no behavior hangs off the phase type itself.
type Policy struct {
	// PreDelay is slept before sending the CBW.
	PreDelay time.Duration
	// PostDelay is slept after a completed exchange.
	PostDelay time.Duration
	// MaxRetries bounds whole-operation retries.
	MaxRetries int
	// BackoffBase is the first retry backoff; it doubles per attempt.
	BackoffBase time.Duration
	// ClearHaltOnStall requests clearing both bulk endpoint halts before a
	// retry after a pipe stall.
	ClearHaltOnStall bool
	// ResetOnRepeatedStall escalates a second consecutive stall to a full
	// device reset.
	ResetOnRepeatedStall bool
	// AcceptScsiFailure makes a CSW status != 0 a non-error for the
	// transport (it is still reported to the caller in the CSW).
	AcceptScsiFailure bool
}

// Backoff returns the sleep before retry n (0-based), doubling from
// BackoffBase.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Policies maps each phase to its policy.
type Policies map[Phase]Policy

// DefaultPolicies is the pacing table observed to keep the device alive
// through its whole lifecycle.
func DefaultPolicies() Policies {
	animation := Policy{
		PreDelay:          200 * time.Millisecond,
		PostDelay:         0,
		MaxRetries:        5,
		BackoffBase:       100 * time.Millisecond,
		ClearHaltOnStall:  true,
		AcceptScsiFailure: true,
	}
	return Policies{
		Animation: animation,
		Unknown:   animation,
		Connecting: {
			PreDelay:          50 * time.Millisecond,
			PostDelay:         50 * time.Millisecond,
			MaxRetries:        3,
			BackoffBase:       100 * time.Millisecond,
			ClearHaltOnStall:  true,
			AcceptScsiFailure: true,
		},
		Connected: {
			PreDelay:             20 * time.Millisecond,
			PostDelay:            50 * time.Millisecond,
			MaxRetries:           3,
			BackoffBase:          100 * time.Millisecond,
			ClearHaltOnStall:     true,
			ResetOnRepeatedStall: true,
			AcceptScsiFailure:    false,
		},
		Disconnected: {
			// No pacing and no retries: operations in this phase fail fast
			// and the caller decides whether to wait out the reset.
			MaxRetries: 0,
		},
	}
}

// For looks up the policy for a phase, falling back to the Animation entry,
// the most conservative one.
func (ps Policies) For(ph Phase) Policy {
	if p, ok := ps[ph]; ok {
		return p
	}
	return ps[Animation]
}
