package control

// SlewLimiter caps the per-tick change of a value proportional to monotonic
// dt and a configured rate (units per minute). The first call after Reset
// passes its input through unchanged ("bumpless entry"), matching the
// IGNITION regulator's "first tick after entering IGNITION skips the slew
// limiter" rule and the WORK regulators' analogous mode-entry behavior.
type SlewLimiter struct {
	maxPerMinute float64
	have         bool
	last         float64
}

// NewSlewLimiter returns a limiter with the given rate in units/minute. A
// rate <= 0 disables limiting entirely (S1's max_slew=0 "disabled" case).
func NewSlewLimiter(maxPerMinute float64) *SlewLimiter {
	return &SlewLimiter{maxPerMinute: maxPerMinute}
}

// Reset clears bumpless-entry state so the next Apply passes through.
func (s *SlewLimiter) Reset() {
	s.have = false
}

// Apply clamps target relative to the previous output given dtSeconds
// elapsed (monotonic). Returns target unchanged on the first call after
// construction or Reset, or whenever limiting is disabled.
func (s *SlewLimiter) Apply(target float64, dtSeconds float64) float64 {
	if s.maxPerMinute <= 0 || !s.have {
		s.have = true
		s.last = target
		return target
	}
	maxDelta := s.maxPerMinute * dtSeconds / 60.0
	delta := target - s.last
	if delta > maxDelta {
		delta = maxDelta
	}
	if delta < -maxDelta {
		delta = -maxDelta
	}
	s.last += delta
	return s.last
}

// Last returns the most recently produced output.
func (s *SlewLimiter) Last() float64 {
	return s.last
}
