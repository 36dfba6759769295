// Package invariant runs a small fixed battery of post-merge safety checks
// over the kernel's merged outputs, repairing violations in place and
// reporting them as events. It is a safety net over modules that are each
// individually specified to already respect these bounds, grounded on the
// teacher's parameter-bounds/violation-type pattern, trimmed of its
// multi-node audit chain - a single boiler controller has no analogous
// cross-node audit requirement.
package invariant

import (
	"fmt"

	"github.com/lecztomek/boilerctl/internal/state"
)

// Limits bounds the fields this package enforces. MinPower/MaxPower reflect
// whichever power regulator is currently authoritative.
type Limits struct {
	MinPower float64
	MaxPower float64
}

// Enforcer repairs out-of-bounds merged outputs and the mixer mutual
// exclusion rule, returning the repaired outputs and any WARNING events to
// publish.
type Enforcer struct {
	source string
}

// New returns an Enforcer that attributes its events to source (typically
// "kernel").
func New(source string) *Enforcer {
	return &Enforcer{source: source}
}

// Enforce repairs merged in place and returns the repaired value plus any
// events describing what was corrected.
func (e *Enforcer) Enforce(merged state.Outputs, limits Limits) (state.Outputs, []state.Event) {
	var events []state.Event

	if merged.MixerOpen && merged.MixerClose {
		merged.MixerOpen = false
		merged.MixerClose = false
		events = append(events, e.warn("MIXER_CONFLICT", "both mixer directions asserted after merge; cleared both", nil))
	}

	if merged.FanPower < 0 || merged.FanPower > 100 {
		repaired := clampInt(merged.FanPower, 0, 100)
		events = append(events, e.warn("INVARIANT_REPAIRED", "fan_power out of range", map[string]interface{}{
			"field": "fan_power", "was": merged.FanPower, "repaired_to": repaired,
		}))
		merged.FanPower = repaired
	}

	if limits.MaxPower > 0 && (merged.PowerPercent < limits.MinPower || merged.PowerPercent > limits.MaxPower) {
		repaired := clampFloat(merged.PowerPercent, limits.MinPower, limits.MaxPower)
		events = append(events, e.warn("INVARIANT_REPAIRED", "power_percent out of range", map[string]interface{}{
			"field": "power_percent", "was": merged.PowerPercent, "repaired_to": repaired,
		}))
		merged.PowerPercent = repaired
	}

	return merged, events
}

func (e *Enforcer) warn(typ, msg string, data map[string]interface{}) state.Event {
	return state.Event{
		Source:  e.source,
		Level:   state.LevelWarning,
		Type:    typ,
		Message: msg,
		Data:    data,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CheckSequenceMonotonic verifies a slice of events has strictly increasing
// Seq. Only this package's tests call it.
func CheckSequenceMonotonic(events []state.Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			return fmt.Errorf("invariant: sequence not strictly increasing at index %d: %d <= %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
	return nil
}
