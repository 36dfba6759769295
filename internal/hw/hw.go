// Package hw defines the abstract hardware boundary: reading sensors and
// applying actuator outputs. Implementations must be idempotent and must
// never throw/panic on I/O failure - a failing implementation degrades to
// "module error" semantics at the kernel boundary, so hw itself only
// returns errors, it never panics.
package hw

import "github.com/lecztomek/boilerctl/internal/state"

// Interface is the contract the kernel drives every tick.
type Interface interface {
	// ReadSensors returns a snapshot of all analog/digital inputs. A
	// per-channel read failure is reflected as a nil field, not an error;
	// Interface.ReadSensors only returns an error for a total I/O failure
	// (e.g. the device is gone).
	ReadSensors() (state.Sensors, error)

	// ApplyOutputs sets all actuator signals. Implementations must apply
	// the full vector atomically with respect to any single actuator being
	// left in a stale state.
	ApplyOutputs(state.Outputs) error

	// Close releases any underlying device handle.
	Close() error
}
