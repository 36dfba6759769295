// Package module defines the uniform contract every controller module
// implements, so the kernel and aux runner can hold a slice of modules
// without knowing their concrete type. Critical-vs-auxiliary status is a
// property of how a module is registered in the manifest, not of this
// interface.
package module

import (
	"time"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/state"
)

// TickResult is what a module hands back to the kernel each tick: its
// opinion (if any) on the final outputs, plus any events it wants published.
// Modules never publish events directly; the loop that ticked them (the
// kernel or the aux runner) publishes them through the store, which keeps
// sequence numbering in one place.
type TickResult struct {
	Outputs state.PartialOutputs
	Events  []state.Event

	// Runtime holds keyed, read-only payloads for auxiliary modules that
	// publish derived data (e.g. the stats engine's rolling aggregates)
	// into SystemState.Runtime rather than the actuator vector. Critical
	// modules leave this nil; only the aux loop merges it.
	Runtime map[string]interface{}
}

// Module is the interface every controller module (power regulator,
// feeder, blower, pump, mixer, manual, overheat, safety, and every
// auxiliary module) implements.
type Module interface {
	// ID is the manifest identifier, used for ModuleStatus keys, config
	// directories and log fields.
	ID() string

	// Tick runs one invocation of the module's logic. nowWall is the
	// wall-clock instant captured at the start of the owning loop's tick;
	// sensors and snap are the values captured for this tick. Tick must
	// never block on I/O.
	Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (TickResult, error)

	// Schema returns the module's configuration schema (field list with
	// type/default/bounds), used to serve GET /api/config/schema/{id}.
	Schema() modcfg.Schema

	// Values returns the module's current configuration values, used to
	// serve GET /api/config/values/{id}.
	Values() modcfg.Values

	// SetValues validates and applies new configuration values in memory.
	// It does not persist to disk; callers persist first and then call
	// ReloadConfig, or call SetValues directly for an in-memory-only update.
	SetValues(modcfg.Values) error

	// ReloadConfig re-reads the module's on-disk values.yaml and applies it,
	// used after a validated PUT /api/config/values/{id} and after SIGHUP.
	ReloadConfig() error
}
