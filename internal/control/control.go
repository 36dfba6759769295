// Package control holds the shared Regulator contract and the pluggable
// registry WORK-mode power regulators register themselves under, resolving
// the Open Question of unifying the fuzzy and neuro-fuzzy variants (and PI
// and predictive) behind one strategy interface rather than duplicating
// glue in the kernel. Grounded on the teacher's plugin-registry pattern for
// pluggable anomaly scorers.
package control

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
)

// Regulator is a WORK-mode power module: it implements module.Module and
// additionally exposes its currently configured power bounds, so the
// kernel's invariant enforcer can validate power_percent without knowing
// which concrete strategy is authoritative.
type Regulator interface {
	module.Module
	Limits() (min, max float64)
}

// Factory builds a Regulator given its manifest directory (schema.yaml and
// values.yaml live there), initial values and logger - the same
// (dir, values, log) shape every module constructor in this repo follows.
// Implementations register one under their module ID (e.g. "power_work_pi",
// "power_work_fuzzy", "power_work_neurofuzzy", "power_work_predictive") at
// package init time.
type Factory func(dir string, values modcfg.Values, log *zap.Logger) (Regulator, error)

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

// Register adds a named regulator factory to the registry. Intended to be
// called from each regulator subpackage's init(). Panics on duplicate name,
// which can only happen from a programming error at build time.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("control: regulator %q already registered", name))
	}
	factories[name] = f
}

// Build constructs the named regulator, or an error if no factory was
// registered under that name - this is a manifest configuration error, not
// a programming error, so it returns rather than panics.
func Build(name, dir string, values modcfg.Values, log *zap.Logger) (Regulator, error) {
	mu.Lock()
	f, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("control: no regulator registered under name %q", name)
	}
	return f(dir, values, log)
}

// Names returns the currently registered regulator names, for diagnostics
// and the /api/config/modules listing.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	return out
}
