package modcfg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StateEnvelope wraps a module's persisted internal state with the
// wall-clock timestamp and boiler temperature recorded at save time, so it
// can be validated for staleness before being trusted on restore.
type StateEnvelope struct {
	SavedAtWall    time.Time `yaml:"saved_at_wall"`
	BoilerTempC    *float64  `yaml:"boiler_temp_c,omitempty"`
	Payload        yaml.Node `yaml:"payload"`
}

// SaveState writes payload wrapped in a StateEnvelope to dir/<name>_state.yaml
// atomically. boilerTempC may be nil if the sensor was absent at save time.
func SaveState(dir, name string, nowWall time.Time, boilerTempC *float64, payload interface{}) error {
	var node yaml.Node
	if err := node.Encode(payload); err != nil {
		return fmt.Errorf("modcfg: encode state payload: %w", err)
	}
	env := StateEnvelope{SavedAtWall: nowWall, BoilerTempC: boilerTempC, Payload: node}
	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("modcfg: marshal state envelope: %w", err)
	}
	return atomicWrite(filepath.Join(dir, name+"_state.yaml"), data)
}

// RestoreState loads dir/<name>_state.yaml and decodes its payload into out
// (a pointer), only if the envelope passes staleness validation:
//   - SavedAtWall is no older than maxAge relative to nowWall,
//   - |currentBoilerTempC - saved boiler temp| <= maxTempDeltaC, when both
//     current and saved temperatures are present.
//
// If the file is absent, too old, or too far off temperature-wise,
// RestoreState returns (false, nil) - a cold start, not an error. skipReason
// is set to a human-readable reason whenever ok is false and a file existed,
// for the caller to emit a STATE_RESTORE_SKIPPED event.
func RestoreState(dir, name string, nowWall time.Time, currentBoilerTempC *float64, maxAge time.Duration, maxTempDeltaC float64, out interface{}) (ok bool, skipReason string, err error) {
	data, rerr := os.ReadFile(filepath.Join(dir, name+"_state.yaml"))
	if os.IsNotExist(rerr) {
		return false, "", nil
	}
	if rerr != nil {
		return false, "", fmt.Errorf("modcfg: read state file: %w", rerr)
	}

	var env StateEnvelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return false, "", fmt.Errorf("modcfg: parse state file: %w", err)
	}

	age := nowWall.Sub(env.SavedAtWall)
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return false, fmt.Sprintf("state file age %s exceeds max %s", age, maxAge), nil
	}

	if currentBoilerTempC != nil && env.BoilerTempC != nil {
		delta := math.Abs(*currentBoilerTempC - *env.BoilerTempC)
		if delta > maxTempDeltaC {
			return false, fmt.Sprintf("boiler temp delta %.2f exceeds max %.2f", delta, maxTempDeltaC), nil
		}
	}

	if err := env.Payload.Decode(out); err != nil {
		return false, "", fmt.Errorf("modcfg: decode state payload: %w", err)
	}
	return true, "", nil
}
