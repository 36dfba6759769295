package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/appconfig"
	"github.com/lecztomek/boilerctl/internal/eventbus"
	"github.com/lecztomek/boilerctl/internal/hw"
	"github.com/lecztomek/boilerctl/internal/manifest"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

func newTestStore() *state.Store {
	return state.NewStore(eventbus.New(100, nil, nil))
}

func f64(v float64) *float64 { return &v }

type stubRegulator struct {
	id            string
	min, max      float64
	tryRestoreErr error
	restored      bool
	reason        string
	restoreCalls  int
}

func (s *stubRegulator) ID() string { return s.id }
func (s *stubRegulator) Tick(now time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	return module.TickResult{}, nil
}
func (s *stubRegulator) Schema() modcfg.Schema      { return modcfg.Schema{} }
func (s *stubRegulator) Values() modcfg.Values      { return modcfg.Values{} }
func (s *stubRegulator) SetValues(modcfg.Values) error { return nil }
func (s *stubRegulator) ReloadConfig() error        { return nil }
func (s *stubRegulator) Limits() (float64, float64) { return s.min, s.max }
func (s *stubRegulator) TryRestore(now time.Time, boilerC *float64) (bool, string, error) {
	s.restoreCalls++
	return s.restored, s.reason, s.tryRestoreErr
}

type plainModule struct{ id string }

func (p *plainModule) ID() string { return p.id }
func (p *plainModule) Tick(now time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	return module.TickResult{}, nil
}
func (p *plainModule) Schema() modcfg.Schema         { return modcfg.Schema{} }
func (p *plainModule) Values() modcfg.Values         { return modcfg.Values{} }
func (p *plainModule) SetValues(modcfg.Values) error { return nil }
func (p *plainModule) ReloadConfig() error            { return nil }

type fakeHW struct {
	sensors state.Sensors
	err     error
}

func (f *fakeHW) ReadSensors() (state.Sensors, error)   { return f.sensors, f.err }
func (f *fakeHW) ApplyOutputs(state.Outputs) error       { return nil }
func (f *fakeHW) Close() error                           { return nil }

var _ hw.Interface = (*fakeHW)(nil)

func TestMakePowerLimits_NilRegulatorDefaultsToFullRange(t *testing.T) {
	limits := makePowerLimits(nil)
	l := limits(state.SystemState{})
	if l.MinPower != 0 || l.MaxPower != 100 {
		t.Fatalf("expected 0..100 default limits, got %+v", l)
	}
}

func TestMakePowerLimits_UsesRegulatorBounds(t *testing.T) {
	reg := &stubRegulator{id: "power_work_pi", min: 10, max: 80}
	limits := makePowerLimits(reg)
	l := limits(state.SystemState{})
	if l.MinPower != 10 || l.MaxPower != 80 {
		t.Fatalf("expected regulator-sourced limits 10..80, got %+v", l)
	}
}

func TestFindActiveRegulator_ReturnsTheOnlyRegulatorAmongModules(t *testing.T) {
	reg := &stubRegulator{id: "power_work_pi"}
	modules := []module.Module{&plainModule{id: "feeder"}, reg, &plainModule{id: "safety"}}
	if got := findActiveRegulator(modules); got != reg {
		t.Fatalf("expected to find the stub regulator, got %v", got)
	}
}

func TestFindActiveRegulator_ReturnsNilWhenNoneIsARegulator(t *testing.T) {
	modules := []module.Module{&plainModule{id: "feeder"}, &plainModule{id: "safety"}}
	if got := findActiveRegulator(modules); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestOpenHardware_SimBackendReturnsSimulator(t *testing.T) {
	cfg := appconfig.Config{}
	cfg.Hardware.Backend = "sim"
	hardware, err := openHardware(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hardware.Close()
	if _, err := hardware.ReadSensors(); err != nil {
		t.Fatalf("expected sim hardware to read sensors cleanly, got %v", err)
	}
}

func TestOpenHardware_UnknownBackendReturnsError(t *testing.T) {
	cfg := appconfig.Config{}
	cfg.Hardware.Backend = "carrier-pigeon"
	if _, err := openHardware(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected an error for an unknown hardware backend")
	}
}

func TestRestoreRegulatorState_NilRegulatorIsNoOp(t *testing.T) {
	restoreRegulatorState(newTestStore(), &fakeHW{sensors: state.Sensors{BoilerTempC: f64(55)}}, nil, zap.NewNop())
}

func TestRestoreRegulatorState_SensorReadFailureSkipsRestoreWithoutPanicking(t *testing.T) {
	reg := &stubRegulator{id: "power_work_pi"}
	restoreRegulatorState(newTestStore(), &fakeHW{err: errors.New("bus timeout")}, reg, zap.NewNop())
	if reg.restoreCalls != 0 {
		t.Fatalf("expected TryRestore not to be called after a failed sensor read, got %d calls", reg.restoreCalls)
	}
}

func TestRestoreRegulatorState_CallsTryRestoreWhenImplemented(t *testing.T) {
	reg := &stubRegulator{id: "power_work_pi", restored: true, reason: "restored"}
	restoreRegulatorState(newTestStore(), &fakeHW{sensors: state.Sensors{BoilerTempC: f64(55)}}, reg, zap.NewNop())
	if reg.restoreCalls != 1 {
		t.Fatalf("expected TryRestore to be called once, got %d calls", reg.restoreCalls)
	}
}

func TestRestoreRegulatorState_SkippedRestorePublishesEvent(t *testing.T) {
	store := newTestStore()
	reg := &stubRegulator{id: "power_work_pi", restored: false, reason: "state file age 20m0s exceeds max 15m0s"}
	restoreRegulatorState(store, &fakeHW{sensors: state.Sensors{BoilerTempC: f64(55)}}, reg, zap.NewNop())

	snap := store.Snapshot()
	var found bool
	for _, e := range snap.RecentEvents {
		if e.Type == "STATE_RESTORE_SKIPPED" {
			found = true
			if e.Level != state.LevelInfo {
				t.Fatalf("expected STATE_RESTORE_SKIPPED at LevelInfo, got %v", e.Level)
			}
			if e.Message != reg.reason {
				t.Fatalf("expected event message %q, got %q", reg.reason, e.Message)
			}
		}
	}
	if !found {
		t.Fatalf("expected a STATE_RESTORE_SKIPPED event to be published, got %+v", snap.RecentEvents)
	}
}

func TestRestoreRegulatorState_RestoredOkPublishesNoEvent(t *testing.T) {
	store := newTestStore()
	reg := &stubRegulator{id: "power_work_pi", restored: true, reason: ""}
	restoreRegulatorState(store, &fakeHW{sensors: state.Sensors{BoilerTempC: f64(55)}}, reg, zap.NewNop())

	snap := store.Snapshot()
	for _, e := range snap.RecentEvents {
		if e.Type == "STATE_RESTORE_SKIPPED" {
			t.Fatalf("expected no STATE_RESTORE_SKIPPED event on a successful restore, got %+v", e)
		}
	}
}

func writeManifestFile(t *testing.T, dir string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "modules.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestBuildModules_ConstructsFixedAndRegulatorModulesInManifestOrder(t *testing.T) {
	dir := t.TempDir()
	manifestYAML := `
modules:
  - id: power_work_pi
    path: power_work_pi
    enabled: true
    critical: true
  - id: feeder
    path: feeder
    enabled: true
    critical: true
  - id: history
    path: history
    enabled: true
    critical: false
`
	writeManifestFile(t, dir, manifestYAML)

	cfg := appconfig.Config{}
	cfg.Storage.ModulesDir = dir

	man, err := manifest.Load(filepath.Join(dir, "modules.yaml"))
	if err != nil {
		t.Fatalf("manifest load: %v", err)
	}

	critical, auxiliary, byID, dirs, err := buildModules(cfg, man, zap.NewNop())
	if err != nil {
		t.Fatalf("buildModules: %v", err)
	}
	if len(critical) != 2 {
		t.Fatalf("expected 2 critical modules, got %d", len(critical))
	}
	if critical[0].ID() != "power_work_pi" || critical[1].ID() != "feeder" {
		t.Fatalf("expected manifest order preserved, got [%s, %s]", critical[0].ID(), critical[1].ID())
	}
	if len(auxiliary) != 1 || auxiliary[0].ID() != "history" {
		t.Fatalf("expected history as the sole auxiliary module, got %+v", auxiliary)
	}
	if len(byID) != 3 {
		t.Fatalf("expected 3 modules indexed by id, got %d", len(byID))
	}
	if dirs["feeder"] == "" {
		t.Fatalf("expected a module directory recorded for feeder")
	}
}

func TestBuildModules_NoEnabledCriticalModulesReturnsError(t *testing.T) {
	dir := t.TempDir()
	manifestYAML := `
modules:
  - id: history
    path: history
    enabled: true
    critical: false
`
	writeManifestFile(t, dir, manifestYAML)

	cfg := appconfig.Config{}
	cfg.Storage.ModulesDir = dir

	man, err := manifest.Load(filepath.Join(dir, "modules.yaml"))
	if err != nil {
		t.Fatalf("manifest load: %v", err)
	}

	if _, _, _, _, err := buildModules(cfg, man, zap.NewNop()); err == nil {
		t.Fatalf("expected an error when no critical modules are enabled")
	}
}
