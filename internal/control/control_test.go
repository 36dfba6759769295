package control

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

type stubRegulator struct {
	min, max float64
}

func (s *stubRegulator) ID() string { return "stub" }
func (s *stubRegulator) Tick(time.Time, state.Sensors, state.SystemState) (module.TickResult, error) {
	return module.TickResult{}, nil
}
func (s *stubRegulator) Schema() modcfg.Schema       { return modcfg.Schema{} }
func (s *stubRegulator) Values() modcfg.Values       { return modcfg.Values{} }
func (s *stubRegulator) SetValues(modcfg.Values) error { return nil }
func (s *stubRegulator) ReloadConfig() error           { return nil }
func (s *stubRegulator) Limits() (float64, float64)    { return s.min, s.max }

func TestRegister_PanicsOnDuplicateName(t *testing.T) {
	Register("test_dup_once", func(dir string, values modcfg.Values, log *zap.Logger) (Regulator, error) {
		return &stubRegulator{}, nil
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("test_dup_once", func(dir string, values modcfg.Values, log *zap.Logger) (Regulator, error) {
		return &stubRegulator{}, nil
	})
}

func TestBuild_UnknownNameReturnsError(t *testing.T) {
	_, err := Build("test_does_not_exist", "", modcfg.Values{}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected error for unregistered regulator name")
	}
}

func TestBuild_DispatchesToRegisteredFactory(t *testing.T) {
	Register("test_build_ok", func(dir string, values modcfg.Values, log *zap.Logger) (Regulator, error) {
		return &stubRegulator{min: 10, max: 90}, nil
	})

	reg, err := Build("test_build_ok", "", modcfg.Values{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	min, max := reg.Limits()
	if min != 10 || max != 90 {
		t.Fatalf("expected limits 10,90, got %v,%v", min, max)
	}
}

func TestNames_IncludesRegisteredFactories(t *testing.T) {
	Register("test_names_marker", func(dir string, values modcfg.Values, log *zap.Logger) (Regulator, error) {
		return &stubRegulator{}, nil
	})

	names := Names()
	found := false
	for _, n := range names {
		if n == "test_names_marker" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Names() to include test_names_marker, got %v", names)
	}
}
