package state

import "testing"

func f64(v float64) *float64 { return &v }
func bp(v bool) *bool        { return &v }
func ip(v int) *int          { return &v }

func TestMerge_NilFieldsLeaveBaseUntouched(t *testing.T) {
	base := Outputs{FanPower: 50, Feeder: true, PowerPercent: 42}
	got := Merge(base, PartialOutputs{})
	if got != base {
		t.Fatalf("merge of empty partial changed base: got %+v want %+v", got, base)
	}
}

func TestMerge_PresentFieldsOverwrite(t *testing.T) {
	base := Outputs{FanPower: 50, Feeder: true, PowerPercent: 42}
	got := Merge(base, PartialOutputs{FanPower: ip(10), Feeder: bp(false)})
	if got.FanPower != 10 || got.Feeder != false {
		t.Fatalf("overwrite failed: %+v", got)
	}
	if got.PowerPercent != 42 {
		t.Fatalf("untouched field changed: %+v", got)
	}
}

func TestMerge_LastWriterWinsAcrossSequentialApplications(t *testing.T) {
	base := Outputs{}
	step1 := Merge(base, PartialOutputs{PowerPercent: f64(30)})
	step2 := Merge(step1, PartialOutputs{PowerPercent: f64(80)})
	if step2.PowerPercent != 80 {
		t.Fatalf("expected last writer (80) to win, got %v", step2.PowerPercent)
	}
}

func TestMerge_DoesNotMutateBase(t *testing.T) {
	base := Outputs{FanPower: 1}
	_ = Merge(base, PartialOutputs{FanPower: ip(99)})
	if base.FanPower != 1 {
		t.Fatalf("Merge mutated base in place: %+v", base)
	}
}

func TestSnapshot_DeepCopiesSensorPointers(t *testing.T) {
	s := New()
	s.Sensors.BoilerTempC = f64(55)

	snap := s.Snapshot()
	*snap.Sensors.BoilerTempC = 999

	if *s.Sensors.BoilerTempC != 55 {
		t.Fatalf("mutating snapshot's sensor pointer leaked into live state: %v", *s.Sensors.BoilerTempC)
	}
}

func TestSnapshot_DeepCopiesModulesAndRuntime(t *testing.T) {
	s := New()
	s.Modules["feeder"] = ModuleStatus{ID: "feeder", Health: HealthOK}
	s.Runtime["stats"] = map[string]interface{}{"a": 1}

	snap := s.Snapshot()
	snap.Modules["feeder"] = ModuleStatus{ID: "feeder", Health: HealthError}
	snap.Runtime["new_key"] = "x"

	if s.Modules["feeder"].Health != HealthOK {
		t.Fatalf("mutating snapshot's Modules map leaked into live state")
	}
	if _, ok := s.Runtime["new_key"]; ok {
		t.Fatalf("mutating snapshot's Runtime map leaked into live state")
	}
}

func TestSnapshot_NilOptionalSensorsStayNil(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	if snap.Sensors.BoilerTempC != nil {
		t.Fatalf("expected nil BoilerTempC to stay nil in snapshot")
	}
}

func TestNew_StartsInModeOff(t *testing.T) {
	s := New()
	if s.Mode != ModeOff {
		t.Fatalf("expected ModeOff, got %v", s.Mode)
	}
	if s.Modules == nil || s.Runtime == nil {
		t.Fatalf("New must initialize Modules and Runtime maps")
	}
}
