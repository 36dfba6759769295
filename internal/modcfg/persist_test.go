package modcfg

import (
	"testing"
	"time"
)

type fakePersisted struct {
	Integral float64 `yaml:"integral"`
	Power    float64 `yaml:"power"`
}

func fp(v float64) *float64 { return &v }

func TestSaveState_RestoreState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := fakePersisted{Integral: 1.5, Power: 42}

	if err := SaveState(dir, "pi", now, fp(55), want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var got fakePersisted
	ok, reason, err := RestoreState(dir, "pi", now.Add(time.Minute), fp(56), time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if !ok {
		t.Fatalf("expected restore to succeed, reason=%q", reason)
	}
	if got != want {
		t.Fatalf("expected round-tripped payload %+v, got %+v", want, got)
	}
}

func TestRestoreState_MissingFileIsColdStartNotError(t *testing.T) {
	dir := t.TempDir()
	var got fakePersisted
	ok, reason, err := RestoreState(dir, "pi", time.Now(), nil, time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("expected no error for missing state file, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing state file")
	}
	if reason != "" {
		t.Fatalf("expected empty skip reason for missing file, got %q", reason)
	}
}

func TestRestoreState_SkipsWhenTooOld(t *testing.T) {
	dir := t.TempDir()
	savedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := SaveState(dir, "pi", savedAt, nil, fakePersisted{Integral: 1}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var got fakePersisted
	ok, reason, err := RestoreState(dir, "pi", savedAt.Add(2*time.Hour), nil, time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if ok {
		t.Fatalf("expected stale state file to be rejected")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty skip reason")
	}
}

func TestRestoreState_SkipsWhenTemperatureDriftedTooFar(t *testing.T) {
	dir := t.TempDir()
	savedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := SaveState(dir, "pi", savedAt, fp(50), fakePersisted{Integral: 1}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var got fakePersisted
	ok, reason, err := RestoreState(dir, "pi", savedAt.Add(time.Minute), fp(80), time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if ok {
		t.Fatalf("expected large boiler-temp delta to reject restore")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty skip reason")
	}
}

func TestRestoreState_AllowsMissingTemperatureOnEitherSide(t *testing.T) {
	dir := t.TempDir()
	savedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := SaveState(dir, "pi", savedAt, nil, fakePersisted{Integral: 3}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var got fakePersisted
	ok, _, err := RestoreState(dir, "pi", savedAt.Add(time.Minute), fp(999), time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if !ok {
		t.Fatalf("expected restore to succeed when saved temperature is absent")
	}

	if err := SaveState(dir, "pi", savedAt, fp(50), fakePersisted{Integral: 3}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	ok, _, err = RestoreState(dir, "pi", savedAt.Add(time.Minute), nil, time.Hour, 5, &got)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if !ok {
		t.Fatalf("expected restore to succeed when current temperature is absent")
	}
}
