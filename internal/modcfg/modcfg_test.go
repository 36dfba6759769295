package modcfg

import (
	"errors"
	"os"
	"testing"
)

func numField(key string, def, min, max float64) Field {
	return Field{Key: key, Type: TypeNumber, Default: def, Min: &min, Max: &max}
}

func TestSchema_ValidateRejectsOutOfRangeNumber(t *testing.T) {
	s := Schema{Fields: []Field{numField("kp", 1.0, 0, 10)}}
	err := s.Validate(Values{"kp": 20.0})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSchema_ValidateAcceptsInRangeNumber(t *testing.T) {
	s := Schema{Fields: []Field{numField("kp", 1.0, 0, 10)}}
	if err := s.Validate(Values{"kp": 5.0}); err != nil {
		t.Fatalf("expected valid value accepted, got %v", err)
	}
}

func TestSchema_ValidateIgnoresMissingKeys(t *testing.T) {
	s := Schema{Fields: []Field{numField("kp", 1.0, 0, 10)}}
	if err := s.Validate(Values{}); err != nil {
		t.Fatalf("expected missing key to be ignored, got %v", err)
	}
}

func TestSchema_ValidateRejectsWrongType(t *testing.T) {
	s := Schema{Fields: []Field{numField("kp", 1.0, 0, 10)}}
	if err := s.Validate(Values{"kp": "not a number"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for wrong type, got %v", err)
	}
}

func TestSchema_ValidateEnforcesTextOptions(t *testing.T) {
	s := Schema{Fields: []Field{{Key: "backend", Type: TypeText, Default: "sim", Options: []string{"sim", "serial"}}}}
	if err := s.Validate(Values{"backend": "bogus"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for option not in list, got %v", err)
	}
	if err := s.Validate(Values{"backend": "serial"}); err != nil {
		t.Fatalf("expected valid option accepted, got %v", err)
	}
}

func TestSchema_WithDefaultsFillsMissingKeysOnly(t *testing.T) {
	s := Schema{Fields: []Field{
		numField("kp", 1.0, 0, 10),
		numField("ki", 2.0, 0, 10),
	}}
	out := s.WithDefaults(Values{"kp": 9.0})
	if out["kp"] != 9.0 {
		t.Fatalf("expected explicit value preserved, got %v", out["kp"])
	}
	if out["ki"] != 2.0 {
		t.Fatalf("expected default filled in, got %v", out["ki"])
	}
}

func TestSaveAndLoadValues_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Values{"kp": 3.5, "enabled": true}
	if err := SaveValues(dir, want); err != nil {
		t.Fatalf("SaveValues: %v", err)
	}
	got, err := LoadValues(dir)
	if err != nil {
		t.Fatalf("LoadValues: %v", err)
	}
	if got["enabled"] != true {
		t.Fatalf("expected enabled=true round-tripped, got %+v", got)
	}
}

func TestLoadValues_MissingFileReturnsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadValues(dir)
	if err != nil {
		t.Fatalf("expected no error for missing values.yaml, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty Values, got %+v", got)
	}
}

func TestSaveValues_LeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	if err := SaveValues(dir, Values{"a": 1.0}); err != nil {
		t.Fatalf("SaveValues: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "values.yaml" {
		t.Fatalf("expected only values.yaml in dir, got %v", entries)
	}
}
