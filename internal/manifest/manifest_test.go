package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

const sampleManifest = `
modules:
  - id: power_work_pi
    path: power
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
  - id: disabled_mod
    path: disabled
    enabled: false
    critical: true
`

func TestLoad_PreservesFileOrder(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Modules) != 4 || m.Modules[0].ID != "power_work_pi" || m.Modules[1].ID != "feeder" {
		t.Fatalf("expected file order preserved, got %+v", m.Modules)
	}
}

func TestCritical_ReturnsOnlyEnabledCriticalEntriesInOrder(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	crit := m.Critical()
	if len(crit) != 2 || crit[0].ID != "power_work_pi" || crit[1].ID != "feeder" {
		t.Fatalf("expected [power_work_pi, feeder], got %+v", crit)
	}
}

func TestAuxiliary_ReturnsOnlyEnabledNonCriticalEntries(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	aux := m.Auxiliary()
	if len(aux) != 1 || aux[0].ID != "history" {
		t.Fatalf("expected [history], got %+v", aux)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing manifest file")
	}
}

func TestFilter_DisabledEntryExcludedFromBothLists(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, e := range append(m.Critical(), m.Auxiliary()...) {
		if e.ID == "disabled_mod" {
			t.Fatalf("expected disabled_mod excluded from both critical and auxiliary lists")
		}
	}
}
