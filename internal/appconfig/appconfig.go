// Package appconfig loads the process-level configuration file: hardware
// device path, tick cadences, HTTP/metrics listen addresses, storage paths,
// and logging options. Structure and loading style are grounded directly
// on the teacher's own nested-struct config package.
package appconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HardwareConfig selects and configures the hw.Interface backend.
type HardwareConfig struct {
	Backend    string `yaml:"backend"` // "serial" or "sim"
	DevicePath string `yaml:"device_path"`
}

// LoopConfig fixes the two loop cadences.
type LoopConfig struct {
	CriticalTick  time.Duration `yaml:"critical_tick"`
	AuxiliaryTick time.Duration `yaml:"auxiliary_tick"`
}

// HTTPConfig configures the JSON API surface.
type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RateLimitPerMin int64         `yaml:"rate_limit_per_min"`
	RateLimitPeriod time.Duration `yaml:"-"`
}

// ObservabilityConfig configures the metrics server.
type ObservabilityConfig struct {
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// StorageConfig fixes on-disk data locations.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	ModulesDir   string `yaml:"modules_dir"`
	LedgerDBPath string `yaml:"ledger_db_path"`
	ManifestPath string `yaml:"manifest_path"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Dev   bool   `yaml:"dev"`
	Level string `yaml:"level"`
}

// Config is the full process-level configuration.
type Config struct {
	Hardware      HardwareConfig      `yaml:"hardware"`
	Loops         LoopConfig          `yaml:"loops"`
	HTTP          HTTPConfig          `yaml:"http"`
	Observability ObservabilityConfig `yaml:"observability"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Defaults returns a Config with production-sane defaults.
func Defaults() Config {
	return Config{
		Hardware: HardwareConfig{Backend: "sim", DevicePath: "/dev/ttyBOILER0"},
		Loops: LoopConfig{
			CriticalTick:  500 * time.Millisecond,
			AuxiliaryTick: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			RateLimitPerMin: 60,
		},
		Observability: ObservabilityConfig{MetricsListenAddr: ":9090"},
		Storage: StorageConfig{
			DataDir:      "/var/lib/boilerctl/data",
			ModulesDir:   "/var/lib/boilerctl/modules",
			LedgerDBPath: "/var/lib/boilerctl/ledger.db",
			ManifestPath: "/etc/boilerctl/modules.yaml",
		},
		Logging: LoggingConfig{Dev: false, Level: "info"},
	}
}

// Load reads path, applying any unset field from Defaults(), then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("appconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate aggregates every configuration error found rather than failing
// on the first one, matching the teacher's own aggregating Validate.
func Validate(cfg Config) error {
	var errs []string

	if cfg.Hardware.Backend != "serial" && cfg.Hardware.Backend != "sim" {
		errs = append(errs, fmt.Sprintf("hardware.backend must be 'serial' or 'sim', got %q", cfg.Hardware.Backend))
	}
	if cfg.Hardware.Backend == "serial" && cfg.Hardware.DevicePath == "" {
		errs = append(errs, "hardware.device_path is required for backend 'serial'")
	}
	if cfg.Loops.CriticalTick <= 0 {
		errs = append(errs, "loops.critical_tick must be > 0")
	}
	if cfg.Loops.AuxiliaryTick <= 0 {
		errs = append(errs, "loops.auxiliary_tick must be > 0")
	}
	if cfg.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listen_addr is required")
	}
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required")
	}
	if cfg.Storage.ManifestPath == "" {
		errs = append(errs, "storage.manifest_path is required")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "appconfig: validation failed:"
	for _, e := range errs {
		msg += "\n  - " + e
	}
	return fmt.Errorf("%s", msg)
}
