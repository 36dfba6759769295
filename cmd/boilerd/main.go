// Package main — cmd/boilerd/main.go
//
// boilerd is the production boiler controller daemon. It loads process
// config, builds a logger, and hands off to internal/daemon.Run, which owns
// the full subsystem lifecycle (modules, hardware, servers, loops, signal
// handling).
//
// On config load/validation failure or logger construction failure: exit 1
// immediately (no partial state). On a clean SIGINT/SIGTERM shutdown: exit 0.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lecztomek/boilerctl/internal/appconfig"
	"github.com/lecztomek/boilerctl/internal/daemon"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "/etc/boilerctl/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("boilerd %s\n", version)
		os.Exit(0)
	}

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	cfg.HTTP.RateLimitPeriod = time.Minute

	log, err := buildLogger(cfg.Logging.Level, cfg.Logging.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("boilerd starting",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("hardware_backend", cfg.Hardware.Backend),
	)

	if err := daemon.Run(cfg, log); err != nil {
		log.Fatal("daemon exited with error", zap.Error(err))
	}
}

// buildLogger constructs a zap.Logger matching the teacher's own level
// parsing and dev/production config selection.
func buildLogger(level string, dev bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
