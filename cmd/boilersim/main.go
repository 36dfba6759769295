// Package main — cmd/boilersim/main.go
//
// boilersim runs the identical controller daemon as cmd/boilerd, forced
// onto the in-process hardware simulator (internal/hw/sim) regardless of
// what config.yaml's hardware.backend says - useful for exercising the
// full module set, HTTP API, and both loops against synthetic physics
// without a boiler attached, mirroring the teacher's split between its
// full agent binary and a standalone simulator binary.
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
		fmt.Printf("boilersim %s\n", version)
		os.Exit(0)
	}

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	cfg.HTTP.RateLimitPeriod = time.Minute
	cfg.Hardware.Backend = "sim"

	log, err := buildLogger(cfg.Logging.Level, cfg.Logging.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("boilersim starting",
		zap.String("version", version),
		zap.String("config", *configPath),
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
