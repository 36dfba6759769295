// Command tickbench drives the kernel's merge/tick path in isolation, back to
// back for a configurable number of ticks, to characterize tick latency
// headroom against the critical loop's 500ms budget. It wires a real
// sim-backed kernel with the WORK PI regulator and the feeder, blower, pumps,
// mixer, overheat and safety modules, so the measured path exercises the
// merge and invariant enforcement without a real board attached; the
// ignition and manual modules are not included.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/control/blower"
	"github.com/lecztomek/boilerctl/internal/control/feeder"
	"github.com/lecztomek/boilerctl/internal/control/mixer"
	"github.com/lecztomek/boilerctl/internal/control/overheat"
	"github.com/lecztomek/boilerctl/internal/control/pi"
	"github.com/lecztomek/boilerctl/internal/control/pumps"
	"github.com/lecztomek/boilerctl/internal/control/safety"
	"github.com/lecztomek/boilerctl/internal/eventbus"
	"github.com/lecztomek/boilerctl/internal/hw/sim"
	"github.com/lecztomek/boilerctl/internal/invariant"
	"github.com/lecztomek/boilerctl/internal/kernel"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/observability"
	"github.com/lecztomek/boilerctl/internal/state"
)

const tickBudget = 500 * time.Millisecond

func main() {
	iterations := flag.Int("iterations", 5000, "number of ticks to drive")
	output := flag.String("output", "", "optional CSV output path, one row per tick")
	targetP99Us := flag.Int("p99-target-us", int(50*time.Millisecond/time.Microsecond), "p99 latency threshold in microseconds before exiting non-zero")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	k, err := buildKernel()
	if err != nil {
		log.Fatalf("buildKernel: %v", err)
	}

	var w *csv.Writer
	var f *os.File
	if *output != "" {
		f, err = os.Create(*output)
		if err != nil {
			log.Fatalf("create output: %v", err)
		}
		defer f.Close()
		w = csv.NewWriter(f)
		defer w.Flush()
		if err := w.Write([]string{"iteration", "latency_us"}); err != nil {
			log.Fatalf("write header: %v", err)
		}
	}

	const histBuckets = 10001 // 0..10000us, last bucket catches overflow
	hist := make([]int, histBuckets)

	for i := 0; i < *iterations; i++ {
		d := k.RunTick()
		us := int(d / time.Microsecond)
		bucket := us
		if bucket >= histBuckets {
			bucket = histBuckets - 1
		}
		hist[bucket]++

		if w != nil {
			if err := w.Write([]string{fmt.Sprintf("%d", i), fmt.Sprintf("%d", us)}); err != nil {
				log.Fatalf("write row: %v", err)
			}
		}
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)
	fmt.Printf("ticks: %d\n", *iterations)
	fmt.Printf("p50: %dus  p95: %dus  p99: %dus  budget: %s\n", p50, p95, p99, tickBudget)

	if time.Duration(p99)*time.Microsecond > tickBudget {
		fmt.Printf("FAIL: p99 latency %dus exceeds the %s critical loop budget\n", p99, tickBudget)
		os.Exit(1)
	}
	if p99 > *targetP99Us {
		fmt.Printf("FAIL: p99 latency %dus exceeds target threshold %dus\n", p99, *targetP99Us)
		os.Exit(1)
	}
}

// computePercentiles walks a cumulative latency histogram to find the
// bucket at which each target fraction of the total sample count is
// reached.
func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	if total == 0 {
		return 0, 0, 0
	}
	targets := [3]float64{0.50, 0.95, 0.99}
	results := [3]int{}
	cumulative := 0
	next := 0
	for us, count := range hist {
		cumulative += count
		for next < len(targets) && float64(cumulative) >= targets[next]*float64(total) {
			results[next] = us
			next++
		}
		if next >= len(targets) {
			break
		}
	}
	return results[0], results[1], results[2]
}

// buildKernel assembles a sim-backed kernel from the PI regulator followed by
// the feeder, blower, pumps, mixer, overheat and safety modules, without
// reading a manifest file from disk. The ignition and manual modules are
// left out.
func buildKernel() (*kernel.Kernel, error) {
	log := zap.NewNop()
	metrics := observability.NewMetrics()
	bus := eventbus.New(1024, metrics.EventsDropped, metrics.EventsOverflow)
	store := state.NewStore(bus)

	dir, err := os.MkdirTemp("", "tickbench-*")
	if err != nil {
		return nil, err
	}

	piMod, err := pi.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("pi.New: %w", err)
	}
	feederMod, err := feeder.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("feeder.New: %w", err)
	}
	blowerMod, err := blower.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("blower.New: %w", err)
	}
	pumpsMod, err := pumps.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("pumps.New: %w", err)
	}
	mixerMod, err := mixer.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("mixer.New: %w", err)
	}
	overheatMod, err := overheat.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("overheat.New: %w", err)
	}
	safetyMod, err := safety.New(dir, modcfg.Values{}, log)
	if err != nil {
		return nil, fmt.Errorf("safety.New: %w", err)
	}

	modules := []module.Module{piMod, feederMod, blowerMod, pumpsMod, mixerMod, overheatMod, safetyMod}

	limits := func(snap state.SystemState) invariant.Limits {
		min, max := piMod.Limits()
		return invariant.Limits{MinPower: min, MaxPower: max}
	}

	hardware := sim.New(1)
	return kernel.New(store, hardware, modules, clock.NewSystem(), 500*time.Millisecond, limits, log, metrics, nil), nil
}
