// Package sim implements hw.Interface over an in-memory thermal model, for
// the boilersim binary and for tests that want to observe a full kernel
// tick loop without a real board. It is a first-class test collaborator,
// not production code.
package sim

import (
	"math/rand"
	"sync"

	"github.com/lecztomek/boilerctl/internal/state"
)

// Simulator is a small first-order thermal model: boiler temperature rises
// toward a target proportional to power_percent (plus a small bonus while
// the feeder runs) and decays toward ambient, radiator temperature chases
// boiler temperature through the mixer valve position, flue temperature
// tracks the same power term with a lag.
type Simulator struct {
	mu sync.Mutex

	boilerC   float64
	radiatorC float64
	flueC     float64
	hopperC   float64
	outsideC  float64
	mixerPos  float64 // 0=fully closed .. 1=fully open

	lastOutputs state.Outputs
	rng         *rand.Rand
}

// New returns a Simulator with plausible cold-start values.
func New(seed int64) *Simulator {
	return &Simulator{
		boilerC:   20,
		radiatorC: 18,
		flueC:     20,
		hopperC:   18,
		outsideC:  8,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

const dtAssumedS = 0.5 // matches the critical loop's nominal cadence

func (s *Simulator) ReadSensors() (state.Sensors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.step()

	b, r, f, h, o := s.boilerC, s.radiatorC, s.flueC, s.hopperC, s.outsideC
	return state.Sensors{
		BoilerTempC:   &b,
		RadiatorTempC: &r,
		FlueTempC:     &f,
		HopperTempC:   &h,
		OutsideTempC:  &o,
	}, nil
}

func (s *Simulator) ApplyOutputs(o state.Outputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOutputs = o
	if o.MixerOpen {
		s.mixerPos += 0.02
	}
	if o.MixerClose {
		s.mixerPos -= 0.02
	}
	if s.mixerPos > 1 {
		s.mixerPos = 1
	}
	if s.mixerPos < 0 {
		s.mixerPos = 0
	}
	return nil
}

func (s *Simulator) Close() error { return nil }

// step advances the thermal model by dtAssumedS, driven by the outputs from
// the previous ApplyOutputs call.
func (s *Simulator) step() {
	power := s.lastOutputs.PowerPercent / 100
	if s.lastOutputs.Feeder {
		power += 0.05
	}

	heatGain := power * 1.5
	heatLoss := (s.boilerC - s.outsideC) * 0.01
	s.boilerC += (heatGain - heatLoss) * dtAssumedS

	s.flueC += ((150*power + 30) - s.flueC) * 0.05 * dtAssumedS

	target := s.boilerC*s.mixerPos + s.outsideC*(1-s.mixerPos)
	s.radiatorC += (target - s.radiatorC) * 0.05 * dtAssumedS

	if s.lastOutputs.Feeder {
		s.hopperC -= 0.0005 * dtAssumedS
	}

	s.boilerC += (s.rng.Float64() - 0.5) * 0.01
}
