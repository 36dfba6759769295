// Package serial implements hw.Interface against a real board over a serial
// device file, using an exclusive flock so two daemon instances can never
// drive the same board at once.
package serial

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/lecztomek/boilerctl/internal/state"
)

// Device talks to the board over a line-oriented protocol on a serial
// device file: each ReadSensors sends "R\n" and parses one reply line of
// "key=value" pairs separated by ';'; each ApplyOutputs sends one "W
// key=value;..." line. The exact wire format is a hardware-driver concern
// out of this repository's scope; this is the minimal real implementation
// satisfying hw.Interface.
type Device struct {
	f  *os.File
	rw *bufio.ReadWriter
}

// Open opens path exclusively (flock) so a second instance refuses to start
// against the same device, matching the teacher's capability/resource
// exclusivity discipline.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial: device %s is locked by another instance: %w", path, err)
	}
	return &Device{
		f:  f,
		rw: bufio.NewReadWriter(bufio.NewReader(f), bufio.NewWriter(f)),
	}, nil
}

func (d *Device) ReadSensors() (state.Sensors, error) {
	if _, err := d.rw.WriteString("R\n"); err != nil {
		return state.Sensors{}, fmt.Errorf("serial: write request: %w", err)
	}
	if err := d.rw.Flush(); err != nil {
		return state.Sensors{}, fmt.Errorf("serial: flush: %w", err)
	}
	line, err := d.rw.ReadString('\n')
	if err != nil {
		return state.Sensors{}, fmt.Errorf("serial: read reply: %w", err)
	}
	return parseSensors(line), nil
}

func (d *Device) ApplyOutputs(o state.Outputs) error {
	line := fmt.Sprintf(
		"W fan=%d;feeder=%t;pump_co=%t;pump_dhw=%t;pump_circ=%t;alarm_buzzer=%t;alarm_relay=%t;mixer_open=%t;mixer_close=%t\n",
		o.FanPower, o.Feeder, o.PumpCO, o.PumpDHW, o.PumpCirc, o.AlarmBuzzer, o.AlarmRelay, o.MixerOpen, o.MixerClose,
	)
	if _, err := d.rw.WriteString(line); err != nil {
		return fmt.Errorf("serial: write outputs: %w", err)
	}
	return d.rw.Flush()
}

func (d *Device) Close() error {
	return d.f.Close()
}

func parseSensors(line string) state.Sensors {
	var s state.Sensors
	for _, kv := range strings.Split(strings.TrimSpace(line), ";") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if val == "" {
			continue // absent sensor reported as empty value
		}
		switch key {
		case "boiler":
			setFloat(&s.BoilerTempC, val)
		case "return":
			setFloat(&s.ReturnTempC, val)
		case "radiator":
			setFloat(&s.RadiatorTempC, val)
		case "dhw":
			setFloat(&s.DHWTempC, val)
		case "flue":
			setFloat(&s.FlueTempC, val)
		case "hopper":
			setFloat(&s.HopperTempC, val)
		case "outside":
			setFloat(&s.OutsideTempC, val)
		case "mixer":
			setFloat(&s.MixerTempC, val)
		case "safety_tripped":
			setBool(&s.SafetyTripped, val)
		case "door_open":
			setBool(&s.DoorOpen, val)
		}
	}
	return s
}

func setFloat(dst **float64, raw string) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return
	}
	*dst = &v
}

func setBool(dst **bool, raw string) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	*dst = &v
}
