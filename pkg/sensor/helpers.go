package sensor

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/sysfs"

	"github.com/ericogr/envlogger/pkg/config"
)

// Factory builds sensors from configuration and owns the buses they share.
// Devices that cannot be bound become Offline sensors; only configuration
// mistakes are returned as errors.
type Factory struct {
	Simulate bool

	logger   *zap.SugaredLogger
	hostInit bool
	hostErr  error
	buses    map[string]i2c.BusCloser
	chips    map[string]*ads1115Chip

	// openBus is replaced in tests
	openBus func(name string) (i2c.BusCloser, error)
}

func NewFactory(simulate bool, logger *zap.SugaredLogger) *Factory {
	return &Factory{
		Simulate: simulate,
		logger:   logger,
		buses:    map[string]i2c.BusCloser{},
		chips:    map[string]*ads1115Chip{},
		openBus:  i2creg.Open,
	}
}

func (f *Factory) initHost() error {
	if !f.hostInit {
		f.hostInit = true
		if _, err := host.Init(); err != nil {
			f.hostErr = errors.Wrap(err, "host init")
		}
	}
	return f.hostErr
}

func (f *Factory) bus(name string) (i2c.BusCloser, error) {
	if b, ok := f.buses[name]; ok {
		return b, nil
	}
	if err := f.initHost(); err != nil {
		return nil, err
	}
	b, err := f.openBus(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c %q", name)
	}
	f.buses[name] = b
	return b, nil
}

// New builds the sensor described by sc.
func (f *Factory) New(sc config.SensorConfig) (*Sensor, error) {
	dev, basicUnit, format, resolution := f.capability(sc)
	if sc.Unit != "" {
		basicUnit = sc.Unit
	}
	if sc.Format != "" {
		format = sc.Format
	}
	if sc.Resolution > 0 {
		resolution = sc.Resolution
	}
	symbol := sc.Symbol
	if symbol == "" {
		symbol = sc.Name
	}
	s, err := New(dev, sc.Name, symbol, basicUnit, format, resolution)
	if err != nil {
		return nil, err
	}
	if sc.CalibrationScale != 0 {
		u := sc.DisplayUnit
		if u == "" {
			u = basicUnit
		}
		s.SetUnit(u, sc.CalibrationScale, sc.CalibrationOffset)
	}
	if sc.Convert != "" {
		if err := s.Convert(sc.Convert); err != nil {
			return nil, errors.Wrapf(err, "sensor %s", sc.Name)
		}
	}
	if !s.Available() {
		f.logger.Warnw("sensor not available", "sensor", sc.Name, "reason", dev)
	}
	return s, nil
}

func (f *Factory) capability(sc config.SensorConfig) (Capability, string, string, float64) {
	if f.Simulate || sc.Type == config.SensorTypeSimulated {
		delay := time.Duration(sc.DelayMs) * time.Millisecond
		if sc.Type == config.SensorTypeADS1115 && sc.DelayMs == 0 {
			delay = conversionTime(sc.SampleRate)
		}
		mean, noise := sc.Mean, sc.Noise
		switch {
		case sc.Type == config.SensorTypeADS1115 && mean == 0:
			mean, noise = ads1115FullScale/2, 0.05
		case sc.Type == config.SensorTypeThermal && mean == 0:
			mean, noise = 45, 2
		}
		id := fmt.Sprintf("sim-%s", sc.Name)
		switch sc.Type {
		case config.SensorTypeADS1115:
			return NewSimulated(id, mean, noise, delay), "V", "%.4f", ads1115FullScale / 32768.0
		case config.SensorTypeThermal:
			return NewSimulated(id, mean, noise, delay), Temperature.Unit(), "%.1f", 0.001
		default:
			return NewSimulated(id, mean, noise, delay), "", "", 0.01
		}
	}

	switch sc.Type {
	case config.SensorTypeADS1115:
		busName := sc.I2CBus
		if busName == "" {
			busName = defaultI2CBus
		}
		addr := uint16(sc.I2CAddress)
		if addr == 0 {
			addr = defaultI2CAddress
		}
		id := fmt.Sprintf("%s:0x%02X/A%d", busName, addr, sc.Channel)
		bus, err := f.bus(busName)
		if err != nil {
			return &Offline{ID: id, Kind: "ADS1115", Err: err}, "V", "%.4f", ads1115FullScale / 32768.0
		}
		dev, err := NewADS1115(bus, busName, addr, sc.Channel, sc.SampleRate, f.logger)
		if err != nil {
			return &Offline{ID: id, Kind: "ADS1115", Err: err}, "V", "%.4f", ads1115FullScale / 32768.0
		}
		key := ADS1115ChipKey(busName, addr)
		chip, ok := f.chips[key]
		if !ok {
			chip = &ads1115Chip{}
			f.chips[key] = chip
		}
		chip.attach(dev)
		return dev, "V", "%.4f", dev.Resolution()
	case config.SensorTypeThermal:
		zone := sc.Zone
		if zone == "" {
			zone = "thermal_zone0"
		}
		if err := f.initHost(); err != nil {
			return &Offline{ID: zone, Kind: "thermal", Err: err}, Temperature.Unit(), "%.1f", 0.001
		}
		ts, err := sysfs.ThermalSensorByName(zone)
		if err != nil {
			return &Offline{ID: zone, Kind: "thermal", Err: err}, Temperature.Unit(), "%.1f", 0.001
		}
		dev := NewEnv(ts, Temperature, "thermal", f.logger)
		res := dev.Resolution()
		if res <= 0 {
			res = 0.001
		}
		return dev, Temperature.Unit(), "%.1f", res
	default:
		return &Offline{ID: sc.Name, Kind: sc.Type, Err: errors.Errorf("unknown sensor type %q", sc.Type)}, "", "", 0
	}
}

func sampleRateOrDefault(sps int) int {
	if sps <= 0 {
		return 128
	}
	return sps
}

// Close releases all buses opened by the factory.
func (f *Factory) Close() error {
	var err error
	for name, b := range f.buses {
		err = multierr.Append(err, errors.Wrapf(b.Close(), "close i2c %q", name))
	}
	f.buses = map[string]i2c.BusCloser{}
	return err
}
