package sensor

import (
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"
)

// Quantity selects what an Env capability reports.
type Quantity int

const (
	Temperature Quantity = iota // °C
	Pressure                    // Pa
	Humidity                    // %RH
)

// Unit is the basic unit readings of q are reported in.
func (q Quantity) Unit() string {
	switch q {
	case Pressure:
		return "Pa"
	case Humidity:
		return "%"
	default:
		return "°C"
	}
}

func (q Quantity) fromEnv(e *physic.Env) float64 {
	switch q {
	case Pressure:
		return float64(e.Pressure) / float64(physic.Pascal)
	case Humidity:
		return float64(e.Humidity) / float64(physic.PercentRH)
	default:
		return float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin)
	}
}

// Env reads one quantity of a periph.io environmental sensor, e.g. a sysfs
// thermal zone. Sensing happens on collect; such devices convert on read.
type Env struct {
	dev      physic.SenseEnv
	quantity Quantity
	chip     string
	logger   *zap.SugaredLogger

	value float64
}

func NewEnv(dev physic.SenseEnv, q Quantity, chip string, logger *zap.SugaredLogger) *Env {
	return &Env{dev: dev, quantity: q, chip: chip, logger: logger, value: NoValue}
}

func (s *Env) Available() bool                { return s.dev != nil }
func (s *Env) Reading() float64               { return s.value }
func (s *Env) RequestReading()                {}
func (s *Env) ConversionDelay() time.Duration { return 0 }
func (s *Env) Identifier() string             { return s.dev.String() }
func (s *Env) Chip() string                   { return s.chip }

func (s *Env) CollectReading() {
	s.value = NoValue
	var e physic.Env
	if err := s.dev.Sense(&e); err != nil {
		s.logger.Warnw("sense", "id", s.dev.String(), "error", err)
		return
	}
	s.value = s.quantity.fromEnv(&e)
}

// Resolution is the device precision for the quantity, 0 if unknown.
func (s *Env) Resolution() float64 {
	var e physic.Env
	s.dev.Precision(&e)
	switch s.quantity {
	case Pressure:
		return float64(e.Pressure) / float64(physic.Pascal)
	case Humidity:
		return float64(e.Humidity) / float64(physic.PercentRH)
	default:
		return float64(e.Temperature) / float64(physic.Kelvin)
	}
}
