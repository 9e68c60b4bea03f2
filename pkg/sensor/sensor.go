// Package sensor joins a device Capability with the unit and format state
// that turns its raw readings into displayed values.
package sensor

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/ericogr/envlogger/pkg/unit"
)

// NoValue marks a missing or invalid reading.
var NoValue = math.Inf(-1)

// IsNoValue reports whether v is NoValue (or NaN).
func IsNoValue(v float64) bool { return math.IsInf(v, -1) || math.IsNaN(v) }

// Capability is what a device driver exposes. RequestReading and
// CollectReading must not block; the caller waits ConversionDelay between
// them. Reading returns NoValue until a successful collect.
type Capability interface {
	Available() bool
	Reading() float64
	RequestReading()
	CollectReading()
	ConversionDelay() time.Duration
	Identifier() string
	Chip() string
}

// Reading is a calibrated value of one sensor at one point in time.
type Reading struct {
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	Unit      string    `json:"unit"`
	Value     float64   `json:"value"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Sensor is a named, unit-aware view on a Capability.
type Sensor struct {
	*unit.UnitFormat

	name   string
	symbol string
	dev    Capability
}

// New returns a sensor reading dev. basicUnit is the unit dev reports in.
func New(dev Capability, name, symbol, basicUnit, format string, resolution float64) (*Sensor, error) {
	uf, err := unit.New(basicUnit, format, resolution)
	if err != nil {
		return nil, errors.Wrapf(err, "sensor %s", name)
	}
	return &Sensor{UnitFormat: uf, name: name, symbol: symbol, dev: dev}, nil
}

func (s *Sensor) Name() string         { return s.name }
func (s *Sensor) Symbol() string       { return s.symbol }
func (s *Sensor) Available() bool      { return s.dev.Available() }
func (s *Sensor) Identifier() string   { return s.dev.Identifier() }
func (s *Sensor) Chip() string         { return s.dev.Chip() }
func (s *Sensor) Delay() time.Duration { return s.dev.ConversionDelay() }
func (s *Sensor) Request()             { s.dev.RequestReading() }
func (s *Sensor) Collect()             { s.dev.CollectReading() }
func (s *Sensor) String() string       { return s.name }

// RawReading is the last collected reading in the basic unit.
func (s *Sensor) RawReading() float64 {
	if !s.dev.Available() {
		return NoValue
	}
	return s.dev.Reading()
}

// Value is factor*reading + offset, or NoValue.
func (s *Sensor) Value() float64 {
	raw := s.RawReading()
	if IsNoValue(raw) {
		return NoValue
	}
	return s.UnitFormat.Value(raw)
}

// ValueStr formats Value() with the primary or compact format.
func (s *Sensor) ValueStr(compact bool) string {
	return s.UnitFormat.ValueStr(s.Value(), compact)
}

// Reading returns the current value stamped with ts.
func (s *Sensor) Reading(ts time.Time) Reading {
	return Reading{
		Name:      s.name,
		Symbol:    s.symbol,
		Unit:      s.Unit(),
		Value:     s.Value(),
		Text:      s.ValueStr(true),
		Timestamp: ts,
	}
}

// Read requests a conversion, waits for it and collects it. It blocks for
// ConversionDelay, which can be several hundred milliseconds.
func (s *Sensor) Read(ctx context.Context) (float64, error) {
	s.dev.RequestReading()
	if d := s.dev.ConversionDelay(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return NoValue, ctx.Err()
		case <-t.C:
		}
	}
	s.dev.CollectReading()
	return s.Value(), nil
}

// Report writes a single line describing the sensor. Unavailable sensors
// write nothing.
func (s *Sensor) Report(w io.Writer) {
	if !s.Available() {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s", s.name, s.symbol)
	u := s.Unit()
	pad := 6 - utf8.RuneCountInString(u)
	if u != "" {
		fmt.Fprintf(&b, " (%s)", u)
	} else {
		b.WriteString("   ")
	}
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	fmt.Fprintf(&b, " at a resolution of %5s%s", s.ResolutionStr(true), u)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if chip := s.Chip(); chip != "" {
		fmt.Fprintf(&b, " on %-12s device", chip)
	} else {
		b.WriteString(strings.Repeat(" ", 23))
	}
	if id := s.Identifier(); id != "" {
		fmt.Fprintf(&b, " with ID %s", id)
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(w, b.String())
}
