// Package unit keeps a sensor's physical unit, the linear transform from raw
// readings into that unit and the printf-style format used to display values.
package unit

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultFormat is used when a sensor does not specify a format.
const DefaultFormat = "%.5g"

// UnitFormat maps raw readings to value = factor*raw + offset and formats
// them. The compact format is always derived from the primary format.
type UnitFormat struct {
	basicUnit  string
	unit       string
	factor     float64
	offset     float64
	format     string
	compact    string
	resolution float64
}

// New returns a UnitFormat in its basic unit (factor 1, offset 0).
// resolution is the nominal resolution of the raw reading.
func New(unit, format string, resolution float64) (*UnitFormat, error) {
	if format == "" {
		format = DefaultFormat
	}
	u := &UnitFormat{basicUnit: unit, unit: unit, factor: 1, resolution: resolution}
	if err := u.SetFormat(format); err != nil {
		return nil, err
	}
	return u, nil
}

// BasicUnit is the unit raw readings are in.
func (u *UnitFormat) BasicUnit() string { return u.basicUnit }

// Unit is the unit of transformed values, which are Factor*raw + Offset.
func (u *UnitFormat) Unit() string { return u.unit }

func (u *UnitFormat) Factor() float64 { return u.factor }
func (u *UnitFormat) Offset() float64 { return u.offset }

// Format is the primary format, as set.
func (u *UnitFormat) Format() string { return u.format }

// CompactFormat is Format without a field width.
func (u *UnitFormat) CompactFormat() string { return u.compact }

// SetFormat stores format verbatim and derives the compact format from it.
func (u *UnitFormat) SetFormat(format string) error {
	if len(format) > MaxFormatLen {
		return errors.Errorf("format %q exceeds %d characters", format, MaxFormatLen)
	}
	u.format = format
	u.compact = ParseFormat(format).Compact().String()
	return nil
}

// SetUnit replaces unit, factor and offset. The format is kept.
func (u *UnitFormat) SetUnit(unit string, factor, offset float64) {
	u.unit = unit
	u.factor = factor
	u.offset = offset
}

// SetUnitFactor is SetUnit with a zero offset.
func (u *UnitFormat) SetUnitFactor(unit string, factor float64) {
	u.SetUnit(unit, factor, 0)
}

// SetUnitFormat replaces unit, factor, offset and format in one call.
func (u *UnitFormat) SetUnitFormat(unit string, factor, offset float64, format string) error {
	u.SetUnit(unit, factor, offset)
	return u.SetFormat(format)
}

// SetResolution sets the nominal resolution of the raw reading.
func (u *UnitFormat) SetResolution(resolution float64) { u.resolution = resolution }

// Resolution is the resolution in the current unit.
func (u *UnitFormat) Resolution() float64 { return u.factor * u.resolution }

// Value transforms a raw reading into the current unit.
func (u *UnitFormat) Value(raw float64) float64 { return u.factor*raw + u.offset }

// ValueStr formats an already transformed value.
func (u *UnitFormat) ValueStr(v float64, compact bool) string {
	if compact {
		return ParseFormat(u.compact).Render(v)
	}
	return ParseFormat(u.format).Render(v)
}

// ResolutionStr formats Resolution().
func (u *UnitFormat) ResolutionStr(compact bool) string {
	return u.ValueStr(u.Resolution(), compact)
}

// AdaptFormat shifts the number of decimals of a fixed-point format by
// decimals, never below zero. The width follows when a decimal point appears
// or disappears so columns stay aligned. Other verbs are left alone.
func (u *UnitFormat) AdaptFormat(decimals int) error {
	f := ParseFormat(u.format)
	if !f.FixedPoint() {
		return nil
	}
	orig := f.Precision
	if f.Precision >= 0 {
		f.Precision += decimals
		if f.Precision < 0 {
			f.Precision = 0
		}
	}
	if f.Width >= 0 {
		switch {
		case orig > 0 && f.Precision == 0:
			f.Width--
		case orig == 0 && f.Precision > 0:
			f.Width++
		}
	}
	return u.SetFormat(f.String())
}

// SetSIPrefix prepends prefix to the unit, sets factor and adapts the
// number of decimals.
func (u *UnitFormat) SetSIPrefix(prefix string, factor float64, decimals int) error {
	u.SetUnitFactor(prefix+u.unit, factor)
	return u.AdaptFormat(decimals)
}

// Conversion is a named unit change applied on top of the basic unit.
type Conversion struct {
	Unit     string
	Factor   float64
	Offset   float64
	Decimals int
}

// Conversions lists the canned unit changes by name.
var Conversions = map[string]Conversion{
	"percent":    {Unit: "%", Factor: 100, Decimals: -2},
	"kelvin":     {Unit: "K", Factor: 1, Offset: 273.15},
	"fahrenheit": {Unit: "F", Factor: 9.0 / 5.0, Offset: 32},
	"bar":        {Unit: "bar", Factor: 1e-5, Decimals: 5},
	"mbar":       {Unit: "mbar", Factor: 0.01, Decimals: 2},
	"at":         {Unit: "at", Factor: 0.0000101971621298, Decimals: 5},
	"atm":        {Unit: "atm", Factor: 0.00000986923266716, Decimals: 5},
	"mmhg":       {Unit: "mmHg", Factor: 0.00750061575846, Decimals: 2},
	"psi":        {Unit: "psi", Factor: 0.00014503773773, Decimals: 4},
	"torr":       {Unit: "torr", Factor: 0.00750061682704, Decimals: 2},
}

// Apply switches u to c.
func (c Conversion) Apply(u *UnitFormat) error {
	u.SetUnit(c.Unit, c.Factor, c.Offset)
	if c.Decimals == 0 {
		return nil
	}
	return u.AdaptFormat(c.Decimals)
}

// Convert applies the named conversion, case insensitive.
func (u *UnitFormat) Convert(name string) error {
	c, ok := Conversions[strings.ToLower(name)]
	if !ok {
		return errors.Errorf("unknown unit conversion %q", name)
	}
	return c.Apply(u)
}

// SetPercent and the setters below apply the conversion of the same name.
func (u *UnitFormat) SetPercent() error    { return Conversions["percent"].Apply(u) }
func (u *UnitFormat) SetKelvin() error     { return Conversions["kelvin"].Apply(u) }
func (u *UnitFormat) SetFahrenheit() error { return Conversions["fahrenheit"].Apply(u) }
func (u *UnitFormat) SetBar() error        { return Conversions["bar"].Apply(u) }
func (u *UnitFormat) SetMilliBar() error   { return Conversions["mbar"].Apply(u) }
func (u *UnitFormat) SetAt() error         { return Conversions["at"].Apply(u) }
func (u *UnitFormat) SetAtm() error        { return Conversions["atm"].Apply(u) }
func (u *UnitFormat) SetMMHg() error       { return Conversions["mmhg"].Apply(u) }
func (u *UnitFormat) SetPSI() error        { return Conversions["psi"].Apply(u) }
func (u *UnitFormat) SetTorr() error       { return Conversions["torr"].Apply(u) }
