package unit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxFormatLen is the longest format string a UnitFormat accepts.
const MaxFormatLen = 16

// Format is a parsed printf-style format string for a single float value.
// Width and Precision are -1 when not given.
type Format struct {
	Flags     string
	Width     int
	Precision int
	Verb      string

	valid   bool
	bareDot bool // "%5.f": a dot without precision digits
}

// ParseFormat splits s into flags, width, precision and verb. Strings that do
// not start with '%' yield an invalid Format without width, precision or verb.
func ParseFormat(s string) Format {
	f := Format{Width: -1, Precision: -1}
	if !strings.HasPrefix(s, "%") {
		return f
	}
	f.valid = true
	i := 1
	for i < len(s) && strings.IndexByte("0+- #", s[i]) >= 0 {
		i++
	}
	f.Flags = s[1:i]
	j := i
	for j < len(s) && isDigit(s[j]) {
		j++
	}
	if j > i {
		f.Width, _ = strconv.Atoi(s[i:j])
	}
	if j < len(s) && s[j] == '.' {
		j++
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		if k > j {
			f.Precision, _ = strconv.Atoi(s[j:k])
		} else {
			f.bareDot = true
		}
		j = k
	}
	f.Verb = s[j:]
	return f
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Valid reports whether the parsed string started with '%'.
func (f Format) Valid() bool { return f.valid }

// FixedPoint reports whether the verb renders a fixed number of decimals.
func (f Format) FixedPoint() bool { return f.Verb == "f" || f.Verb == "F" }

// String reassembles the format string.
func (f Format) String() string {
	var b strings.Builder
	b.WriteByte('%')
	b.WriteString(f.Flags)
	if f.Width >= 0 {
		b.WriteString(strconv.Itoa(f.Width))
	}
	if f.Precision >= 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(f.Precision))
	} else if f.bareDot {
		b.WriteByte('.')
	}
	b.WriteString(f.Verb)
	return b.String()
}

// Compact returns the same format without a width.
func (f Format) Compact() Format {
	c := f
	c.Width = -1
	c.valid = true
	return c
}

// Render formats v. Invalid or unknown verbs fall back to the shortest
// representation of v instead of producing a fmt error string.
func (f Format) Render(v float64) string {
	if !f.valid {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	verb := f.Verb
	if n := len(verb); n > 1 {
		// C length modifiers such as "lf" carry no meaning here
		verb = verb[n-1:]
	}
	switch verb {
	case "f", "F", "e", "E", "g", "G":
		g := f
		g.Verb = verb
		return fmt.Sprintf(g.String(), v)
	case "d", "i", "u", "x", "X", "o":
		g := f
		if math.IsInf(v, 0) || math.IsNaN(v) {
			g.Verb, g.Precision, g.bareDot = "g", -1, false
			return fmt.Sprintf(g.String(), v)
		}
		if verb == "i" || verb == "u" {
			verb = "d"
		}
		g.Verb = verb
		return fmt.Sprintf(g.String(), int64(math.Round(v)))
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}
