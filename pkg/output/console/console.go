package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/envlogger/pkg/output"
	"github.com/ericogr/envlogger/pkg/sensor"
)

type ConsoleOutput struct {
	w       io.Writer
	symbols bool
}

// NewConsole prints readings to stdout.
func NewConsole(symbols bool) output.Output { return NewConsoleWriter(os.Stdout, symbols) }

// NewConsoleWriter writes to w, labelling readings by symbol if symbols is set.
func NewConsoleWriter(w io.Writer, symbols bool) output.Output {
	return &ConsoleOutput{w: w, symbols: symbols}
}

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		label := r.Name
		if c.symbols && r.Symbol != "" {
			label = r.Symbol
		}
		text := r.Text
		if sensor.IsNoValue(r.Value) {
			text = "-"
		}
		if _, err := fmt.Fprintf(c.w, "%s %s=%s%s\n", r.Timestamp.Format(time.RFC3339), label, text, r.Unit); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
