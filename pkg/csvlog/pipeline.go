// Package csvlog writes registry readings as delimiter separated lines into
// files on a Volume. Lines are assembled into bounded buffers first so that
// writes can be deferred until the storage is ready.
package csvlog

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/envlogger/pkg/registry"
)

const (
	DefaultHeaderCap = 256
	DefaultDataCap   = 2048

	isoLayout = "2006-01-02T15:04:05"
)

// TimeMode selects the leading timestamp column.
type TimeMode int

const (
	NoTime  TimeMode = iota
	SecTime          // seconds since start
	ISOTime          // absolute local time
)

func (m TimeMode) String() string {
	switch m {
	case SecTime:
		return "sec"
	case ISOTime:
		return "iso"
	default:
		return "none"
	}
}

// ParseTimeMode accepts "none", "sec" and "iso". The empty string is NoTime.
func ParseTimeMode(s string) (TimeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return NoTime, nil
	case "sec", "seconds", "s":
		return SecTime, nil
	case "iso", "iso8601":
		return ISOTime, nil
	}
	return NoTime, errors.Errorf("unknown time mode %q", s)
}

type Options struct {
	Delimiter string
	TimeMode  TimeMode
	HeaderCap int
	DataCap   int
	Logger    *zap.SugaredLogger
}

// Pipeline turns registry readings into CSV lines.
type Pipeline struct {
	reg    *registry.Registry
	logger *zap.SugaredLogger

	delim     string
	timeMode  TimeMode
	headerCap int
	dataCap   int

	header   string
	data     []byte
	lineSize int
	overflow bool // overflow has been logged

	sink io.WriteCloser
	path string
}

func New(reg *registry.Registry, opts Options) *Pipeline {
	p := &Pipeline{
		reg:       reg,
		logger:    opts.Logger,
		delim:     opts.Delimiter,
		timeMode:  opts.TimeMode,
		headerCap: opts.HeaderCap,
		dataCap:   opts.DataCap,
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	if p.delim == "" {
		p.delim = ","
	}
	if p.headerCap <= 0 {
		p.headerCap = DefaultHeaderCap
	}
	if p.dataCap <= 0 {
		p.dataCap = DefaultDataCap
	}
	p.data = make([]byte, 0, p.dataCap)
	return p
}

func (p *Pipeline) Header() string { return p.header }
func (p *Pipeline) Data() string   { return string(p.data) }
func (p *Pipeline) Path() string   { return p.path }
func (p *Pipeline) IsOpen() bool   { return p.sink != nil }

// SetTimeMode changes the timestamp column. A header built before has to be
// rebuilt.
func (p *Pipeline) SetTimeMode(m TimeMode) {
	if m != p.timeMode {
		p.timeMode = m
		p.header = ""
	}
}

// MakeHeader builds the header line from the available sensors. It returns
// false and keeps the previous header if there are no sensors or the line
// does not fit.
func (p *Pipeline) MakeHeader(symbols bool) bool {
	sensors := p.reg.Sensors()
	if len(sensors) == 0 {
		p.logger.Warn("no sensors available for csv header")
		return false
	}
	cols := make([]string, 0, len(sensors)+1)
	switch p.timeMode {
	case SecTime:
		cols = append(cols, "time/s")
	case ISOTime:
		cols = append(cols, "time")
	}
	for _, s := range sensors {
		cols = append(cols, registry.Title(s, symbols))
	}
	line := strings.Join(cols, p.delim) + "\n"
	if len(line) > p.headerCap {
		p.logger.Errorw("csv header exceeds buffer", "size", len(line), "capacity", p.headerCap)
		return false
	}
	p.header = line
	return true
}

// timestamp stamps a line with the time of the current readings, or with the
// current time if nothing was read yet.
func (p *Pipeline) timestamp() string {
	stamp := p.reg.LastUpdate()
	if stamp.IsZero() {
		stamp = p.reg.Now()
	}
	switch p.timeMode {
	case SecTime:
		start := p.reg.StartTime()
		if start.IsZero() {
			start = stamp
		}
		return fmt.Sprintf("%.3f", stamp.Sub(start).Seconds())
	case ISOTime:
		return stamp.Format(isoLayout)
	}
	return ""
}

// MakeData appends a line with the current readings to the data buffer. If
// the line does not fit it is dropped and the buffer is left as it was.
func (p *Pipeline) MakeData() bool {
	sensors := p.reg.Sensors()
	if len(sensors) == 0 {
		return false
	}
	cols := make([]string, 0, len(sensors)+1)
	if p.timeMode != NoTime {
		cols = append(cols, p.timestamp())
	}
	for _, s := range sensors {
		cols = append(cols, strings.TrimSpace(s.ValueStr(true)))
	}
	line := strings.Join(cols, p.delim) + "\n"
	if len(p.data)+len(line) > p.dataCap {
		if !p.overflow {
			p.overflow = true
			p.logger.Errorw("csv data exceeds buffer", "line", len(line), "buffered", len(p.data), "capacity", p.dataCap)
		}
		return false
	}
	p.data = append(p.data, line...)
	if len(line) > p.lineSize {
		p.lineSize = len(line)
	}
	return true
}

// Open opens path on vol, with ".csv" appended if missing, and writes the
// header unless appending to an existing file.
func (p *Pipeline) Open(vol Volume, path string, symbols, appendFile bool) bool {
	if p.sink != nil && !p.Close() {
		return false
	}
	if !strings.HasSuffix(path, ".csv") {
		path += ".csv"
	}
	if p.reg.Available() == 0 {
		p.logger.Warnw("no sensors available, not opening csv file", "path", path)
		return false
	}
	writeHeader := !(appendFile && vol.Exists(path))
	if writeHeader && p.header == "" && !p.MakeHeader(symbols) {
		return false
	}
	sink, err := vol.OpenFile(path, appendFile)
	if err != nil {
		p.logger.Errorw("open csv file", "path", path, "error", err)
		return false
	}
	if writeHeader {
		if _, err := io.WriteString(sink, p.header); err != nil {
			p.logger.Errorw("write csv header", "path", path, "error", err)
			_ = sink.Close()
			return false
		}
	}
	p.sink = sink
	p.path = path
	p.logger.Infow("csv file opened", "path", path, "append", !writeHeader)
	return true
}

// Write flushes the buffered lines to the open file. With nothing buffered it
// assembles a line from the current readings first.
func (p *Pipeline) Write() bool {
	if p.sink == nil {
		return false
	}
	if len(p.data) == 0 && !p.MakeData() {
		return false
	}
	if _, err := p.sink.Write(p.data); err != nil {
		p.logger.Errorw("write csv data", "path", p.path, "error", err)
		return false
	}
	p.data = p.data[:0]
	return true
}

// Close flushes pending lines and closes the file.
func (p *Pipeline) Close() bool {
	if p.sink == nil {
		return false
	}
	ok := true
	if len(p.data) > 0 {
		ok = p.Write()
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Errorw("close csv file", "path", p.path, "error", err)
		ok = false
	}
	p.sink = nil
	return ok
}

// Pending reports whether lines are buffered and the file can take them.
// Once the buffer cannot hold another line the file busy state is ignored.
func (p *Pipeline) Pending() bool {
	if len(p.data) == 0 || p.sink == nil {
		return false
	}
	if len(p.data)+p.lineSize > p.dataCap {
		return true
	}
	if b, ok := p.sink.(busySink); ok && b.Busy() {
		return false
	}
	return true
}

// Update runs the registry and buffers a line whenever new readings arrive.
func (p *Pipeline) Update() bool {
	if !p.reg.Update() {
		return false
	}
	p.MakeData()
	return true
}

// Start starts the registry and drops buffered lines.
func (p *Pipeline) Start() {
	p.reg.Start()
	p.data = p.data[:0]
	p.overflow = false
}
