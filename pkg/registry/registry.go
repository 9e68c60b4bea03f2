// Package registry schedules readings of an ordered set of sensors. Update
// drives a request, wait, collect cycle without ever blocking the caller.
package registry

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/envlogger/pkg/sensor"
)

// MaxSensors is the capacity of a Registry.
const MaxSensors = 20

var (
	ErrFull      = errors.New("registry is full")
	ErrDuplicate = errors.New("sensor already registered")
)

// State of the acquisition cycle.
type State int

const (
	Idle         State = iota // not started
	AwaitRequest              // waiting for the interval to pass
	AwaitCollect              // request issued, waiting for the conversion delay
)

func (s State) String() string {
	switch s {
	case AwaitRequest:
		return "await-request"
	case AwaitCollect:
		return "await-collect"
	default:
		return "idle"
	}
}

// Registry holds sensors in insertion order. All methods are safe to call
// from several goroutines; they serialize on one lock.
type Registry struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *zap.SugaredLogger

	sensors  []*sensor.Sensor
	interval time.Duration
	delay    time.Duration

	state       State
	useInterval time.Duration
	tick        time.Time // time of the last request
	start       time.Time
	stamp       time.Time // request time of the current readings
}

// New returns an empty registry reading every second.
func New(clk clock.Clock, logger *zap.SugaredLogger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{clock: clk, logger: logger, interval: time.Second}
}

// Add appends s. Unavailable sensors are kept but never read.
func (r *Registry) Add(s *sensor.Sensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.sensors {
		if have == s {
			return errors.Wrap(ErrDuplicate, s.Name())
		}
	}
	if len(r.sensors) >= MaxSensors {
		return errors.Wrapf(ErrFull, "cannot add %s", s.Name())
	}
	r.sensors = append(r.sensors, s)
	r.delay = r.maxDelay()
	if !s.Available() {
		r.logger.Warnw("sensor not available", "sensor", s.Name(), "id", s.Identifier())
	}
	return nil
}

// Size is the number of registered sensors.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sensors)
}

// Available is the number of available sensors.
func (r *Registry) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available())
}

func (r *Registry) available() []*sensor.Sensor {
	out := make([]*sensor.Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		if s.Available() {
			out = append(out, s)
		}
	}
	return out
}

// At returns the i-th registered sensor.
func (r *Registry) At(i int) *sensor.Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sensors[i]
}

// Sensors returns the available sensors in registry order.
func (r *Registry) Sensors() []*sensor.Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available()
}

// Interval between readings in seconds.
func (r *Registry) Interval() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval.Seconds()
}

// SetInterval sets the interval between readings, rounded to milliseconds.
func (r *Registry) SetInterval(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = time.Duration(math.Round(seconds*1000)) * time.Millisecond
	if r.state != Idle && r.useInterval > 0 {
		r.useInterval = r.interval
	}
}

// DelayTime is the longest conversion delay of the available sensors.
func (r *Registry) DelayTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

func (r *Registry) maxDelay() time.Duration {
	var d time.Duration
	for _, s := range r.available() {
		if sd := s.Delay(); sd > d {
			d = sd
		}
	}
	return d
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartTime is the time Start was called.
func (r *Registry) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

// Now is the current time of the registry clock.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// LastUpdate is when the current readings were requested. It is zero until
// the first readings were collected.
func (r *Registry) LastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamp
}

// Start resets the timing and recomputes DelayTime. The first request is
// issued by the next Update.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	r.start = now
	r.tick = now
	r.stamp = time.Time{}
	r.delay = r.maxDelay()
	r.useInterval = 0
	r.state = AwaitRequest
	if r.delay > r.interval {
		r.logger.Warnw("conversion delay exceeds interval", "delay", r.delay, "interval", r.interval)
	}
	r.logger.Debugw("acquisition started", "sensors", len(r.available()), "interval", r.interval, "delay", r.delay)
}

// Request asks all available sensors to start a conversion.
func (r *Registry) Request() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.request()
}

func (r *Registry) request() {
	for _, s := range r.available() {
		s.Request()
	}
}

// Get collects the conversions of all available sensors.
func (r *Registry) Get() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get()
}

func (r *Registry) get() {
	for _, s := range r.available() {
		s.Collect()
	}
}

// Update requests readings once per interval and collects them after
// DelayTime. Call it as often as possible; it never blocks. It returns true
// when new readings became available.
func (r *Registry) Update() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if r.state == AwaitRequest {
		if now.Sub(r.tick) < r.useInterval {
			return false
		}
		r.request()
		r.tick = now
		r.state = AwaitCollect
	}
	if r.state == AwaitCollect && now.Sub(r.tick) >= r.delay {
		r.get()
		r.stamp = r.tick
		r.useInterval = r.interval
		r.state = AwaitRequest
		return true
	}
	return false
}

// Read requests readings, waits DelayTime and collects them. It blocks, for
// up to several hundred milliseconds depending on the sensors. A request
// issued by Update and not yet collected is completed instead of repeated,
// and the update cycle restarts from it.
func (r *Registry) Read(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	requested, wait := now, r.delay
	if r.state == AwaitCollect {
		requested = r.tick
		wait -= now.Sub(r.tick)
	} else {
		r.request()
		if r.state != Idle {
			// Update collects it if ctx ends first
			r.tick = requested
			r.state = AwaitCollect
		}
	}
	if wait > 0 {
		t := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	r.get()
	r.stamp = requested
	if r.state != Idle {
		r.tick = requested
		r.useInterval = r.interval
		r.state = AwaitRequest
	}
	return nil
}

// Snapshot returns the current values of the available sensors.
func (r *Registry) Snapshot() []sensor.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.available()
	out := make([]sensor.Reading, 0, len(avail))
	for _, s := range avail {
		out = append(out, s.Reading(r.stamp))
	}
	return out
}

// Report describes all available sensors, one per line.
func (r *Registry) Report(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.available()
	if len(avail) == 0 {
		fmt.Fprintln(w, "No environmental sensors available.")
		return
	}
	fmt.Fprintf(w, "%d of %d environmental sensors available, read every %gs:\n", len(avail), len(r.sensors), r.interval.Seconds())
	for _, s := range avail {
		s.Report(w)
	}
}

// PrintHeader writes tab separated column titles of the available sensors.
func (r *Registry) PrintHeader(w io.Writer, symbols bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols := make([]string, 0, len(r.sensors))
	for _, s := range r.available() {
		cols = append(cols, Title(s, symbols))
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

// PrintValues writes the tab separated values matching PrintHeader.
func (r *Registry) PrintValues(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols := make([]string, 0, len(r.sensors))
	for _, s := range r.available() {
		cols = append(cols, s.ValueStr(false))
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

// Print writes one "name = value unit" line per available sensor.
func (r *Registry) Print(w io.Writer, symbols bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.available() {
		label := s.Name()
		if symbols {
			label = s.Symbol()
		}
		fmt.Fprintf(w, "%s = %s%s\n", label, s.ValueStr(false), s.Unit())
	}
}

// Title is the column title "name (unit)" or "symbol (unit)".
func Title(s *sensor.Sensor, symbols bool) string {
	label := s.Name()
	if symbols {
		label = s.Symbol()
	}
	if s.Unit() == "" {
		return label
	}
	return fmt.Sprintf("%s (%s)", label, s.Unit())
}
